// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/storefront-edge/pkg/validation"
	"github.com/AleutianAI/storefront-edge/services/edge/upload"
	"github.com/gin-gonic/gin"
)

// Upload stores one multipart file ("file" form field) in the configured
// bucket. Optional form fields: "path" pins the object path, "bucket"
// overrides the default.
func Upload(up *upload.Uploader, defaultBucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file form field is required"})
			return
		}
		bucket := c.PostForm("bucket")
		if bucket == "" {
			bucket = defaultBucket
		}
		if err := validation.ValidateBucket(bucket); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if path := c.PostForm("path"); path != "" {
			if err := validation.ValidateObjectPath(path); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()

		res, err := up.UploadFile(c.Request.Context(), f, bucket, header.Filename, upload.Options{
			Path:        c.PostForm("path"),
			ContentType: header.Header.Get("Content-Type"),
		})
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// UploadProgressWebSocket streams progress events for one upload id, or
// every upload when the id query parameter is absent.
func UploadProgressWebSocket(registry *upload.ProgressRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := updatesUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		key := c.Query("id")
		if key == "" {
			key = upload.ListenAll
		}

		events := make(chan upload.ProgressEvent, 64)
		unsub := registry.Subscribe(key, func(ev upload.ProgressEvent) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsub()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-events:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
