// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cachetier

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// denyList bypasses caching entirely. Anything touching money, identity,
// or order state must always hit the network.
var denyList = []string{
	"/payment",
	"/checkout",
	"/auth",
	"/token",
	"/login",
	"/logout",
	"/order/create",
	"/order/update",
	"/order/cancel",
	"/rpc/split_batch_order",
	"/rpc/verify_transaction",
	"/rpc/wallet_sign",
	"/wallet",
}

// typeRule maps a request to a cache tier. Extensions are matched on the
// final path element; substrings anywhere in the path.
type typeRule struct {
	cacheType  CacheType
	extensions []string
	substrings []string
}

// classification rules, checked in order; first match wins.
var typeRules = []typeRule{
	{
		cacheType:  TypeStatic,
		extensions: []string{".js", ".css", ".wasm", ".map"},
		substrings: []string{"/_app/", "/build/", "/immutable/"},
	},
	{
		cacheType:  TypeAssets,
		extensions: []string{".woff", ".woff2", ".ttf", ".ico", ".svg"},
		substrings: []string{"/fonts/", "/icons/"},
	},
	{
		cacheType:  TypeImages,
		extensions: []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".avif"},
		substrings: []string{"/storage/v1/render/image/", "/storage/v1/object/public/"},
	},
	{
		cacheType:  TypeMetadata,
		substrings: []string{"/metadata/", "/rest/v1/collections", "/rest/v1/categories"},
	},
	{
		cacheType:  TypeProductData,
		substrings: []string{"/rest/v1/products", "/rest/v1/listings", "/products/"},
	},
	{
		cacheType:  TypeDynamicData,
		substrings: []string{"/rest/v1/cart", "/rest/v1/inventory", "/availability"},
	},
}

// volatileParams are stripped during URL normalization so concurrent
// fetches for one logical resource converge on one cache entry.
var volatileParams = map[string]bool{
	"priority":  true,
	"_preload":  true,
	"cachebust": true,
	"t":         true,
}

// Classify maps a request to its cache tier. The second return is false
// when the request must bypass the cache: non-GET methods, deny-listed
// paths, and anything no rule matches.
func Classify(method, rawURL string) (CacheType, bool) {
	if method != "" && method != "GET" && method != "HEAD" {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	p := strings.ToLower(u.Path)

	for _, deny := range denyList {
		if strings.Contains(p, deny) {
			return "", false
		}
	}

	ext := strings.ToLower(path.Ext(p))
	for _, rule := range typeRules {
		for _, e := range rule.extensions {
			if ext == e {
				return rule.cacheType, true
			}
		}
		for _, s := range rule.substrings {
			if strings.Contains(p, s) {
				return rule.cacheType, true
			}
		}
	}
	return "", false
}

// NormalizeURL canonicalizes a request URL for use as a cache key:
// volatile query parameters are dropped and the rest sorted.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for param := range q {
		if volatileParams[param] {
			q.Del(param)
		}
	}
	if len(q) == 0 {
		u.RawQuery = ""
	} else {
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	u.Fragment = ""
	return u.String()
}
