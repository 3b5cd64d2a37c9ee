// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_realtime_connections_total",
		Help: "Transport connect attempts by outcome",
	}, []string{"outcome"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_realtime_reconnects_total",
		Help: "Global reconnect recoveries triggered",
	})

	channelErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_realtime_channel_errors_total",
		Help: "Channel error events observed",
	})

	changesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_realtime_changes_dispatched_total",
		Help: "Change events dispatched to subscriber callbacks, by table",
	}, []string{"table"})

	pollingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_realtime_polling_fallbacks_active",
		Help: "Polling fallbacks currently running",
	})

	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_realtime_subscriptions_active",
		Help: "Logical subscriptions currently registered",
	})
)
