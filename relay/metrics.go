// Copyright 2021-2022 The streamrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import "github.com/prometheus/client_golang/prometheus"

// Item drop reasons
const (
	dropReasonNoClients = "no_clients"
	dropReasonMalformed = "malformed"
)

// Delivery results
const (
	deliveryResultSent   = "sent"
	deliveryResultFailed = "failed"
)

// Metrics exposes Prometheus collectors that report relay activity
type Metrics struct {
	connectedClients    prometheus.Gauge
	subscriptionsOpened prometheus.Counter
	subscriptionsClosed prometheus.Counter
	openFailures        prometheus.Counter
	itemsReceived       prometheus.Counter
	itemsDropped        *prometheus.CounterVec
	deliveries          *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance registered with the provided registerer.
// Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamrelay",
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Number of clients currently registered with the relay.",
		}),
		subscriptionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Subsystem: "upstream",
			Name:      "subscriptions_opened_total",
			Help:      "Number of upstream subscriptions opened.",
		}),
		subscriptionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Subsystem: "upstream",
			Name:      "subscriptions_closed_total",
			Help:      "Number of upstream subscriptions closed or ended.",
		}),
		openFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Subsystem: "upstream",
			Name:      "open_failures_total",
			Help:      "Number of failed attempts to open the upstream subscription.",
		}),
		itemsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Subsystem: "upstream",
			Name:      "items_received_total",
			Help:      "Number of items received from the upstream subscription.",
		}),
		itemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Subsystem: "upstream",
			Name:      "items_dropped_total",
			Help:      "Number of upstream items not delivered to any client.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Number of per client event deliveries.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.connectedClients,
		m.subscriptionsOpened,
		m.subscriptionsClosed,
		m.openFailures,
		m.itemsReceived,
		m.itemsDropped,
		m.deliveries,
	)
	return m
}
