// Package metrics holds the prometheus collectors for the media router.
// Everything is registered on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcr"

var (
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_connected",
		Help:      "Number of devices with an open signaling session.",
	})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_active",
		Help:      "Number of live video streams.",
	})

	ProducersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "producers_live",
		Help:      "Number of live producers, audio and video.",
	})

	EgressBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "egress_bindings",
		Help:      "Number of active plain RTP egress bindings.",
	})

	EgressFreePortPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "egress_free_port_pairs",
		Help:      "Free RTP/RTCP port pairs left in the egress pool.",
	})

	SignalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_requests_total",
		Help:      "Signaling requests processed, by request type.",
	}, []string{"type"})

	SignalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_errors_total",
		Help:      "Signaling requests answered with an error, by error kind.",
	}, []string{"kind"})

	StreamBitrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_receive_bitrate",
		Help:      "Worker-reported receive bitrate per stream, bits per second.",
	}, []string{"stream"})
)
