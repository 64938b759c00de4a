package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Stefan-migo/MCR/internal/core"
	"github.com/Stefan-migo/MCR/internal/domain"
	"github.com/Stefan-migo/MCR/internal/metrics"
	"github.com/Stefan-migo/MCR/internal/sfu"
)

// StatsPoller periodically queries the worker for per-transport receive
// stats, one query per live stream producer, and republishes the numbers as
// prometheus gauges and stream-stats events.
type StatsPoller struct {
	registry *Registry
	router   *sfu.Router
	broker   *Broker
	interval time.Duration

	log zerolog.Logger

	// streams seen on the previous tick, to drop gauges of ended ones.
	seen map[domain.StreamID]struct{}
}

func NewStatsPoller(registry *Registry, router *sfu.Router, broker *Broker, interval time.Duration) *StatsPoller {
	return &StatsPoller{
		registry: registry,
		router:   router,
		broker:   broker,
		interval: interval,
		log:      log.With().Str("module", "app.stats").Logger(),
		seen:     make(map[domain.StreamID]struct{}),
	}
}

// Run blocks until ctx is canceled. A zero or negative interval disables
// polling entirely.
func (sp *StatsPoller) Run(ctx context.Context) {
	if sp.interval <= 0 {
		sp.log.Info().Msg("stats polling disabled")
		return
	}
	t := time.NewTicker(sp.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sp.poll(ctx)
		}
	}
}

// transportStat is the subset of the worker's getStats reply we surface.
type transportStat struct {
	BytesReceived int64   `json:"bytesReceived"`
	RecvBitrate   int64   `json:"recvBitrate"`
	PacketLoss    float64 `json:"rtpPacketLossReceived"`
}

func (sp *StatsPoller) poll(ctx context.Context) {
	live := make(map[domain.StreamID]struct{})
	for _, s := range sp.registry.ActiveStreams() {
		live[s.ID] = struct{}{}

		p, ok := sp.router.Producer(s.ProducerID)
		if !ok {
			continue
		}
		raw, err := p.Transport().GetStats(ctx)
		if err != nil {
			sp.log.Debug().Err(err).Str("stream", string(s.ID)).Msg("getStats")
			continue
		}
		var stats []transportStat
		if err := json.Unmarshal(raw, &stats); err != nil || len(stats) == 0 {
			continue
		}
		st := stats[0]

		metrics.StreamBitrate.WithLabelValues(string(s.ID)).Set(float64(st.RecvBitrate))
		sp.broker.Publish(core.Event{
			Type:     core.EventStreamStats,
			DeviceID: s.DeviceID,
			Data: core.StreamStatsPayload{
				StreamID:      s.ID,
				BytesReceived: st.BytesReceived,
				Bitrate:       st.RecvBitrate,
				PacketLoss:    st.PacketLoss,
			},
		})
	}

	for id := range sp.seen {
		if _, ok := live[id]; !ok {
			metrics.StreamBitrate.DeleteLabelValues(string(id))
		}
	}
	sp.seen = live
}
