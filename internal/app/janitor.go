package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/relay_gateway/internal/app/metrics"
	"github.com/R3E-Network/relay_gateway/internal/gateway"
	"github.com/R3E-Network/relay_gateway/internal/storage"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

// SweepReport summarizes one janitor pass over the pending packets.
type SweepReport struct {
	Pending map[string]int
	Stale   int
	Expired int
}

// Janitor periodically samples pending packets. It never resolves them: acknowledgements and
// timeouts only come from the transport. Packets past both timeout bounds or older than
// StaleAfter are logged so operators can chase the relayer.
type Janitor struct {
	store      storage.Store
	host       gateway.TransportHost
	schedule   string
	staleAfter time.Duration
	now        func() time.Time
	log        *logger.Logger
	extra      []func()

	cron *cron.Cron
}

// NewJanitor creates a janitor running on schedule, a cron spec such as "@every 1m".
func NewJanitor(store storage.Store, host gateway.TransportHost, schedule string, staleAfter time.Duration, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault("janitor")
	}
	return &Janitor{
		store:      store,
		host:       host,
		schedule:   schedule,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

// Also runs fn after every sweep.
func (j *Janitor) Also(fn func()) {
	j.extra = append(j.extra, fn)
}

func (j *Janitor) Name() string { return "janitor" }

// Start schedules the sweep.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(j.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.Sweep(sweepCtx); err != nil {
			j.log.WithError(err).Warn("pending packet sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", j.schedule, err)
	}
	j.cron = c
	c.Start()
	j.log.WithField("schedule", j.schedule).Info("janitor started")
	return nil
}

// Stop waits for a running sweep to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep performs one pass.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	recs, err := j.store.ListPendingPackets(ctx, "")
	if err != nil {
		return SweepReport{}, fmt.Errorf("list pending packets: %w", err)
	}

	report := SweepReport{Pending: make(map[string]int)}
	now := j.now()
	heights := make(map[string]uint64)
	for _, rec := range recs {
		report.Pending[rec.ChannelID]++

		entry := j.log.WithField("channel_id", rec.ChannelID).
			WithField("sequence", rec.Sequence).
			WithField("cc_id", rec.CCID.String())

		src := rec.Packet.Src.ChannelID
		height, ok := heights[src]
		if !ok {
			height, err = j.host.CurrentTimeoutHeight(ctx, src)
			if err != nil {
				entry.WithError(err).Debug("timeout height unavailable")
				continue
			}
			heights[src] = height
		}

		switch {
		case rec.Packet.Timeout.Expired(height, now):
			report.Expired++
			entry.Warn("packet past its timeout, awaiting timeout report")
		case j.staleAfter > 0 && now.Sub(rec.CreatedAt) > j.staleAfter:
			report.Stale++
			entry.WithField("age", now.Sub(rec.CreatedAt).String()).Warn("packet still pending")
		}
	}

	metrics.SetPending(report.Pending)
	for _, fn := range j.extra {
		fn()
	}
	return report, nil
}
