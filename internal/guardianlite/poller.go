// Package guardianlite polls the channel states of guardianlite power units over SNMP, stores them on
// the unit's marker and announces changes on the guardianlite collection topic.
package guardianlite

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/metrics"
	"sitewatch/map-go/internal/pushbus"
	"sitewatch/map-go/internal/sqlcgen"
)

// Queries is the minimal DB interface the poller needs. *sqlcgen.Queries satisfies this.
type Queries interface {
	ListGuardianliteTargets(ctx context.Context) ([]sqlcgen.GuardianliteTarget, error)
	UpdateGuardianliteChannels(ctx context.Context, arg sqlcgen.UpdateGuardianliteChannelsParams) (int64, error)
}

// ChannelReader reads the channel table of one unit. *Client satisfies this.
type ChannelReader interface {
	Channels(ctx context.Context, address string) ([]device.Channel, error)
}

type Publisher interface {
	Publish(topic, source string, payload []byte) int
}

type Options struct {
	PollInterval  time.Duration
	TargetTimeout time.Duration
	Workers       int
}

type Poller struct {
	log           zerolog.Logger
	q             Queries
	reader        ChannelReader
	bus           Publisher
	metrics       *metrics.Metrics
	pollInterval  time.Duration
	targetTimeout time.Duration
	workers       int
}

func New(log zerolog.Logger, q Queries, reader ChannelReader, bus Publisher, opts Options, m *metrics.Metrics) *Poller {
	pi := opts.PollInterval
	if pi <= 0 {
		pi = 5 * time.Second
	}
	tt := opts.TargetTimeout
	if tt <= 0 {
		tt = 3 * time.Second
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Poller{
		log:           log,
		q:             q,
		reader:        reader,
		bus:           bus,
		metrics:       m,
		pollInterval:  pi,
		targetTimeout: tt,
		workers:       workers,
	}
}

func (p *Poller) Run(ctx context.Context) {
	if p == nil || p.q == nil || p.reader == nil {
		return
	}

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := p.PollOnce(ctx); err != nil {
			consecutiveFailures++
			p.log.Warn().Err(err).Int("failures", consecutiveFailures).Msg("guardianlite poll failed")
		} else {
			consecutiveFailures = 0
		}

		timer.Reset(backoffDuration(p.pollInterval, consecutiveFailures))
	}
}

func backoffDuration(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if failures <= 0 {
		return base
	}
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if d > 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}

type changeNote struct {
	Changed []string `json:"changed"`
}

// PollOnce reads every unit once and returns the addresses whose channels changed. Unreachable units
// are logged and skipped; only a failure to list targets is an error.
func (p *Poller) PollOnce(ctx context.Context) ([]string, error) {
	start := time.Now()
	p.metrics.IncPollRun()
	defer func() { p.metrics.ObservePollRunDuration(time.Since(start)) }()

	targets, err := p.q.ListGuardianliteTargets(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make(chan string)
	var (
		mu      sync.Mutex
		changed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range jobs {
				if p.pollTarget(ctx, addr) {
					mu.Lock()
					changed = append(changed, addr)
					mu.Unlock()
				}
			}
		}()
	}
	for _, t := range targets {
		select {
		case jobs <- t.Identity:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if len(changed) > 0 {
		payload, err := json.Marshal(changeNote{Changed: changed})
		if err == nil {
			p.bus.Publish(pushbus.CollectionTopic(device.KindGuardianlite), "guardianlite", payload)
		}
	}
	return changed, ctx.Err()
}

func (p *Poller) pollTarget(ctx context.Context, addr string) bool {
	tctx, cancel := context.WithTimeout(ctx, p.targetTimeout)
	defer cancel()

	channels, err := p.reader.Channels(tctx, addr)
	if err != nil {
		p.log.Debug().Err(err).Str("ip_address", addr).Msg("guardianlite unreachable")
		return false
	}
	raw, err := json.Marshal(channels)
	if err != nil {
		return false
	}
	n, err := p.q.UpdateGuardianliteChannels(ctx, sqlcgen.UpdateGuardianliteChannelsParams{Identity: addr, Channels: raw})
	if err != nil {
		p.log.Warn().Err(err).Str("ip_address", addr).Msg("store guardianlite channels failed")
		return false
	}
	return n > 0
}
