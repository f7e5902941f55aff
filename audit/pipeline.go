package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aegis.evalgo.org/common"
	"aegis.evalgo.org/geo"
	"aegis.evalgo.org/probe"
)

// PipelineConfig carries the pipeline's tunables.
type PipelineConfig struct {
	// EnrichTimeout bounds the geolocation lookup so enrichment never
	// delays the primary remote write attempt by more than this.
	EnrichTimeout time.Duration
}

// DefaultPipelineConfig returns the standard pipeline settings.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{EnrichTimeout: 2 * time.Second}
}

// Pipeline orchestrates audit record delivery: build, enrich, attempt a
// remote write, fall back to the durable queue on failure or while
// offline, and flush the queue opportunistically when connectivity
// returns.
type Pipeline struct {
	store     EventStore
	queue     Queue
	monitor   Monitor
	collector probe.Collector
	session   *probe.SessionContext
	resolver  geo.Resolver
	cfg       PipelineConfig

	// mu guards flushing and pending, and is held across non-flush queue
	// writes: a record either lands durably before a flush's drain or is
	// buffered in pending for the next flush generation, so a concurrent
	// Clear can never lose it.
	mu       sync.Mutex
	flushing bool
	pending  []Event
}

// NewPipeline wires a pipeline. On construction it subscribes to
// connectivity transitions and, defensively, flushes once in the
// background if the monitor already reports online.
func NewPipeline(store EventStore, queue Queue, monitor Monitor, collector probe.Collector, session *probe.SessionContext, resolver geo.Resolver, cfg PipelineConfig) *Pipeline {
	if collector == nil {
		collector = probe.HostCollector{}
	}
	if resolver == nil {
		resolver = geo.Noop{}
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = DefaultPipelineConfig().EnrichTimeout
	}

	p := &Pipeline{
		store:     store,
		queue:     queue,
		monitor:   monitor,
		collector: collector,
		session:   session,
		resolver:  resolver,
		cfg:       cfg,
	}

	monitor.Subscribe(func(online bool) {
		if online {
			go p.flushOnReconnect()
		}
	})

	if monitor.Online() {
		go p.flushOnReconnect()
	}

	return p
}

// Record builds an audit event from in, enriches it, and delivers it.
//
// While offline the event is minimally enriched (fingerprint, session id,
// timestamp), queued, and a nil error is returned: offline is not an error
// condition. When a remote write fails, the fully enriched event is queued
// and the underlying error is returned; callers are free to ignore it,
// since a failed log must never block the auth action that triggered it.
func (p *Pipeline) Record(ctx context.Context, in Input) error {
	ev := newEvent(in)
	signals := p.collector.Collect()
	if ev.UserAgent == "" {
		ev.UserAgent = signals.UserAgent
	}
	signals.UserAgent = ev.UserAgent
	ev.DeviceFingerprint = probe.Fingerprint(signals)
	if p.session != nil {
		ev.SessionID = p.session.SessionID()
	}

	if !p.monitor.Online() {
		if err := p.enqueue(ev); err != nil {
			return fmt.Errorf("failed to queue audit event offline: %w", err)
		}
		p.logEvent(ev).Info("audit event queued while offline")
		return nil
	}

	p.enrich(ctx, &ev, signals, in.IPAddress)

	if err := p.store.InsertEvents(ctx, []Event{ev}); err != nil {
		if qErr := p.enqueue(ev); qErr != nil {
			common.Logger.WithError(qErr).Error("failed to queue audit event after remote write failure")
		} else {
			p.logEvent(ev).WithError(err).Warn("remote write failed, audit event queued")
		}
		return fmt.Errorf("remote audit write failed: %w", err)
	}

	p.logEvent(ev).Debug("audit event recorded")
	return nil
}

// enrich fills the best-effort fields. Lookup failures leave fields absent
// and never fail the overall record attempt.
func (p *Pipeline) enrich(ctx context.Context, ev *Event, signals probe.Signals, ip string) {
	ev.Browser, ev.OS = probe.BrowserOS(ev.UserAgent)
	ev.ConnectionType = signals.ConnectionType
	ev.ScreenResolution = signals.ScreenResolution()
	ev.Timezone = signals.Timezone
	ev.Language = signals.Language
	ev.IsMobile = signals.Mobile || probe.IsMobile(ev.UserAgent)
	ev.BatteryLevel = signals.BatteryLevel

	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.EnrichTimeout)
	defer cancel()
	loc, err := p.resolver.Resolve(lookupCtx, ip)
	if err != nil {
		common.Logger.WithError(err).Debug("geolocation enrichment skipped")
		return
	}
	if loc != nil {
		ev.Country = loc.Country
		ev.City = loc.City
		ev.Geolocation = loc.Geolocation
	}
}

// enqueue appends ev to the durable queue, or to the pending buffer when a
// flush currently holds the queue. The lock is held across the queue write:
// releasing it between the flushing check and the write would let a flush
// start in the gap, drain without the record, and wipe it with Clear.
func (p *Pipeline) enqueue(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushing {
		p.pending = append(p.pending, ev)
		return nil
	}
	return p.queue.Enqueue(ev)
}

// FlushPending attempts one batch delivery of the entire queued backlog.
// On success the queue is cleared; on failure it is left untouched for a
// later retry. Concurrent calls coalesce: only one flush runs at a time,
// and records enqueued during a flush survive into the next one.
//
// Delivery is at least once; see EventStore for the dedupe contract.
func (p *Pipeline) FlushPending(ctx context.Context) error {
	p.mu.Lock()
	if p.flushing {
		p.mu.Unlock()
		return nil
	}
	p.flushing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.flushing = false
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()

		// Re-queue through enqueue so a flush that started in the
		// meantime buffers these instead of clearing them away.
		for _, ev := range pending {
			if err := p.enqueue(ev); err != nil {
				common.Logger.WithError(err).Error("failed to re-queue audit event buffered during flush")
			}
		}
	}()

	events, err := p.queue.Drain()
	if err != nil {
		return fmt.Errorf("failed to drain audit queue: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	if err := p.store.InsertEvents(ctx, events); err != nil {
		common.Logger.WithError(err).WithField("count", len(events)).Warn("audit queue flush failed, retrying later")
		return fmt.Errorf("audit queue flush failed: %w", err)
	}

	if err := p.queue.Clear(); err != nil {
		// The batch was delivered; the next flush re-sends it and the
		// store consumer dedupes.
		return fmt.Errorf("failed to clear audit queue after flush: %w", err)
	}

	common.Logger.WithField("count", len(events)).Info("audit queue flushed")
	return nil
}

// History returns up to limit recent audit events for one identity,
// newest first.
func (p *Pipeline) History(ctx context.Context, identity string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := p.store.SelectEvents(ctx, Filter{
		Identity:    identity,
		Limit:       limit,
		NewestFirst: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load login history: %w", err)
	}
	return events, nil
}

func (p *Pipeline) flushOnReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.FlushPending(ctx); err != nil {
		common.Logger.WithError(err).Warn("flush on reconnect failed")
	}
}

func (p *Pipeline) logEvent(ev Event) *logrus.Entry {
	return common.Logger.WithFields(logrus.Fields{
		"identity": ev.Identity,
		"action":   ev.Action,
		"success":  ev.Success,
	})
}
