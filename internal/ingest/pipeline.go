package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseboard/pulseboard/internal/domain"
	"github.com/pulseboard/pulseboard/internal/store"
)

// Broadcaster receives every normalized event for fan-out to live
// connections.
type Broadcaster interface {
	Broadcast(ev domain.DashboardEvent)
}

// EventSink mirrors normalized events to an external stream. Best effort;
// sink failures never fail ingestion.
type EventSink interface {
	Publish(ctx context.Context, ev domain.DashboardEvent) error
}

// Options tune the pipeline's retry and timeout behavior.
type Options struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Pipeline normalizes upstream monitor notifications into dashboard events:
// validate, apply the state change through the store, assign the persona
// sequence, then hand the event to the broadcaster. Partial failure never
// publishes: if the state change fails after retries, no sequence is
// assigned and nothing is broadcast.
type Pipeline struct {
	store store.Store
	hub   Broadcaster
	sink  EventSink
	opts  Options

	mu           sync.Mutex
	personaLocks map[string]*sync.Mutex
}

func NewPipeline(st store.Store, hub Broadcaster, sink EventSink, opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	return &Pipeline{
		store:        st,
		hub:          hub,
		sink:         sink,
		opts:         opts,
		personaLocks: make(map[string]*sync.Mutex),
	}
}

// Submit processes one notification. It returns the published event, or
// (nil, nil) when the notification was a duplicate delivery that had
// already been applied.
func (p *Pipeline) Submit(ctx context.Context, n Notification) (*domain.DashboardEvent, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	personaID, err := p.resolvePersona(ctx, &n)
	if err != nil {
		return nil, err
	}

	// Serializing per persona from state change through hub enqueue keeps
	// commit order equal to delivery order within the persona. Different
	// personas proceed in parallel.
	lock := p.personaLock(personaID)
	lock.Lock()
	defer lock.Unlock()

	var ev *domain.DashboardEvent
	err = p.withRetry(ctx, func() error {
		var applyErr error
		ev, applyErr = p.apply(ctx, &n, personaID)
		return applyErr
	})
	if errors.Is(err, store.ErrDuplicateSignal) {
		log.Debug().
			Str("variant_id", n.VariantID).
			Str("upstream_event_id", n.UpstreamEventID).
			Msg("Duplicate signal delivery, already applied")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ev == nil {
		// Idempotent re-delivery (e.g. a second kill decision): state is
		// already what the monitor asked for, nothing new to broadcast.
		return nil, nil
	}

	if err := p.withRetry(ctx, func() error {
		return p.store.AppendEvent(ctx, ev)
	}); err != nil {
		return nil, err
	}

	p.hub.Broadcast(*ev)

	if p.sink != nil {
		if err := p.sink.Publish(ctx, *ev); err != nil {
			log.Warn().Err(err).
				Str("persona_id", ev.PersonaID).
				Int64("sequence", ev.Sequence).
				Msg("Failed to mirror event to sink")
		}
	}
	return ev, nil
}

// apply performs the state change for one notification and builds the
// un-sequenced event. A nil event with nil error means idempotent no-op.
func (p *Pipeline) apply(ctx context.Context, n *Notification, personaID string) (*domain.DashboardEvent, error) {
	now := time.Now().UTC()

	switch n.Signal {
	case SignalPerformanceUpdate:
		delta := domain.SnapshotDelta{Impressions: n.ImpressionsDelta, Successes: n.SuccessesDelta}
		snap, err := p.store.UpsertSnapshot(ctx, n.VariantID, delta, n.UpstreamEventID)
		if errors.Is(err, store.ErrVariantNotFound) && n.PersonaID != "" {
			// First sighting of this variant: auto-register and reapply.
			if _, regErr := p.store.RegisterVariant(ctx, domain.Variant{
				VariantID:   n.VariantID,
				PersonaID:   n.PersonaID,
				ContentHash: n.ContentHash,
			}); regErr != nil {
				return nil, regErr
			}
			snap, err = p.store.UpsertSnapshot(ctx, n.VariantID, delta, n.UpstreamEventID)
		}
		if err != nil {
			return nil, err
		}
		return &domain.DashboardEvent{
			EventType:  domain.EventPerformanceUpdate,
			PersonaID:  personaID,
			VariantID:  n.VariantID,
			OccurredAt: now,
			Payload: map[string]any{
				"impressions":       snap.Impressions,
				"successes":         snap.Successes,
				"engagement_rate":   snap.EngagementRate,
				"impressions_delta": n.ImpressionsDelta,
				"successes_delta":   n.SuccessesDelta,
			},
		}, nil

	case SignalEarlyKill:
		rec, _, created, err := p.store.RecordKill(ctx, n.VariantID, n.Reason, n.UpstreamEventID)
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, nil
		}
		return &domain.DashboardEvent{
			EventType:  domain.EventEarlyKill,
			PersonaID:  personaID,
			VariantID:  n.VariantID,
			OccurredAt: now,
			Payload: map[string]any{
				"reason":                  rec.Reason,
				"engagement_rate_at_kill": rec.EngagementRateAtKill,
				"killed_at":               rec.KilledAt,
			},
		}, nil

	case SignalFatigueWarning:
		snap, err := p.store.SetFatigueWarning(ctx, n.VariantID, n.UpstreamEventID)
		if err != nil {
			return nil, err
		}
		return &domain.DashboardEvent{
			EventType:  domain.EventPatternFatigueWarning,
			PersonaID:  personaID,
			VariantID:  n.VariantID,
			OccurredAt: now,
			Payload: map[string]any{
				"engagement_rate": snap.EngagementRate,
				"impressions":     snap.Impressions,
			},
		}, nil

	case SignalOptimizationSuggestion:
		// Advisory only: no snapshot change.
		return &domain.DashboardEvent{
			EventType:  domain.EventOptimizationSuggestion,
			PersonaID:  personaID,
			VariantID:  n.VariantID,
			OccurredAt: now,
			Payload: map[string]any{
				"suggestion_text": n.Suggestion,
			},
		}, nil
	}
	return nil, invalidf("signal_type", "unknown signal %q", string(n.Signal))
}

// resolvePersona finds the persona an event should be routed to. Suggestion
// signals carry it; variant-scoped signals derive it from the variant.
func (p *Pipeline) resolvePersona(ctx context.Context, n *Notification) (string, error) {
	if n.PersonaID != "" {
		return n.PersonaID, nil
	}
	var personaID string
	err := p.withRetry(ctx, func() error {
		snap, err := p.store.GetSnapshot(ctx, n.VariantID)
		if err != nil {
			return err
		}
		personaID = snap.PersonaID
		return nil
	})
	if errors.Is(err, store.ErrVariantNotFound) {
		return "", invalidf("variant_id", "unknown variant %q and no persona_id to register it under", n.VariantID)
	}
	if err != nil {
		return "", err
	}
	return personaID, nil
}

func (p *Pipeline) personaLock(personaID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.personaLocks[personaID]
	if !ok {
		lock = &sync.Mutex{}
		p.personaLocks[personaID] = lock
	}
	return lock
}

// withRetry runs fn up to the configured attempt count, backing off
// exponentially between attempts. Only retryable persistence failures are
// retried; validation and invariant errors surface immediately.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := p.opts.RetryBackoff
	for attempt := 1; attempt <= p.opts.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		if attempt == p.opts.RetryAttempts {
			break
		}
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", p.opts.RetryAttempts).
			Msg("Persistence failed, retrying")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
