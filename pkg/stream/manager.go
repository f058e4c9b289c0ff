// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package stream serves resumable SSE subscription streams: it seeds a
// fresh subscription's view, replays changelog history for resuming
// clients, and keeps the connection alive with heartbeats until the
// client goes away or the stream must be invalidated.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livetable/livetable/internal/sync2"
	"github.com/livetable/livetable/pkg/changelog"
	"github.com/livetable/livetable/pkg/events"
	"github.com/livetable/livetable/pkg/mutation"
	"github.com/livetable/livetable/pkg/subscription"
)

var (
	mon = monkit.Package()

	// Error is the stream error class.
	Error = errs.Class("stream")
	// ErrLimitReached is returned when a caller exceeds the concurrent
	// stream caps.
	ErrLimitReached = errs.Class("stream limit reached")

	monOpen = mon.Counter("open_streams")
)

// Defaults.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultMaxQueueBytes     = 1 << 20
	DefaultMaxPerUser        = 16
	DefaultMaxPerIP          = 64
)

// Config tunes the stream manager.
type Config struct {
	HeartbeatInterval time.Duration
	MaxQueueBytes     int
	MaxPerUser        int
	MaxPerIP          int
}

func (config Config) withDefaults() Config {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.MaxQueueBytes <= 0 {
		config.MaxQueueBytes = DefaultMaxQueueBytes
	}
	if config.MaxPerUser <= 0 {
		config.MaxPerUser = DefaultMaxPerUser
	}
	if config.MaxPerIP <= 0 {
		config.MaxPerIP = DefaultMaxPerIP
	}
	return config
}

// Request describes one incoming subscription stream.
type Request struct {
	Resource    string
	Filter      string
	ScopeFilter string
	UserID      string
	RemoteAddr  string

	// ResumeFrom is the last global seq the client saw, from the
	// Last-Event-ID header or the resumeFrom parameter. Zero means a
	// fresh stream.
	ResumeFrom int64
	// SkipExisting suppresses the initial existing events; the client
	// already holds a current snapshot.
	SkipExisting bool
	// KnownIDs pre-populates the membership set instead of querying.
	KnownIDs []string

	ExpiresAt time.Time
}

// Manager owns the SSE side of subscriptions.
type Manager struct {
	log      *zap.Logger
	registry *subscription.Registry
	router   *events.Router
	clog     *changelog.Log
	pipeline *mutation.Pipeline
	config   Config

	mu      sync.Mutex
	perUser map[string]int
	perIP   map[string]int
}

// NewManager creates a stream manager.
func NewManager(log *zap.Logger, registry *subscription.Registry, router *events.Router, clog *changelog.Log, pipeline *mutation.Pipeline, config Config) *Manager {
	return &Manager{
		log:      log,
		registry: registry,
		router:   router,
		clog:     clog,
		pipeline: pipeline,
		config:   config.withDefaults(),
		perUser:  map[string]int{},
		perIP:    map[string]int{},
	}
}

// Serve runs one subscription stream until the client disconnects or the
// stream ends. It owns the whole lifecycle: registration, seeding,
// delivery, heartbeats and teardown.
func (m *Manager) Serve(ctx context.Context, w http.ResponseWriter, req Request) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := m.acquire(req.UserID, req.RemoteAddr); err != nil {
		return err
	}
	defer m.release(req.UserID, req.RemoteAddr)
	monOpen.Inc(1)
	defer monOpen.Dec(1)

	currentSeq, err := m.clog.CurrentSeq(ctx)
	if err != nil {
		return err
	}

	sub := subscription.Subscription{
		ID:          uuid.NewString(),
		Resource:    req.Resource,
		Filter:      req.Filter,
		ScopeFilter: req.ScopeFilter,
		HandlerID:   m.router.HandlerID(),
		UserID:      req.UserID,
		RemoteAddr:  req.RemoteAddr,
		CreatedAt:   time.Now().UTC(),
		LastSeq:     currentSeq,
		ExpiresAt:   req.ExpiresAt,
	}

	// the filter must compile before anything is registered
	if _, err := m.router.CombinedFilter(sub); err != nil {
		return err
	}

	if err := m.registry.Create(ctx, sub); err != nil {
		return err
	}
	defer func() {
		if err := m.registry.Delete(context.Background(), sub.ID); err != nil {
			m.log.Warn("subscription teardown failed", zap.String("id", sub.ID), zap.Error(err))
		}
	}()

	conn, err := newConn(w, m.config.MaxQueueBytes)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	m.router.Attach(sub.ID, func(ctx context.Context, event events.Event) error {
		conn.enqueue(eventFrame(event))
		if event.Type == events.TypeInvalidate {
			conn.finishAfterDrain()
		}
		return nil
	})
	defer m.router.Detach(sub.ID)

	// past this point headers are out; failures must end the stream with an
	// invalidate instead of surfacing as an HTTP error
	if err := m.router.Emit(ctx, sub, events.Event{
		Type:      events.TypeConnected,
		GlobalSeq: currentSeq,
	}); err != nil {
		m.fail(ctx, conn, sub, err)
	} else if err := m.seed(ctx, sub, req, currentSeq); err != nil {
		m.fail(ctx, conn, sub, err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	heartbeat := sync2.NewCycle(m.config.HeartbeatInterval)
	defer heartbeat.Stop()
	group.Go(func() error {
		err := heartbeat.Run(groupCtx, func(ctx context.Context) error {
			conn.enqueue(heartbeatFrame)
			return nil
		})
		if errs.Unwrap(err) == context.Canceled {
			return nil
		}
		return err
	})

	group.Go(func() error {
		defer heartbeat.Stop()
		return m.writeLoop(groupCtx, conn, sub)
	})

	return group.Wait()
}

// seed establishes the subscription's initial view per the connect
// algorithm: resume with replay, skip-existing, or a full snapshot with
// one existing event per matching row.
func (m *Manager) seed(ctx context.Context, sub subscription.Subscription, req Request, currentSeq int64) error {
	view := m.registry.Membership(sub.ID)

	switch {
	case req.ResumeFrom > 0:
		gap, err := m.clog.NeedsInvalidation(ctx, req.ResumeFrom)
		if err != nil {
			return err
		}
		if gap {
			return m.router.Invalidate(ctx, sub, "sequence gap")
		}
		if err := m.seedMembership(ctx, sub, view, req.KnownIDs); err != nil {
			return err
		}
		entries, err := m.clog.RangeForResource(ctx, sub.Resource, req.ResumeFrom)
		if err != nil {
			return err
		}
		return m.router.Replay(ctx, sub, entries)

	case req.SkipExisting:
		return m.seedMembership(ctx, sub, view, req.KnownIDs)

	default:
		combined, err := m.router.CombinedFilter(sub)
		if err != nil {
			return err
		}
		records, err := m.pipeline.Select(ctx, sub.Resource, combined, "", 0)
		if err != nil {
			return err
		}
		schema := combined.Schema()
		for _, record := range records {
			id := record.ID(schema)
			if err := view.Add(ctx, id); err != nil {
				return err
			}
			if err := m.router.Emit(ctx, sub, events.Event{
				Type:      events.TypeExisting,
				GlobalSeq: currentSeq,
				ObjectID:  id,
				Record:    record,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *Manager) seedMembership(ctx context.Context, sub subscription.Subscription, view *subscription.Membership, knownIDs []string) error {
	if len(knownIDs) > 0 {
		return view.Add(ctx, knownIDs...)
	}
	combined, err := m.router.CombinedFilter(sub)
	if err != nil {
		return err
	}
	records, err := m.pipeline.Select(ctx, sub.Resource, combined, "", 0)
	if err != nil {
		return err
	}
	schema := combined.Schema()
	for _, record := range records {
		if err := view.Add(ctx, record.ID(schema)); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop drains the connection queue onto the wire. On poisoning it
// writes one final invalidate frame and ends the stream.
func (m *Manager) writeLoop(ctx context.Context, conn *conn, sub subscription.Subscription) error {
	for {
		frame, failure, status := conn.next()
		switch status {
		case nextFrame:
			if err := conn.write(frame); err != nil {
				return nil // client went away
			}
		case nextFailed:
			m.log.Warn("stream invalidated",
				zap.String("subscription", sub.ID),
				zap.String("reason", failure))
			event, err := m.invalidateEvent(ctx, sub, failure)
			if err == nil {
				_ = conn.write(eventFrame(event))
			}
			return nil
		case nextDone:
			return nil
		case nextIdle:
			select {
			case <-ctx.Done():
				return nil
			case <-conn.notify:
			}
		}
	}
}

// fail converts a mid-stream error into a final invalidate so the client
// sees a clean rebuild signal rather than a broken stream.
func (m *Manager) fail(ctx context.Context, conn *conn, sub subscription.Subscription, cause error) {
	m.log.Warn("stream failed, invalidating",
		zap.String("subscription", sub.ID), zap.Error(cause))
	event, err := m.invalidateEvent(ctx, sub, "internal error")
	if err == nil {
		conn.enqueue(eventFrame(event))
	}
	conn.finishAfterDrain()
}

// invalidateEvent builds a final invalidate without going through the
// delivery path, whose queue is the thing that failed.
func (m *Manager) invalidateEvent(ctx context.Context, sub subscription.Subscription, reason string) (events.Event, error) {
	seq, err := m.registry.NextSeq(ctx, sub.ID)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Seq:            seq,
		Type:           events.TypeInvalidate,
		Resource:       sub.Resource,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	}, nil
}

func (m *Manager) acquire(userID, remoteAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID != "" && m.perUser[userID] >= m.config.MaxPerUser {
		return ErrLimitReached.New("user %q has %d open streams", userID, m.perUser[userID])
	}
	if remoteAddr != "" && m.perIP[remoteAddr] >= m.config.MaxPerIP {
		return ErrLimitReached.New("address %q has %d open streams", remoteAddr, m.perIP[remoteAddr])
	}
	if userID != "" {
		m.perUser[userID]++
	}
	if remoteAddr != "" {
		m.perIP[remoteAddr]++
	}
	return nil
}

func (m *Manager) release(userID, remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID != "" {
		if m.perUser[userID]--; m.perUser[userID] <= 0 {
			delete(m.perUser, userID)
		}
	}
	if remoteAddr != "" {
		if m.perIP[remoteAddr]--; m.perIP[remoteAddr] <= 0 {
			delete(m.perIP, remoteAddr)
		}
	}
}
