// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"time"
)

// Cycle implements a controllable recurring event. It calls the provided
// function once immediately and then on every tick until the context is
// cancelled, Stop is called, or the function returns an error.
type Cycle struct {
	interval time.Duration
	stop     chan struct{}
}

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Run runs fn on the cycle's schedule.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		case <-cycle.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops the cycle permanently.
func (cycle *Cycle) Stop() {
	select {
	case <-cycle.stop:
	default:
		close(cycle.stop)
	}
}
