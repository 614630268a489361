package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/util/goroutine"
)

// Cadence runs one named task on a fixed interval in a background
// goroutine. Each background concern (aggregation, detection, baseline
// re-estimation) gets its own Cadence so it can be started, stopped and
// crash-recovered independently.
//
// Lifecycle:
//   - Start launches the loop; safe to call once.
//   - Stop (or parent context cancellation) stops the loop and waits
//     for the in-flight run to finish. Stop is idempotent.
//
// The task must be idempotent: a run may be skipped or repeated across
// restarts.
type Cadence struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context)
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewCadence creates a cadence runner. The parent context bounds the
// loop's lifetime; pass nil to manage lifetime through Stop only.
func NewCadence(parentCtx context.Context, name string, interval time.Duration, task func(ctx context.Context), logger *zap.SugaredLogger) *Cadence {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &Cadence{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Subsequent calls are no-ops.
func (c *Cadence) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.logger.Infow("Starting cadence", "name", c.name, "interval", c.interval)
	go c.loop()
}

func (c *Cadence) loop() {
	defer close(c.done)
	defer goroutine.Recover("cadence-"+c.name, c.logger)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Infow("Cadence stopping", "name", c.name)
			return
		case <-ticker.C:
			c.runOnce()
		}
	}
}

// runOnce executes the task with per-run panic isolation so one failed
// cycle never kills the loop.
func (c *Cadence) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Cadence task panicked", "name", c.name, "panic", r)
		}
	}()
	c.task(c.ctx)
}

// Stop cancels the loop and waits for it to exit. Safe to call multiple
// times and safe to call before Start.
func (c *Cadence) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if started {
		select {
		case <-c.done:
		case <-time.After(30 * time.Second):
			c.logger.Errorw("Cadence shutdown timed out", "name", c.name)
		}
	}
}
