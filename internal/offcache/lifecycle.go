package offcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is a lifecycle phase. A controller moves strictly forward:
// installing, installed, activating, active.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Command is a message sent by a client over the control channel.
type Command string

const (
	CommandSkipWaiting  Command = "SKIP_WAITING"
	CommandRefreshCache Command = "REFRESH_CACHE"
)

// Controller drives one generation from install to active and answers
// control commands.
type Controller struct {
	loader      *Loader
	generations *Generations
	manifest    PrecacheManifest
	bg          *background
	logger      *slog.Logger

	state    atomic.Int32
	claimed  atomic.Bool
	skip     chan struct{}
	skipOnce sync.Once
	// autoSkip activates right after install instead of waiting for
	// SKIP_WAITING.
	autoSkip bool

	activateMu sync.Mutex
}

func NewController(loader *Loader, generations *Generations, manifest PrecacheManifest, bg *background, autoSkip bool, logger *slog.Logger) *Controller {
	return &Controller{
		loader:      loader,
		generations: generations,
		manifest:    manifest,
		bg:          bg,
		logger:      logger,
		skip:        make(chan struct{}),
		autoSkip:    autoSkip,
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Claimed reports whether requests are routed through the cache.
func (c *Controller) Claimed() bool {
	return c.claimed.Load()
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Info("lifecycle transition",
			"generation", string(c.generations.Current()),
			"from", prev.String(),
			"to", s.String(),
		)
	}
}

// Install precaches the manifest into the current generation. Failures are
// logged; install always ends in the installed state.
func (c *Controller) Install(ctx context.Context) {
	c.setState(StateInstalling)
	if _, err := c.loader.Precache(ctx, c.manifest); err != nil {
		c.logger.Warn("precache failed", "error", err)
	}
	c.setState(StateInstalled)
	if c.autoSkip {
		c.SkipWaiting()
	}
}

// SkipWaiting lets the controller activate without waiting. Safe to call
// any number of times, in any state.
func (c *Controller) SkipWaiting() {
	c.skipOnce.Do(func() { close(c.skip) })
}

// WaitUntilActivatable blocks until SkipWaiting was called or ctx is done.
func (c *Controller) WaitUntilActivatable(ctx context.Context) error {
	select {
	case <-c.skip:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Activate deletes stale generations and claims clients. It is a no-op
// once active.
func (c *Controller) Activate(ctx context.Context) error {
	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	switch c.State() {
	case StateActive:
		return nil
	case StateInstalling:
		return fmt.Errorf("activate: not installed yet")
	}

	c.setState(StateActivating)
	deleted, err := c.generations.PurgeStale(ctx)
	if err != nil {
		c.logger.Warn("purge stale generations incomplete", "deleted", deleted, "error", err)
	}
	c.claimed.Store(true)
	c.setState(StateActive)
	return nil
}

// Run installs, waits until activation is allowed and activates.
func (c *Controller) Run(ctx context.Context) error {
	c.Install(ctx)
	if err := c.WaitUntilActivatable(ctx); err != nil {
		return err
	}
	return c.Activate(ctx)
}

// Dispatch executes a control command. REFRESH_CACHE returns once the
// refresh is scheduled; it completes in the background.
func (c *Controller) Dispatch(cmd Command) error {
	switch cmd {
	case CommandSkipWaiting:
		c.SkipWaiting()
		return nil
	case CommandRefreshCache:
		c.bg.Go(func() {
			if _, err := c.loader.Refresh(context.Background(), c.manifest); err != nil {
				c.logger.Warn("manual cache refresh failed", "error", err)
			}
		})
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, string(cmd))
}
