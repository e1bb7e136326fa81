// Package startup coordinates concurrent initialization into a single
// ready-or-failed outcome.
package startup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one named unit of initialization.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// All runs every task concurrently. It returns nil once all of them succeed, or
// the first error as soon as it is observed. Remaining tasks are neither awaited
// nor cancelled; their results go to a buffered channel nobody reads.
func All(ctx context.Context, tasks ...Task) error {
	results := make(chan error, len(tasks))

	for _, t := range tasks {
		go func() {
			results <- run(ctx, t)
		}()
	}

	for range tasks {
		if err := <-results; err != nil {
			return err
		}
	}

	return nil
}

func run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("startup task %s: panic: %v", t.Name, r)
		}
	}()

	if t.Run == nil {
		return fmt.Errorf("startup task %s: no run function", t.Name)
	}

	if err := t.Run(ctx); err != nil {
		return fmt.Errorf("startup task %s: %w", t.Name, err)
	}

	return nil
}

// State of a Coordinator.
type State int32

const (
	Initializing State = iota
	Ready
	Serving
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Serving:
		return "serving"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// ExitCode is passed to the exit function when initialization fails.
	ExitCode = 1

	maxGrace = time.Second
)

// Coordinator joins initialization tasks and either starts serving or terminates
// the process.
type Coordinator struct {
	listen func(ctx context.Context) error
	exit   func(code int)
	grace  time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	cleanups []func() error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(c *Coordinator) { c.exit = exit }
}

// WithGrace sets the delay between a failure and exit. Values outside (0, 1s]
// are clamped to 1s.
func WithGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a coordinator that calls listen once initialization succeeds.
func NewCoordinator(listen func(ctx context.Context) error, opts ...Option) *Coordinator {
	c := &Coordinator{
		listen: listen,
		exit:   os.Exit,
		grace:  maxGrace,
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(c)
	}

	if c.grace <= 0 || c.grace > maxGrace {
		c.grace = maxGrace
	}

	return c
}

// OnFailure registers a function releasing resources abandoned by a failed start.
func (c *Coordinator) OnFailure(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanups = append(c.cleanups, fn)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("startup state", zap.Stringer("state", s))
}

// Run joins tasks. On failure it runs cleanups in the background, waits the grace
// delay, calls exit(1) and returns the error. On success it calls listen exactly
// once and returns its result.
func (c *Coordinator) Run(ctx context.Context, tasks ...Task) error {
	c.setState(Initializing)

	if err := All(ctx, tasks...); err != nil {
		c.setState(Failed)
		c.logger.Error("startup failed", zap.Error(err))
		c.fail()

		return err
	}

	c.setState(Ready)
	c.logger.Info("startup complete", zap.Int("tasks", len(tasks)))

	if c.listen == nil {
		return nil
	}

	c.setState(Serving)

	return c.listen(ctx)
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	go func() {
		for _, fn := range cleanups {
			if err := fn(); err != nil {
				c.logger.Warn("startup cleanup failed", zap.Error(err))
			}
		}
	}()

	time.Sleep(c.grace)
	c.exit(ExitCode)
}
