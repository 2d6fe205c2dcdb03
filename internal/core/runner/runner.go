// Package runner is the intent-producing side of a tick. A Runner claims the
// users a tick waits for, asks a Sandbox what each wants to do and publishes
// the result to the rooms the user acts in.
package runner

import (
	"context"
	"slices"
	"time"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/tick"
	"github.com/zeusync/shardtick/pkg/concurrent"
)

// Sandbox runs one user's code for one tick. rooms are the rooms the user has
// an intent relationship with; the result maps room names to payloads.
type Sandbox interface {
	Run(ctx context.Context, user string, tickNum int64, rooms []string) (map[string]intents.Payload, error)
}

// IdleSandbox is a Sandbox for users without code: they never ask for anything.
type IdleSandbox struct{}

func (IdleSandbox) Run(context.Context, string, int64, []string) (map[string]intents.Payload, error) {
	return nil, nil
}

// SandboxFunc adapts a function to Sandbox.
type SandboxFunc func(ctx context.Context, user string, tickNum int64, rooms []string) (map[string]intents.Payload, error)

func (f SandboxFunc) Run(ctx context.Context, user string, tickNum int64, rooms []string) (map[string]intents.Payload, error) {
	return f(ctx, user, tickNum, rooms)
}

type Runner struct {
	coordinator *tick.Coordinator
	sandbox     Sandbox
	bus         bus.PubSub
	concurrency int
	// minInterval is the shortest time between two ticks served by this runner.
	minInterval time.Duration
	logger      log.Log

	lastRun time.Time
}

func New(coordinator *tick.Coordinator, sandbox Sandbox, pubsub bus.PubSub, concurrency int, minInterval time.Duration, logger log.Log) *Runner {
	return &Runner{
		coordinator: coordinator,
		sandbox:     sandbox,
		bus:         pubsub,
		concurrency: max(concurrency, 1),
		minInterval: minInterval,
		logger:      logger.With(log.String("component", "runner")),
	}
}

// Run serves the runner channel until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	messages, sub := r.bus.Listen(bus.ChannelRunner)
	defer func() { _ = sub.Cancel() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Type != bus.TypeRun {
				continue
			}
			if err := r.Serve(ctx, msg.Tick); err != nil && ctx.Err() == nil {
				r.logger.Error("serve tick failed", log.Tick(msg.Tick), log.Error(err))
			}
		}
	}
}

// Serve runs every user tickNum still waits for, after holding back until the
// minimum interval since the previous tick has passed.
func (r *Runner) Serve(ctx context.Context, tickNum int64) error {
	if wait := r.minInterval - time.Since(r.lastRun); !r.lastRun.IsZero() && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	r.lastRun = time.Now()

	return concurrent.Drain(ctx, r.concurrency,
		func(ctx context.Context) (string, bool, error) {
			return r.coordinator.ClaimRunnerUser(ctx, tickNum)
		},
		func(ctx context.Context, user string) {
			if err := r.runUser(ctx, user, tickNum); err != nil {
				r.logger.Error("publish intents failed", log.String("user", user), log.Tick(tickNum), log.Error(err))
			}
		})
}

// runUser publishes one payload per room of the user. A sandbox failure still
// publishes empty payloads so the user's rooms do not wait for it.
func (r *Runner) runUser(ctx context.Context, user string, tickNum int64) error {
	rooms, err := r.coordinator.UserRooms(ctx, user)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		return nil
	}

	produced, err := r.sandbox.Run(ctx, user, tickNum, rooms)
	if err != nil {
		r.logger.Warn("sandbox failed", log.String("user", user), log.Tick(tickNum), log.Error(err))
		produced = nil
	}

	payloads := make(map[string]intents.Payload, len(rooms))
	for _, name := range rooms {
		payloads[name] = produced[name]
	}
	for name := range produced {
		if !slices.Contains(rooms, name) {
			r.logger.Debug("payload for a room outside the user's reach dropped", log.String("user", user), log.Room(name), log.Tick(tickNum))
		}
	}
	return r.coordinator.PublishRunnerIntents(ctx, user, tickNum, payloads)
}
