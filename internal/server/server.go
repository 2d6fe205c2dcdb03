package server

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/shardtick/internal/config"
	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/processor"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/runner"
	"github.com/zeusync/shardtick/internal/core/tick"
	"github.com/zeusync/shardtick/pkg/concurrent"
)

// Server runs one shard: the tick clock, the room processors and the runner,
// all sharing one coordinator.
type Server struct {
	config      config.Config
	coordinator *tick.Coordinator
	clock       *tick.Clock
	workers     []*processor.Worker
	runner      *runner.Runner
	bus         bus.PubSub
	closers     []io.Closer

	// Server state
	running int32 // atomic bool
	closed  int32 // atomic bool

	logger log.Log

	cancel context.CancelFunc
	group  *errgroup.Group
	sub    bus.Subscription
}

// NewServer assembles a server. closers are released by Close in order.
func NewServer(
	cfg config.Config,
	coordinator *tick.Coordinator,
	clock *tick.Clock,
	workers []*processor.Worker,
	r *runner.Runner,
	pubsub bus.PubSub,
	logger log.Log,
	closers ...io.Closer,
) *Server {
	s := &Server{
		config:      cfg,
		coordinator: coordinator,
		clock:       clock,
		workers:     workers,
		runner:      r,
		bus:         pubsub,
		closers:     closers,
		logger:      logger.With(log.String("component", "server")),
	}

	s.logger.Info("Server created",
		log.Int("processors", len(workers)),
		log.Duration("tick_interval", cfg.TickInterval),
		log.Strings("rooms", cfg.Rooms))

	return s
}

// Start places the configured rooms and starts every component in the
// background. Components stop when ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	if err := s.placeRooms(ctx); err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to place rooms", log.Error(err))
		return err
	}

	sub, err := s.bus.Subscribe(bus.ChannelService, func(msg bus.Message) error {
		if msg.Type == bus.TypeTickFinished {
			s.logger.Debug("Tick finished", log.Tick(msg.Tick))
		}
		return nil
	})
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}
	s.sub = sub

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for _, w := range s.workers {
		s.group.Go(func() error { return w.Run(ctx) })
	}
	s.group.Go(func() error { return s.runner.Run(ctx) })
	// The clock publishes the first tick right away.
	if err = s.awaitListeners(ctx); err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.cancel()
		_ = s.group.Wait()
		_ = s.sub.Cancel()
		return err
	}
	s.group.Go(func() error { return s.clock.Run(ctx) })

	s.logger.Info("Server started successfully")

	return nil
}

func (s *Server) awaitListeners(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		subs := map[string]int{}
		for _, ch := range s.bus.Channels() {
			subs[ch.Name] = ch.Subs
		}
		if subs[bus.ChannelProcessor] >= len(s.workers) && subs[bus.ChannelRunner] >= 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// placeRooms creates every configured room that does not exist yet.
func (s *Server) placeRooms(ctx context.Context) error {
	return concurrent.Concurrent(ctx, slices.Values(s.config.Rooms), s.config.RoomConcurrency, func(ctx context.Context, name string) error {
		err := s.coordinator.PlaceRoom(ctx, room.New(name), nil)
		switch {
		case errors.Is(err, tick.ErrRoomExists):
			s.logger.Debug("Room already placed", log.Room(name))
		case err != nil:
			return err
		default:
			s.logger.Info("Room placed", log.Room(name))
		}
		return nil
	})
}

// Stop asks the processors to shut down, cancels the remaining components and
// waits for them. It returns early with ctx's error when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	if err := s.bus.Publish(bus.ChannelProcessor, bus.Message{Type: bus.TypeShutdown}); err != nil {
		s.logger.Warn("Failed to publish shutdown", log.Error(err))
	}
	s.cancel()
	_ = s.sub.Cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Component failed", log.Error(err))
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Server stopped")

	return nil
}

// Close closes the server and releases all resources
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")

	// Stop if running
	if atomic.LoadInt32(&s.running) == 1 {
		_ = s.Stop(context.Background())
	}

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Server closed")

	return errors.Join(errs...)
}

// Coordinator exposes the shard's coordinator to embedding services.
func (s *Server) Coordinator() *tick.Coordinator { return s.coordinator }
