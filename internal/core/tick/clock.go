package tick

import (
	"context"
	"time"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/observability/log"
)

// Clock opens ticks that nothing else opens: the first one, and the next one
// whenever the early advance found no work. It also acts as the stall watchdog,
// abandoning a tick that has not finished within the stall timeout.
type Clock struct {
	coordinator  *Coordinator
	bus          bus.PubSub
	interval     time.Duration
	stallTimeout time.Duration
	logger       log.Log
}

func NewClock(coordinator *Coordinator, pubsub bus.PubSub, interval, stallTimeout time.Duration, logger log.Log) *Clock {
	return &Clock{
		coordinator:  coordinator,
		bus:          pubsub,
		interval:     interval,
		stallTimeout: stallTimeout,
		logger:       logger.With(log.String("component", "clock")),
	}
}

// Run blocks until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	if err := c.coordinator.Init(ctx); err != nil {
		return err
	}

	finished, sub := c.bus.Listen(bus.ChannelService)
	defer func() { _ = sub.Cancel() }()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	progress := time.Now()
	if c.advance(ctx) {
		progress = time.Now()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-finished:
			if !ok {
				return nil
			}
			if msg.Type == bus.TypeTickFinished {
				progress = time.Now()
			}
		case <-ticker.C:
			if c.advance(ctx) {
				progress = time.Now()
				continue
			}
			if c.stallTimeout > 0 && time.Since(progress) > c.stallTimeout {
				c.recover(ctx)
				progress = time.Now()
			}
		}
	}
}

func (c *Clock) advance(ctx context.Context) bool {
	now, err := c.coordinator.Time(ctx)
	if err != nil {
		c.logger.Error("read time failed", log.Error(err))
		return false
	}
	_, opened, err := c.coordinator.AdvanceQueue(ctx, now, false)
	if err != nil {
		c.logger.Error("advance queue failed", log.Tick(now), log.Error(err))
		return false
	}
	return opened
}

func (c *Clock) recover(ctx context.Context) {
	now, err := c.coordinator.Time(ctx)
	if err != nil {
		c.logger.Error("read time failed", log.Error(err))
		return
	}
	processing, err := c.coordinator.ProcessorTime(ctx)
	if err != nil {
		c.logger.Error("read processor time failed", log.Error(err))
		return
	}
	if processing != now {
		return
	}
	c.logger.Warn("tick stalled", log.Tick(now), log.Duration("timeout", c.stallTimeout))
	if err = c.coordinator.AbandonIntentsForTick(ctx, now); err != nil {
		c.logger.Error("abandon failed", log.Tick(now), log.Error(err))
	}
}
