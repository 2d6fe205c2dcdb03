package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/shardtick/internal/config"
	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/processor"
	"github.com/zeusync/shardtick/internal/core/rules"
	"github.com/zeusync/shardtick/internal/core/runner"
	"github.com/zeusync/shardtick/internal/core/storage"
	"github.com/zeusync/shardtick/internal/core/storage/blob"
	"github.com/zeusync/shardtick/internal/core/storage/memstore"
	"github.com/zeusync/shardtick/internal/core/tick"
	"github.com/zeusync/shardtick/internal/server"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideStore,
	ProvideBlobStore,
	ProvideBus,
	ProvideRegistry,
	ProvideClock,
	ProvideWorkers,
	ProvideRunner,
	ProvideServer,
	tick.NewCoordinator,
	wire.Bind(new(log.Log), new(*log.Logger)),
	wire.Bind(new(bus.PubSub), new(*bus.Bus)),
	wire.InterfaceValue(new(runner.Sandbox), runner.IdleSandbox{}),
)

func ProvideLogger(cfg config.Config) *log.Logger {
	return log.New(log.ParseLevel(cfg.LogLevel))
}

func ProvideStore(cfg config.Config) (storage.Store, func()) {
	s := memstore.New(cfg.Shards)
	return s, func() { _ = s.Close() }
}

// ProvideBlobStore opens the SQLite blob store at cfg.BlobPath, or an in-memory
// one when no path is configured. The cleanup closes it.
func ProvideBlobStore(cfg config.Config) (storage.BlobStore, func(), error) {
	var (
		blobs storage.BlobStore
		err   error
	)
	if cfg.BlobPath == "" {
		blobs = blob.NewMemory()
	} else if blobs, err = blob.OpenSQLite(cfg.BlobPath); err != nil {
		return nil, nil, err
	}
	return blobs, func() { _ = blobs.Close() }, nil
}

func ProvideBus(logger *log.Logger) *bus.Bus {
	b := bus.New()
	if logger.GetLevel() == log.LevelDebug {
		b.AddObserver(bus.LogObserver{Logger: logger.With(log.String("component", "bus"))})
	}
	return b
}

func ProvideRegistry() (*intents.Registry, error) {
	return rules.NewRegistry()
}

func ProvideClock(cfg config.Config, coordinator *tick.Coordinator, pubsub bus.PubSub, logger log.Log) *tick.Clock {
	return tick.NewClock(coordinator, pubsub, cfg.TickInterval, cfg.StallTimeout, logger)
}

func ProvideWorkers(cfg config.Config, coordinator *tick.Coordinator, registry *intents.Registry, pubsub bus.PubSub, logger log.Log) []*processor.Worker {
	workers := make([]*processor.Worker, cfg.Processors)
	for i := range workers {
		workers[i] = processor.NewWorker(coordinator, registry, pubsub, cfg.RoomConcurrency, logger)
	}
	return workers
}

func ProvideRunner(cfg config.Config, coordinator *tick.Coordinator, sandbox runner.Sandbox, pubsub bus.PubSub, logger log.Log) *runner.Runner {
	return runner.New(coordinator, sandbox, pubsub, cfg.RunnerConcurrency, cfg.MinTickInterval, logger)
}

// ProvideServer builds the server. Stores are released by the injector cleanup,
// not by Server.Close.
func ProvideServer(
	cfg config.Config,
	coordinator *tick.Coordinator,
	clock *tick.Clock,
	workers []*processor.Worker,
	r *runner.Runner,
	pubsub bus.PubSub,
	logger log.Log,
) *server.Server {
	return server.NewServer(cfg, coordinator, clock, workers, r, pubsub, logger)
}
