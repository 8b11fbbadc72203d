package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/api"
	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/redisconn"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/storage"
)

func main() {
	configPath := flag.String("config", consts.DEFAULT_CONFIG_PATH, "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	container := core.NewContainer()
	m := metrics.New()
	must := func(err error) {
		if err != nil {
			log.Fatalf("wiring: %v", err)
		}
	}

	must(container.Register(consts.COMPONENT_LOGGING, logging.NewComponent(cfg.Logging)))
	if cfg.Metrics.Enabled {
		must(container.Register(consts.COMPONENT_METRICS, metrics.NewComponent(cfg.Metrics, m)))
	}

	// With redis disabled the bus runs local-only; with mysql disabled the
	// stores are in-memory. Both are supported dev modes.
	busOpts := []bus.Option{bus.WithMetrics(m)}
	var redisComp *redisconn.Component
	if cfg.Redis.Enabled {
		redisComp = redisconn.NewComponent(cfg.Redis)
		must(container.Register(consts.COMPONENT_REDIS, redisComp))
		prefix := cfg.Bus.ChannelPrefix
		busOpts = append(busOpts, bus.WithTransportFactory(func() bus.Transport {
			return bus.NewRedisTransport(redisComp.Client(), prefix)
		}))
	}
	eventBus := bus.New(busOpts...)
	if redisComp != nil {
		eventBus.AddDependencies(consts.COMPONENT_REDIS)
	}
	must(container.Register(consts.COMPONENT_BUS, eventBus))

	var jobStore storage.JobStore
	var taskStore storage.TaskStore
	if cfg.MySQL.Enabled {
		gc := storage.NewGormComponent(cfg.MySQL)
		must(container.Register(consts.COMPONENT_GORM, gc))
		jobStore = storage.NewGormJobStore(gc)
		taskStore = storage.NewGormTaskStore(gc)
	} else {
		jobStore = storage.NewMemoryJobStore()
		taskStore = storage.NewMemoryTaskStore()
	}

	engine := jobs.NewEngine(cfg.Jobs, jobStore, eventBus, m)
	sched := scheduler.NewEngine(cfg.Scheduler, taskStore, engine, eventBus, m)
	if cfg.MySQL.Enabled {
		engine.AddDependencies(consts.COMPONENT_GORM)
		sched.AddDependencies(consts.COMPONENT_GORM)
	}
	must(container.Register(consts.COMPONENT_JOB_ENGINE, engine))
	must(container.Register(consts.COMPONENT_SCHEDULER, sched))

	orch := runtime.NewOrchestrator(cfg.Runtime, eventBus, m)
	must(container.Register(consts.COMPONENT_ORCHESTRATOR, orch))

	hub := api.NewHub(eventBus)
	must(container.Register(consts.COMPONENT_WS_HUB, hub))

	if cfg.HTTPServer.Enabled {
		health := func() map[string]error {
			out := make(map[string]error)
			for name, comp := range container.ListRegistered() {
				out[name] = comp.HealthCheck()
			}
			return out
		}
		must(container.Register(consts.COMPONENT_HTTP_SERVER,
			api.NewServer(cfg.HTTPServer, orch, engine, hub, health)))
	}

	if _, err := container.ValidateDependencies(); err != nil {
		log.Fatalf("dependency graph: %v", err)
	}

	lm := core.NewLifecycleManager(container)
	ctx := context.Background()
	if err := lm.StartAll(ctx); err != nil {
		log.Fatalf("startup: %v", err)
	}

	stopCleanup := startCleanupLoop(ctx, engine, cfg.Jobs.RetentionCount)

	logging.Info(ctx, "loomd up",
		zap.String("env", cfg.AppInfo.Env),
		zap.String("http", cfg.HTTPServer.Address()))

	lm.WaitForShutdown(ctx)
	close(stopCleanup)
}

// startCleanupLoop bounds storage growth by evicting the oldest terminal job
// records beyond the retention count.
func startCleanupLoop(ctx context.Context, engine *jobs.Engine, retention int) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := engine.Cleanup(ctx, retention); err != nil {
					logging.Warn(ctx, "job cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	return stop
}
