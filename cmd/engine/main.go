// Command engine is the upload-orchestration process entrypoint: load
// config, construct every service, run workers until a shutdown signal,
// drain. CLI flag handling follows the teacher's declared-but-unused
// alecthomas/kong dependency; the rest of the bring-up order follows the
// teacher's cmd/test_runner/main.go service-construction sequence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/metacogma/upload-engine/config"
	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/videospec"
	"github.com/metacogma/upload-engine/services/browserfarm"
	"github.com/metacogma/upload-engine/services/browserpool"
	"github.com/metacogma/upload-engine/services/engine"
	"github.com/metacogma/upload-engine/services/eventbus"
	"github.com/metacogma/upload-engine/services/selector"
	"github.com/metacogma/upload-engine/services/statestore"
	"github.com/metacogma/upload-engine/services/statestore/memstore"
	"github.com/metacogma/upload-engine/services/statestore/mongostate"
	"github.com/metacogma/upload-engine/services/worker"
)

// CLI is the flag set kong parses. Config layering itself (env/yaml) stays
// in config.Load; these flags are the small set an operator needs at
// process start before that layering has even run.
var CLI struct {
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info"`
	InMemory    bool   `help:"Use the in-memory StateStore/EventBus instead of Mongo/Kafka, for local smoke runs." default:"false"`
	KafkaBroker string `help:"Kafka broker address; when empty the in-process event bus is used." default:""`
	KafkaTopic  string `help:"Kafka topic for lifecycle events." default:"upload-engine.events"`
	BrowserFarm string `help:"Browser farm backend: docker or playwright." default:"playwright" enum:"docker,playwright"`
	Strategy    string `help:"Selector strategy: health_score, least_used, round_robin." default:"health_score" enum:"health_score,least_used,round_robin"`
}

func main() {
	kong.Parse(&CLI)
	logger.InitLoggerWithEnv(CLI.LogLevel, "production")

	appCfg, err := config.Load(os.Getenv)
	if err != nil {
		logger.Error("engine: config load failed", err)
		os.Exit(1)
	}

	engineCfg, err := config.NewEngineConfig()
	if err != nil {
		logger.Error("engine: engine config invalid", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, appCfg, engineCfg.WorkerConcurrency)
	if err != nil {
		logger.Error("engine: statestore init failed", err)
		os.Exit(1)
	}

	bus := buildBus()
	farm, err := buildFarm()
	if err != nil {
		logger.Error("engine: browser farm init failed", err)
		os.Exit(1)
	}

	e, err := engine.New(engineCfg, engine.Dependencies{
		Store:  store,
		Bus:    bus,
		Farm:   farm,
		Driver: unconfiguredDriver{},
	}, strategyFor(CLI.Strategy))
	if err != nil {
		logger.Error("engine: construction failed", err)
		os.Exit(1)
	}

	logger.Info("engine: starting")
	go e.Run(ctx)

	<-ctx.Done()
	logger.Info("engine: shutdown signal received")

	drainCtx, cancel := context.WithTimeout(context.Background(), engineCfg.DrainTimeout+5*time.Second)
	defer cancel()
	e.Shutdown(drainCtx)

	logger.Info("engine: exited cleanly", nil)
	os.Exit(0)
}

func buildStore(ctx context.Context, cfg *config.ApxAgentConfig, workerConcurrency int) (statestore.Store, error) {
	if CLI.InMemory {
		return memstore.New(), nil
	}
	return mongostate.New(ctx, cfg.DB.URI, cfg.DB.Database, workerConcurrency)
}

func buildBus() eventbus.Bus {
	if CLI.KafkaBroker == "" {
		return eventbus.NewInMemoryBus()
	}
	return eventbus.NewKafkaBus([]string{CLI.KafkaBroker}, CLI.KafkaTopic)
}

func buildFarm() (browserfarm.Farm, error) {
	if CLI.BrowserFarm == "docker" {
		return browserfarm.NewDockerFarm()
	}
	return browserfarm.NewPlaywrightFarm()
}

func strategyFor(name string) selector.Strategy {
	switch name {
	case "least_used":
		return selector.LeastUsedStrategy{}
	case "round_robin":
		return selector.RoundRobinStrategy{}
	default:
		return selector.HealthScoreStrategy{}
	}
}

// unconfiguredDriver is the default UploadDriver (spec.md §6: consumed, not
// implemented by the engine) wired when the operator hasn't supplied their
// own automation. It fails every job with an error that matches no retry
// category, so each job is dead-lettered on its first attempt rather than
// silently pretending to succeed, and a misconfigured deployment is loud
// about it.
type unconfiguredDriver struct{}

func (unconfiguredDriver) Run(ctx context.Context, br *browserpool.Handle, acct *account.Account, spec videospec.VideoSpec, progress worker.ProgressSink) (string, error) {
	_ = br
	_ = acct
	_ = spec
	_ = progress
	return "", errUnconfiguredDriver
}

var errUnconfiguredDriver = &driverError{"no UploadDriver configured for this engine instance"}

type driverError struct{ msg string }

func (e *driverError) Error() string { return e.msg }
