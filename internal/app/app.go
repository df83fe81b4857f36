package app

import (
	"agentq/internal/config"
	"agentq/internal/domain"
	"agentq/internal/infra/amqpq"
	"agentq/internal/infra/memq"
	"agentq/internal/infra/redisq"
	"agentq/internal/ports"
	"agentq/internal/registry"
	"agentq/internal/usecase"
	"agentq/internal/worker"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// App holds the wired task orchestrator: registry, queue, pool and executor.
type App struct {
	Cfg      *config.Config
	Registry *registry.Memory
	Queue    ports.Queue
	Executor *worker.Executor
	Enqueuer usecase.Enqueuer
	Consumer usecase.Consumer

	reclaimer *redisq.Reclaimer
	wg        sync.WaitGroup
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(cfg config.App) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	zerolog.DefaultContextLogger = &log.Logger
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	instance := InstanceID(cfg.Pool)
	q, reclaimer, err := newQueue(ctx, cfg, instance)
	if err != nil {
		return nil, err
	}

	reg := registry.NewMemory()
	ex := worker.NewExecutor(reg, worker.NewCommandBuilder(CommandConfig(cfg.Worker)), worker.Config{
		DefaultTimeout: cfg.Worker.Timeout,
		MergeStderr:    cfg.Worker.MergeStderr,
		Simulate:       cfg.Worker.Simulate,
		SimulationStep: cfg.Worker.SimulationStep,
	})

	return &App{
		Cfg:      cfg,
		Registry: reg,
		Queue:    q,
		Executor: ex,
		Enqueuer: usecase.Enqueuer{Q: q, Registry: reg, Wait: cfg.Pool.EnqueueWait},
		Consumer: usecase.Consumer{
			Q:            q,
			ConsumerName: instance,
			Concurrency:  cfg.Pool.Concurrency,
			Block:        cfg.Pool.ClaimBlock,
			BaseBackoff:  cfg.Pool.BaseBackoff,
			MaxBackoff:   cfg.Pool.MaxBackoff,
		},
		reclaimer: reclaimer,
	}, nil
}

// InstanceID names this process on a broker: QUEUE_INSTANCE, or hostname-pid.
func InstanceID(cfg config.Pool) string {
	if cfg.Instance != "" {
		return cfg.Instance
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "agentq"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// ScopeQueues suffixes the broker stream and queue names with instance. Tasks
// live in the registry of the process that created them, so that process
// must be the only one claiming their jobs.
func ScopeQueues(cfg *config.Config, instance string) (config.Redis, config.RabbitMQ) {
	r, mq := cfg.Redis, cfg.RabbitMQ
	r.StreamKey = r.StreamKey + ":" + instance
	mq.Queue = mq.Queue + "." + instance
	return r, mq
}

func newQueue(ctx context.Context, cfg *config.Config, instance string) (ports.Queue, *redisq.Reclaimer, error) {
	redisCfg, rabbitCfg := ScopeQueues(cfg, instance)

	switch cfg.Pool.Driver {
	case "", "memory":
		return memq.New(cfg.Pool.QueueSize), nil, nil
	case "redis":
		cli := redisq.New(redisCfg)
		if err := cli.Init(ctx); err != nil {
			_ = cli.Close()
			return nil, nil, err
		}
		var r *redisq.Reclaimer
		if cfg.Redis.ReclaimInterval > 0 {
			r = redisq.NewReclaimer(cli, cfg.Redis.ReclaimInterval, cfg.Redis.ReclaimIdle)
		}
		return cli, r, nil
	case "rabbitmq":
		q, err := amqpq.New(rabbitCfg)
		if err != nil {
			return nil, nil, err
		}
		return q, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Pool.Driver)
	}
}

// CommandConfig maps the worker settings onto the command builder. The
// Algod connection is always injected; WORKER_INJECT_ENV entries override it.
func CommandConfig(cfg config.Worker) worker.CommandConfig {
	injected := map[string]string{
		"ALGOD_SERVER": cfg.AlgodServer,
		"ALGOD_TOKEN":  cfg.AlgodToken,
	}
	for k, v := range cfg.ExtraInjected {
		injected[k] = v
	}
	return worker.CommandConfig{
		Runtime:       cfg.Runtime,
		Image:         cfg.Image,
		Network:       cfg.Network,
		Program:       cfg.Program,
		ForwardPrefix: cfg.ForwardPrefix,
		ForwardNames:  cfg.ForwardNames,
		Injected:      injected,
	}
}

// Start runs the worker pool in the background until ctx is done. Running
// workers are killed through the same context.
func (a *App) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.Consumer.Run(ctx, a.Executor.Execute)
	}()

	if a.reclaimer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.reclaimer.Run(ctx)
		}()
	}
}

// Cancel stops a running task. It reports whether the task was running.
func (a *App) Cancel(id string) bool {
	return a.Executor.Cancel(id)
}

// Delete removes a task, cancelling its worker first when CANCEL_ON_DELETE
// is set.
func (a *App) Delete(id string) bool {
	if a.Cfg.Pool.CancelOnDelete {
		a.Executor.Cancel(id)
	}
	return a.Registry.Delete(id)
}

// Wait blocks until the goroutines started by Start have returned.
func (a *App) Wait() {
	a.wg.Wait()
}

func (a *App) Close() error {
	return a.Queue.Close()
}

// Submit is a shortcut for the enqueuer.
func (a *App) Submit(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return a.Enqueuer.Submit(ctx, prompt, timeout)
}

// Tasks returns snapshots of every task, oldest first.
func (a *App) Tasks() []domain.Task {
	return a.Registry.List()
}

// Task returns a snapshot of a task.
func (a *App) Task(id string) (domain.Task, bool) {
	return a.Registry.Get(id)
}
