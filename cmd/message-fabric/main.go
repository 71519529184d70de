// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/bus"
	"github.com/flyingrobots/go-message-fabric/internal/config"
	"github.com/flyingrobots/go-message-fabric/internal/container"
	"github.com/flyingrobots/go-message-fabric/internal/fabric"
	"github.com/flyingrobots/go-message-fabric/internal/obs"
	"github.com/flyingrobots/go-message-fabric/internal/scheduler"
	"github.com/flyingrobots/go-message-fabric/internal/task"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	var dumpConfig bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "fabric", "Role to run: fabric|demo")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&dumpConfig, "dump-config", false, "Print effective config and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if dumpConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render config: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	sys, err := fabric.New(cfg, logger)
	if err != nil {
		logger.Fatal("fabric init failed", obs.Err(err))
	}

	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, sys.Ready)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	if err := sys.Start(); err != nil {
		logger.Fatal("fabric start failed", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
		}
	}()

	switch role {
	case "fabric":
		<-ctx.Done()
	case "demo":
		runDemo(ctx, sys, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Bus.GracePeriod+time.Second)
	defer stopCancel()
	if err := sys.Stop(stopCtx); err != nil {
		logger.Error("fabric stop failed", obs.Err(err))
	}
}

// runDemo registers a sample handler, wires a subscriber, schedules a
// periodic task and prints the bus statistics until interrupted.
func runDemo(ctx context.Context, sys *fabric.System, logger *zap.Logger) {
	err := sys.Tasks.RegisterHandler("echo", func(t *task.Task, tctx *task.Context) (*container.ValueContainer, error) {
		tctx.ReportProgress(0.5, "echoing")
		reply, err := t.Payload.Copy(true)
		if err != nil {
			return nil, err
		}
		reply.SwapHeader()
		tctx.ReportProgress(1.0, "done")
		return reply, nil
	})
	if err != nil {
		logger.Fatal("register handler failed", obs.Err(err))
	}

	subID, err := sys.Bus.Subscribe("demo/**", func(m *bus.Message) error {
		logger.Info("demo message received",
			obs.String("id", m.ID),
			obs.String("topic", m.Topic),
			obs.String("priority", m.Priority.String()))
		return nil
	}, bus.Worker)
	if err != nil {
		logger.Fatal("subscribe failed", obs.Err(err))
	}
	defer sys.Bus.Unsubscribe(subID)

	scheduleID, err := sys.Tasks.Scheduler().Add(scheduler.Spec{
		Name:     "demo-tick",
		Mode:     scheduler.Interval,
		Interval: 2 * time.Second,
		Fire: func(at time.Time) {
			payload := container.NewWithValues("demo", "", "fabric", "", "tick",
				container.NewString("at", at.UTC().Format(time.RFC3339Nano)))
			t := task.NewTask("echo", payload)
			if _, err := sys.Tasks.Submit(t); err != nil {
				logger.Warn("demo task rejected", obs.Err(err))
				return
			}
			msg := bus.NewMessage(bus.Event, "demo/tick", payload).WithPriority(bus.Normal)
			if _, err := sys.Bus.Publish(msg); err != nil {
				logger.Warn("demo publish rejected", obs.Err(err))
			}
		},
	})
	if err != nil {
		logger.Fatal("schedule failed", obs.Err(err))
	}
	defer func() { _ = sys.Tasks.Scheduler().Remove(scheduleID) }()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, _ := json.Marshal(sys.Bus.Stats())
			fmt.Println(string(b))
		}
	}
}
