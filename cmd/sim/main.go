package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polycore/polycore/internal/core/cluster"
	"github.com/polycore/polycore/internal/core/config"
	"github.com/polycore/polycore/internal/core/events/bus"
	"github.com/polycore/polycore/internal/core/observability/log"
	"github.com/polycore/polycore/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration (defaults apply when empty)")
	workload := flag.Int("workload", 24, "number of processes to seed")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := log.New(level)
	defer logger.Sync()

	eventBus := bus.New()
	coord := cluster.New(cfg, logger, eventBus)
	if err = coord.Start(); err != nil {
		logger.Fatal("starting cluster", log.Err(err))
	}

	var monitor *server.Monitor
	if cfg.Monitor.Enabled {
		monitor = server.NewMonitor(coord, eventBus, logger)
		if err = monitor.Start(cfg.Monitor.Addr); err != nil {
			logger.Fatal("starting monitor", log.Err(err))
		}
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go drive(coord, logger, *workload, done)

	<-stopCh
	close(done)
	if monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = monitor.Stop(ctx)
		cancel()
	}
	if err = coord.Shutdown(); err != nil {
		logger.Error("shutdown", log.Err(err))
		os.Exit(1)
	}

	stats := coord.SystemStatistics()
	logger.Info("final statistics",
		log.Uint64("sent", stats.TotalSent),
		log.Uint64("received", stats.TotalReceived),
		log.Uint64("executed", stats.TotalExecuted),
		log.Uint64("dropped", stats.TotalDropped),
		log.Float64("delivery_rate_pct", stats.DeliveryRatePct),
		log.Float64("comm_overhead_pct", stats.CommOverheadPct))
}

// drive seeds the cluster with work and exercises it periodically until done
// closes.
func drive(coord *cluster.Coordinator, logger *log.Logger, workload int, done <-chan struct{}) {
	for i := 0; i < workload; i++ {
		priority := 1 + i%10
		if _, err := coord.Create(priority); err != nil {
			logger.Warn("seeding workload", log.Err(err))
			return
		}
	}
	if err := coord.StartElection(0); err != nil {
		logger.Warn("election", log.Err(err))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for coord.Running() {
		select {
		case <-ticker.C:
		case <-done:
			return
		}
		if err := coord.Heartbeat(); err != nil {
			return
		}
		report := coord.BalanceLoad()
		if len(report.Overloaded) > 0 {
			logger.Info("load imbalance",
				log.Int("overloaded", len(report.Overloaded)),
				log.Int("migrations", len(report.Migrations)))
		}
	}
}
