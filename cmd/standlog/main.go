package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blastworks/standlog/internal/comlog"
	"github.com/blastworks/standlog/internal/config"
	"github.com/blastworks/standlog/internal/events"
	"github.com/blastworks/standlog/internal/health"
	"github.com/blastworks/standlog/internal/logstream"
	"github.com/blastworks/standlog/internal/perf"
	"github.com/blastworks/standlog/internal/recovery"
	"github.com/blastworks/standlog/internal/watchdog"
)

// defaultWatchdogs is the built-in watchdog table. system_health uses the
// configured timeout; the acquisition loops have tighter fixed deadlines.
func defaultWatchdogs(cfg config.Config) map[string]time.Duration {
	return map[string]time.Duration{
		"data_acquisition": 10 * time.Second,
		"serial_link":      15 * time.Second,
		"system_health":    cfg.WatchdogTimeout,
	}
}

func main() {
	settings := flag.String("settings", "", "Optional YAML settings file")
	logDir := flag.String("logs", "", "Log directory (overrides settings and STANDLOG_DIR)")
	flag.Parse()

	cfg, err := config.Load(*settings)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}

	log.Println("standlog telemetry subsystem starting...")

	// 1. Run directory and log router
	run, err := logstream.NewRun(cfg.LogDir)
	if err != nil {
		log.Fatalf("Failed to create run directory: %v", err)
	}
	router, err := logstream.NewRouter(run,
		logstream.WithQueueSize(cfg.QueueSize),
		logstream.WithMaxFileSize(int64(cfg.MaxFileSizeMB)*1024*1024),
		logstream.WithMaxBackups(cfg.MaxBackups),
	)
	if err != nil {
		log.Fatalf("Failed to start log router: %v", err)
	}
	log.Printf("Run %s (session %s) logging to %s", run.ID, run.SessionID, run.Dir)

	// 2. Event recorder
	recorder := events.NewRecorder(router)

	// 3. Performance monitor
	monitor, err := perf.New(router, perf.Options{
		SampleInterval:  cfg.SampleInterval,
		LogInterval:     cfg.LogInterval,
		SlowOpThreshold: cfg.SlowThreshold,
		MemoryCeilingMB: cfg.MemoryCeilingMB,
	})
	if err != nil {
		log.Fatalf("Failed to create performance monitor: %v", err)
	}
	monitor.Start()

	// 4. Freeze detector with the default watchdog table
	detector, err := watchdog.New(router, recorder, run.Dir, watchdog.Options{
		PollInterval: cfg.WatchdogPoll,
	})
	if err != nil {
		log.Fatalf("Failed to create freeze detector: %v", err)
	}
	for component, timeout := range defaultWatchdogs(cfg) {
		if err := detector.Register(component, timeout, nil); err != nil {
			log.Fatalf("Failed to register watchdog %s: %v", component, err)
		}
	}
	detector.Start()

	// 5. Recovery engine, circuit policy from configuration
	actions := recovery.DefaultActions()
	for cat, action := range actions {
		action.FailureThreshold = cfg.FailureThreshold
		action.Cooldown = cfg.CircuitCooldown
		actions[cat] = action
	}
	engine, err := recovery.New(router, recorder, actions)
	if err != nil {
		log.Fatalf("Failed to create recovery engine: %v", err)
	}

	// 6. Communication logger and supervisory health view
	comm := comlog.New(router, cfg.CommBufferSize)
	aggregator := health.New(router, monitor, detector, engine, comm)

	if err := recorder.Record(events.KindStartup, map[string]any{
		"run_id":     run.ID,
		"session_id": run.SessionID,
	}, events.SeverityInfo); err != nil {
		log.Printf("Startup event not recorded: %v", err)
	}
	log.Println("All components running.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal: %v. Shutting down...", sig)

	// Shut down in reverse construction order. The final health snapshot and
	// the shutdown event go through the router before it drains.
	snapshot := aggregator.Snapshot()
	if data, err := json.MarshalIndent(snapshot, "", "  "); err == nil {
		path := filepath.Join(run.Dir, "final_health.json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.Printf("Final health snapshot not written: %v", err)
		}
	}
	if err := recorder.Record(events.KindShutdown, map[string]any{
		"healthy": snapshot.Healthy,
	}, events.SeverityInfo); err != nil {
		log.Printf("Shutdown event not recorded: %v", err)
	}

	detector.Stop()
	monitor.Stop()
	if err := router.Shutdown(); err != nil {
		log.Printf("Log router shutdown error: %v", err)
	}
	log.Println("standlog exited gracefully.")
}
