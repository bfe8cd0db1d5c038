package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/config"
	"github.com/readystackgo/readystackgo/internal/dockerutil"
	"github.com/readystackgo/readystackgo/internal/engine"
	"github.com/readystackgo/readystackgo/internal/health"
	"github.com/readystackgo/readystackgo/internal/progressbus"
	"github.com/readystackgo/readystackgo/internal/recovery"
	"github.com/readystackgo/readystackgo/internal/snapshot"
	"github.com/readystackgo/readystackgo/internal/store"
)

// environmentRecord is the subset of an Environment's persisted fields this
// wiring needs to stand up a Health Monitor against it (§3 glossary). The
// full Environment CRUD surface lives in the HTTP/API layer, out of scope
// for this module; the core only ever reads what's already in the store.
type environmentRecord struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SocketOrEndpoint string `json:"socketOrEndpoint"`
	CACertPEM        string `json:"caCertPem"`
	CertPEM          string `json:"certPem"`
	KeyPEM           string `json:"keyPem"`
}

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"store":       cfg.StorePath,
		"health_secs": cfg.HealthInterval.Seconds(),
		"log_level":   level.String(),
	}).Info("readystackgod starting")

	metadata, err := store.OpenSQLStore(cfg.StorePath)
	if err != nil {
		log.WithError(err).Fatal("opening metadata store")
	}
	defer metadata.Close()

	bus := progressbus.New(cfg.ProgressRetention, cfg.ProgressQueueDepth, cfg.LogQueueDepth)
	snapshots := snapshot.New(metadata)
	eng := engine.New(metadata, snapshots, bus, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitors, err := buildHealthMonitors(ctx, metadata, eng, bus, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("constructing health monitors")
	}

	if err := recovery.Sweep(ctx, metadata, eng, monitors, log); err != nil {
		log.WithError(err).Error("recovery sweep failed")
	}

	var wg sync.WaitGroup
	for envID, monitor := range monitors {
		wg.Add(1)
		go func(envID string, m *health.Monitor) {
			defer wg.Done()
			log.WithField("environment", envID).Info("health monitor starting")
			m.Run(ctx)
			log.WithField("environment", envID).Info("health monitor stopped")
		}(envID, monitor)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("received signal, shutting down")
		cancel()
	}()

	wg.Wait()
	log.Info("readystackgod stopped")
}

// buildHealthMonitors loads every persisted Environment and stands up one
// Health Monitor per Docker daemon the core manages, keyed by environment
// id so the Recovery Supervisor can reconcile the right one after a sweep.
func buildHealthMonitors(ctx context.Context, metadata store.MetadataStore, eng *engine.Engine, bus *progressbus.Bus, cfg *config.Config, log *logrus.Logger) (map[string]*health.Monitor, error) {
	records, err := metadata.List(ctx, store.NamespaceEnvironments)
	if err != nil {
		return nil, err
	}

	healthCfg := health.Config{
		Interval:     cfg.HealthInterval,
		JitterPct:    cfg.HealthJitterPct,
		HistorySize:  cfg.HealthHistorySize,
		CycleTimeout: cfg.HealthCycleTimeout,
	}

	monitors := make(map[string]*health.Monitor, len(records))
	for _, rec := range records {
		var env environmentRecord
		if err := json.Unmarshal(rec.Payload, &env); err != nil {
			log.WithError(err).WithField("environment", rec.ID).Warn("skipping unreadable environment record")
			continue
		}
		if env.ID == "" {
			env.ID = rec.ID
		}

		cli, err := dockerutil.NewClient(dockerutil.Endpoint{
			Host:      env.SocketOrEndpoint,
			CACertPEM: env.CACertPEM,
			CertPEM:   env.CertPEM,
			KeyPEM:    env.KeyPEM,
		})
		if err != nil {
			log.WithError(err).WithField("environment", env.ID).Error("failed to build docker client, skipping health monitor")
			continue
		}

		monitors[env.ID] = health.New(env.ID, cli, eng, bus, log, healthCfg)
	}
	return monitors, nil
}
