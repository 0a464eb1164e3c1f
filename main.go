package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/distributedstatemachine/folding/cluster"
	"github.com/distributedstatemachine/folding/config"
	"github.com/distributedstatemachine/folding/metrics"
	"github.com/distributedstatemachine/folding/miner"
	"github.com/distributedstatemachine/folding/poller"
	"github.com/distributedstatemachine/folding/queue"
	"github.com/distributedstatemachine/folding/sampler"
	"github.com/distributedstatemachine/folding/scoring"
	"github.com/distributedstatemachine/folding/sink"
	"github.com/distributedstatemachine/folding/store"
	"github.com/distributedstatemachine/folding/tracker"
	"github.com/distributedstatemachine/folding/validator"
	"github.com/distributedstatemachine/folding/wal"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("[validator] %v", err)
	}
}

// run wires every component and blocks until SIGINT or SIGTERM. Every
// resource opened here is released by a defer, error or not.
func run() error {
	cfg, err := config.Load(getEnv("FOLD_CONFIG", "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry := cluster.NewRegistry(cfg.StaleThreshold)
	for _, m := range cfg.Miners {
		registry.Add(cluster.MinerInfo{ID: m.ID, Addr: m.Addr})
	}

	tr := tracker.New(tracker.Config{
		MaxTaskRuntime:         cfg.MaxTaskRuntime,
		GroupDeadline:          cfg.GroupDeadline(),
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}, scoring.New(cfg.ScoreTemperature, cfg.TieTolerance))

	sinks := sink.Multi{sink.Log{}}

	if cfg.WALDir != "" {
		journal, err := wal.Open(cfg.WALDir)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer journal.Close()

		scored, err := sink.ScoredJobIDs(journal)
		if err != nil {
			return fmt.Errorf("replaying journal: %w", err)
		}
		tr.Retire(scored...)
		log.Printf("[validator] retired %d job ids from %s", len(scored), cfg.WALDir)
		sinks = append(sinks, sink.Journal{WAL: journal})
	}

	template := store.Template{
		Params:               cfg.Simulation,
		MaxSteps:             cfg.MaxSteps,
		ConvergenceThreshold: cfg.ConvergenceThreshold,
	}
	if cfg.PDBDir != "" {
		template.Classifier = store.DirClassifier{Dir: cfg.PDBDir}
		log.Printf("[validator] issuing only complete structures from %s", cfg.PDBDir)
	}

	var source store.Source
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		source = store.NewRedis(rdb, cfg.BacklogKey, template)
		sinks = append(sinks, sink.NewRedis(rdb, cfg.EMAAlpha, 7*24*time.Hour))
		log.Printf("[validator] backlog and rewards in redis at %s", cfg.RedisAddr)
	} else {
		mem := store.NewMemory(template, true)
		n, err := mem.LoadFile(cfg.PDBFile)
		if err != nil {
			return fmt.Errorf("loading backlog: %w", err)
		}
		source = mem
		log.Printf("[validator] loaded %d proteins from %s", n, cfg.PDBFile)
	}

	client := miner.NewClient(registry.GetAddress, cfg.QueryTimeout)
	defer client.Close()

	p := poller.New(poller.Config{
		Concurrency:  cfg.PollConcurrency,
		QueryTimeout: cfg.QueryTimeout,
		QueryRate:    cfg.QueryRate,
		ReviveEvery:  cfg.ReviveEvery,
	}, tr, client, registry, sinks)
	q := queue.New(queue.Config{
		QueueSize:           cfg.QueueSize,
		SampleSize:          cfg.SampleSize,
		DispatchConcurrency: cfg.PollConcurrency,
	}, source, sampler.New(registry), tr, client)
	v := validator.New(p, q, tr, registry, cfg.UpdateInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		for _, c := range metrics.Collectors() {
			reg.MustRegister(c)
		}
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: validator.Handler(v, reg)}
		go func() {
			log.Printf("[validator] status server listening on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[validator] status server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Printf("[validator] Shutting down gracefully...")
		cancel()
	}()

	log.Printf("[validator] queue_size=%d sample_size=%d update_interval=%s miners=%d",
		cfg.QueueSize, cfg.SampleSize, cfg.UpdateInterval, len(cfg.Miners))
	v.Run(ctx)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
