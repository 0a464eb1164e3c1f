package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/distributedstatemachine/folding/miner"
	"github.com/distributedstatemachine/folding/simrpc"
)

func main() {
	id := getEnv("MINER_ID", "miner-"+uuid.NewString()[:8])
	port := getEnv("PORT", "9101")
	engine := getEnv("ENGINE_ADDR", "localhost:9010")

	runner := miner.NewRunner(miner.RunnerConfig{
		WorkerID:   id,
		ChunkSteps: getEnvInt("CHUNK_STEPS", 1000),
		MaxJobs:    int(getEnvInt("MAX_JOBS", 8)),
		Retention:  time.Hour,
	}, simrpc.NewClient(engine))

	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatalf("[%s] Failed to listen: %v", id, err)
	}

	grpcServer := grpc.NewServer()
	miner.Register(grpcServer, runner)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for now := range ticker.C {
			if n := runner.Prune(now); n > 0 {
				log.Printf("[%s] pruned %d finished runs", id, n)
			}
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Printf("[%s] Shutting down gracefully...", id)
		grpcServer.GracefulStop()
		runner.Stop()
	}()

	log.Printf("[%s] gRPC server listening on :%s (engine %s)", id, port, engine)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("[%s] Failed to serve: %v", id, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}
