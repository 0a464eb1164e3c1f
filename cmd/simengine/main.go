package main

import (
	"log"
	"os"
	"time"

	"github.com/distributedstatemachine/folding/simrpc"
)

func main() {
	addr := ":9010"
	if v := os.Getenv("ENGINE_ADDR"); v != "" {
		addr = v
	}

	engine := simrpc.NewRelaxation()
	if v := os.Getenv("STEP_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid STEP_DELAY %q: %v", v, err)
		}
		engine.StepDelay = d
	}

	s := simrpc.NewServer()
	s.Handle(simrpc.MethodSimulate, simrpc.SimulateHandler(engine))
	if err := s.Listen(addr); err != nil {
		log.Fatal(err)
	}
	log.Fatal(s.Serve())
}
