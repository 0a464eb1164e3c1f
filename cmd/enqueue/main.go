package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/distributedstatemachine/folding/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: enqueue <pdb_id>[:priority] ...\n")
		os.Exit(1)
	}

	addr := "localhost:6379"
	if v := os.Getenv("FOLD_REDIS_ADDR"); v != "" {
		addr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	backlog := store.NewRedis(rdb, os.Getenv("FOLD_BACKLOG_KEY"), store.Template{})

	failed := 0
	for _, arg := range os.Args[1:] {
		id, priority, err := parseArg(arg)
		if err == nil {
			err = backlog.Enqueue(ctx, id, priority)
		}
		if err != nil {
			log.Printf("enqueue %s: %v", arg, err)
			failed++
			continue
		}
		fmt.Printf("queued %s (priority %d)\n", id, priority)
	}

	if n, err := backlog.Len(ctx); err == nil {
		fmt.Printf("backlog size: %d\n", n)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// parseArg splits "1ubq:5" into id and priority; priority defaults to 0.
func parseArg(arg string) (string, int, error) {
	for i := len(arg) - 1; i >= 0; i-- {
		if arg[i] == ':' {
			p, err := strconv.Atoi(arg[i+1:])
			if err != nil {
				return "", 0, fmt.Errorf("bad priority in %q: %w", arg, err)
			}
			return arg[:i], p, nil
		}
	}
	return arg, 0, nil
}
