package main

import (
	"flag"
	"log"

	"presence/internal/config"
	"presence/internal/store"
)

// Applies the embedded schema: `migrate up` or `migrate down`.
func main() {
	flag.Parse()
	direction := flag.Arg(0)
	if direction == "" {
		direction = "up"
	}

	cfg := config.Load()
	if err := store.Migrate(cfg.DatabaseURL, direction); err != nil {
		log.Fatalf("migrate %s failed: %v", direction, err)
	}
	log.Printf("migrate %s done", direction)
}
