// migrate applies or rolls back the embedded schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"license-control-plane/backend/internal/config"
	"license-control-plane/backend/internal/db/migrate"
)

func main() {
	down := flag.Bool("down", false, "Roll back all migrations instead of applying them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	step := migrate.Up
	if *down {
		step = migrate.Down
	}
	if err := step(cfg.DatabaseURL); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
