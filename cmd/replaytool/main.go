// Command replaytool truncates the trade blotter and rebuilds it by
// replaying the durable event record from sequence 0. A rebuild is safe to
// run at any time: the blotter is a projection, and applying the same log
// twice converges on identical rows.
//
//	replaytool -dsn postgres://... [-batch 500]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/orion-trading/tec/internal/app/projection"
	"github.com/orion-trading/tec/internal/app/storage/postgres"
	"github.com/orion-trading/tec/internal/platform/database"
	"github.com/orion-trading/tec/pkg/logger"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (falls back to DATABASE_URL)")
	batch := flag.Int("batch", 500, "events fetched per page while walking the log")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall rebuild deadline")
	flag.Parse()

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsnVal == "" {
		fmt.Fprintln(os.Stderr, "replaytool: a PostgreSQL DSN is required (-dsn or DATABASE_URL)")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.Open(ctx, dsnVal)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	store := postgres.New(db)
	blotter := projection.NewBlotter(store, logger.NewDefault("replaytool"))

	started := time.Now()
	applied, err := blotter.Rebuild(ctx, store, *batch)
	if err != nil {
		log.Fatalf("rebuild blotter: %v (applied %d events before failing)", err, applied)
	}
	fmt.Printf("blotter rebuilt: %d trade events applied in %s\n", applied, time.Since(started).Round(time.Millisecond))
}
