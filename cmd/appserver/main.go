// Command appserver runs the Trading Event Core as a single process: HTTP
// command surface, WebSocket streams, outbox relay, consumer groups, RFQ
// expiry scanner, market-data ingest, and the settlement retry loop.
//
// With no DSN configured the process runs entirely in memory (storage and
// broker), which is the single-node development mode; a PostgreSQL DSN and
// KAFKA_BROKERS switch on the durable backends independently.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	app "github.com/orion-trading/tec/internal/app"
	"github.com/orion-trading/tec/internal/config"
	"github.com/orion-trading/tec/internal/platform/database"
	"github.com/orion-trading/tec/internal/platform/migrations"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.Database.DSN = trimmed
	}
	if err := applyAddr(cfg, *addr); err != nil {
		log.Fatalf("parse -addr %q: %v", *addr, err)
	}

	rootCtx := context.Background()

	dsnVal := cfg.Database.DSN
	if dsnVal == "" {
		dsnVal = cfg.Database.ConnectionString()
	}
	if dsnVal != "" && *runMigrations {
		db, err := database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		_ = db.Close()
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}
	defer application.Close()

	if err := application.Manager.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	application.Log.Infof("trading event core listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// loadConfig resolves the effective configuration: defaults + environment
// when no file is given, otherwise the file (YAML or JSON by extension) with
// environment overrides applied on top.
func loadConfig(path string) (*config.Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return config.Load(), nil
	}
	switch strings.ToLower(filepath.Ext(trimmed)) {
	case ".yaml", ".yml":
		return config.LoadFile(trimmed)
	case ".json":
		return config.LoadConfig(trimmed)
	default:
		if cfg, err := config.LoadFile(trimmed); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(trimmed)
	}
}

// applyAddr overlays a -addr flag value onto the server config. A bare
// ":8081" keeps the configured host and replaces the port.
func applyAddr(cfg *config.Config, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = port
	return nil
}
