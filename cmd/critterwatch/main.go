package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/critterwatch/internal/api"
	"github.com/banshee-data/critterwatch/internal/config"
	"github.com/banshee-data/critterwatch/internal/db"
	"github.com/banshee-data/critterwatch/internal/notify"
	"github.com/banshee-data/critterwatch/internal/pipeline"
	"github.com/banshee-data/critterwatch/internal/presence"
	"github.com/banshee-data/critterwatch/internal/sighting"
	"github.com/banshee-data/critterwatch/internal/version"
)

var (
	configFile  = flag.String("config", config.DefaultConfigPath, "Path to JSON config file")
	devMode     = flag.Bool("dev", false, "Run in dev mode: replay the fixtures log and read migrations from disk")
	fixtures    = flag.String("fixtures", "fixtures/frames.ndjson", "Frame log replayed in dev mode")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath      = flag.String("db", "", "Path to sqlite DB file (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health listen address (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: critterwatch [flags]\n       critterwatch migrate <action>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyOverrides(cfg)

	if *devMode {
		db.DevMode = true
		cfg.Source = &config.SourceConfig{Kind: config.SourceFile, Path: *fixtures}
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], cfg.GetDatabasePath()); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		default:
			flag.Usage()
			os.Exit(2)
		}
	}

	log.Printf("%s", version.Get())
	if err := run(cfg); err != nil {
		log.Fatalf("critterwatch: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path. A missing file at the default path falls back to
// the built-in defaults; a missing explicit path is an error.
func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
	}
	return config.Load(path)
}

func applyOverrides(cfg *config.Config) {
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if *grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
}

func buildSink(cfg *config.Config, database *db.DB) sighting.Sink {
	sinks := notify.Fanout{notify.LogSink{}, database}
	if url := cfg.GetWebhookURL(); url != "" {
		sinks = append(sinks, notify.NewWebhookSink(url, cfg.GetNotifyCooldown()))
	}
	return sinks
}

func run(cfg *config.Config) error {
	src, err := newSource(cfg.GetSource(), os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to create frame source: %w", err)
	}

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	filter := presence.New(cfg.GetWatchLabels(), cfg.GetScoreThreshold(), cfg.GetSustain())
	log.Printf("watching %v (score > %.2f for %s)", cfg.GetWatchLabels().Labels(), cfg.GetScoreThreshold(), cfg.GetSustain())

	var health *api.HealthServer
	onServing := func(bool) {}
	if addr := cfg.GetGRPCListen(); addr != "" {
		health = api.NewHealthServer(addr)
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC health server: %w", err)
		}
		defer health.Stop()
		onServing = health.SetServing
	}

	p, err := pipeline.New(pipeline.Config{
		Stream:         cfg.GetStreamName(),
		Source:         src,
		Filter:         filter,
		Sink:           buildSink(cfg, database),
		StatusInterval: cfg.GetStatusInterval(),
		OnServing:      onServing,
	})
	if err != nil {
		return err
	}

	mux := api.NewServer(p, database, cfg).ServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("failed to attach admin routes: %w", err)
	}

	// Create a wait group for the HTTP server and pipeline routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: api.LoggingMiddleware(mux),
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	return nil
}
