package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"tse-signature-mux/config"
	"tse-signature-mux/internal/alert"
	"tse-signature-mux/internal/api"
	"tse-signature-mux/internal/db"
	"tse-signature-mux/internal/store"
	"tse-signature-mux/internal/tse"
)

// statusAdapter exposes the processor's wrapper snapshot to the monitor API.
type statusAdapter struct {
	proc *tse.Processor
}

func (a statusAdapter) Snapshot() []api.StatusEntry {
	snap := a.proc.Snapshot()
	out := make([]api.StatusEntry, len(snap))
	for i, w := range snap {
		out[i] = api.StatusEntry{Name: w.Name, State: string(w.State), TSEID: w.TSEID}
	}
	return out
}

func main() {
	configPath := flag.String("c", "./config/config.yaml", "path to the config file")
	verbose := flag.Bool("v", false, "verbose logging")
	quiet := flag.Bool("q", false, "log errors only")
	flag.Parse()

	// Errors go through this logger so they stay on stderr even with -q;
	// -q only discards the informational package logging.
	logger := log.New(os.Stderr, "signature_processor ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", *configPath, err)
	}
	log.Printf("configuration loaded successfully from %s", *configPath)

	if len(cfg.TSEs) == 0 {
		logger.Fatalf("no TSEs configured, nothing to do")
	}

	if *verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	appStore := store.NewGormStore(gormDB)

	if *quiet {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var alerter tse.Alerter
	var pushOpts *webpush.Options
	if cfg.Alert.Enabled {
		if cfg.Alert.PublicKey == "" || cfg.Alert.PrivateKey == "" {
			logger.Fatalf("alerting is enabled but VAPID keys are not configured")
		}
		pushOpts = &webpush.Options{
			VAPIDPublicKey:  cfg.Alert.PublicKey,
			VAPIDPrivateKey: cfg.Alert.PrivateKey,
			Subscriber:      cfg.Alert.Subject,
			TTL:             cfg.Alert.TTL,
		}
		pool := alert.NewWorkerPool(cfg.Alert.PoolSize, gormDB, pushOpts)
		pool.Start(ctx)
		alerter = pool
	}

	drivers := func(tcfg config.TSEConfig) tse.Driver {
		if tcfg.Driver == "dummy" {
			return tse.NewDummyDriver(tcfg.DummyPath)
		}
		return tse.NewWSDriver(tcfg.URL, tcfg.Password, cfg.Policy.RequestTimeout)
	}

	proc := tse.NewProcessor(cfg, appStore, alerter, drivers)
	listener := db.NewListener(cfg.Database.DSN, proc.WakeAll)
	proc.SetListener(listener.Run)

	var monitor *http.Server
	if cfg.Monitor.Enabled {
		router := api.NewRouter(&cfg.Monitor, appStore, statusAdapter{proc}, pushOpts)
		monitor = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitor.Port),
			Handler: router,
		}
		go func() {
			log.Printf("monitor API listening on port %d", cfg.Monitor.Port)
			if err := monitor.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatalf("monitor API ListenAndServe: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Println("shutdown signal received, stopping...")
		cancel()
	}()

	if err := proc.Run(ctx); err != nil {
		logger.Fatalf("signature processor failed: %v", err)
	}

	if monitor != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := monitor.Shutdown(shutdownCtx); err != nil {
			logger.Printf("monitor API shutdown: %v", err)
		}
	}

	log.Println("signature processor stopped")
}
