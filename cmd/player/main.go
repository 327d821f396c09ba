package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signaged/internal/cache"
	"signaged/internal/config"
	"signaged/internal/core"
	"signaged/internal/download"
	"signaged/internal/events"
	"signaged/internal/logger"
	"signaged/internal/metrics"
	"signaged/internal/proxy"
	"signaged/internal/renderer"
	"signaged/internal/sched"
	"signaged/internal/stats"
	"signaged/internal/store"
	"signaged/internal/xmds"
)

func main() {
	// 1. Parse command-line arguments
	cfg := &config.Config{}
	flag.StringVar(&cfg.CMSURL, "cms-url", "", "CMS base URL")
	flag.StringVar(&cfg.CMSKey, "cms-key", "", "CMS server key")
	flag.StringVar(&cfg.DisplayName, "display-name", "", "Display name (defaults to hostname)")
	flag.StringVar(&cfg.DataDir, "data-dir", "", "Directory for cached media and player state")
	listenAddr := flag.String("l", "127.0.0.1:9696", "Local proxy listen address")
	logLevel := flag.String("L", "info", "Log level (error, warn, info, debug)")
	flag.Parse()
	cfg.LogLevel = *logLevel
	cfg.ListenAddr = *listenAddr

	// 2. Initialize logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Infof("Starting signage player...")

	if err := cfg.Validate(); err != nil {
		log.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}
	if err := cfg.LoadHardwareKey(); err != nil {
		log.Errorf("Failed to load hardware key: %v", err)
		os.Exit(1)
	}
	log.Infof("Display %q, hardware key %s", cfg.DisplayName, cfg.HardwareKey)

	// 3. Open persistent state and repair any manifest/blob drift
	st, err := store.Open(cfg.DataDir, log.Named("store"))
	if err != nil {
		log.Errorf("Failed to open data store: %v", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Repair(); err != nil {
		log.Errorf("Startup store repair failed: %v", err)
		os.Exit(1)
	}

	// 4. Initialize services and managers
	bus := events.NewBus()
	cms := xmds.NewClient(cfg.CMSURL, cfg.CMSKey, cfg.HardwareKey, log.Named("xmds"))

	var player *core.Player
	downloads := download.NewManager(cms.HTTPClient(), st, log.Named("download"), func(res download.Result) {
		if player != nil {
			player.OnDownloadResult(res)
		}
	})
	cacheMgr := cache.NewManager(st, downloads, log.Named("cache"), cms.FileURL)
	scheduler := sched.New(log.Named("sched"))

	registry := prometheus.NewRegistry()
	playerMetrics := metrics.New(registry)

	surface := renderer.NewHeadlessSurface(log.Named("surface"), 1920, 1080)
	player = core.New(core.Deps{
		Config:    cfg,
		Logger:    log,
		Bus:       bus,
		Store:     st,
		Cache:     cacheMgr,
		Downloads: downloads,
		Scheduler: scheduler,
		CMS:       cms,
		Surface:   surface,
		Stats:     stats.NewCollector(st, log.Named("stats")),
		Faults:    stats.NewReporter(st, log.Named("faults")),
		Metrics:   playerMetrics,
	})

	downloads.Start()
	cacheMgr.Start()

	// 5. Set up the local proxy with the metrics endpoint alongside
	router := chi.NewRouter()
	router.Mount("/", proxy.New(cacheMgr, st, downloads, log.Named("proxy")).Routes())
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		log.Infof("Media proxy listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", cfg.ListenAddr, err)
			os.Exit(1)
		}
	}()

	// 6. Run the player loop until a shutdown signal arrives
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Infof("Player is shutting down...")
		cancel()
	}()

	if err := player.Run(ctx); err != nil && err != context.Canceled {
		log.Errorf("Player loop exited: %v", err)
	}

	// Stop background services
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cacheMgr.Stop()
	downloads.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Proxy shutdown failed: %v", err)
		os.Exit(1)
	}
	log.Infof("Player exited gracefully")
}
