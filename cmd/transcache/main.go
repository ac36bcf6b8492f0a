package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/transcache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	listenFlag         string
	storeFlag          string
	verbosityTraceFlag bool
	jsonLogFlag        bool
	logFilenameFlag    string
	versionFlag        bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&storeFlag, "store", "", "Cache store: memory, sqlite, redis or leveldb (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.BoolVar(&jsonLogFlag, "json", false, "Log JSON instead of console output")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&versionFlag, "version", false, "Print version and exit")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	if versionFlag {
		fmt.Println(version)
		return
	}

	config, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logFile, err := setupLogging(config.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open log file")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// applyFlags lets command line flags override the config file.
func applyFlags(config *Config) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if storeFlag != "" {
		config.Store.Type = storeFlag
		switch storeFlag {
		case "sqlite":
			if config.Store.SQLite == nil {
				config.Store.SQLite = &SQLiteConfig{Path: "cache.db", PurgeInterval: time.Minute, RetainStale: time.Hour}
			}
		case "leveldb":
			if config.Store.LevelDB == nil {
				config.Store.LevelDB = &LevelDBConfig{Path: "cache.ldb"}
			}
		}
	}
	if verbosityTraceFlag {
		config.Log.Level = "trace"
	}
	if jsonLogFlag {
		config.Log.Format = "json"
	}
	if logFilenameFlag != "" {
		config.Log.File = logFilenameFlag
	}
}

// setupLogging configures the global logger: stdout plus an optional file.
// The returned file, if any, must be closed by the caller.
func setupLogging(config LogConfig) (*os.File, error) {
	logLevel, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	// set up log output to stdout
	// also output to logfile if specified
	var stdout io.Writer = os.Stdout
	if config.Format == "console" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	logOutputs := []io.Writer{stdout}
	var logFile *os.File
	if config.File != "" {
		logFile, err = os.OpenFile(config.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, err
		}
		logOutputs = append(logOutputs, logFile)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return logFile, nil
}

func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return fmt.Errorf("parsing origin url: %w", err)
	}

	var reg *prometheus.Registry
	if config.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	store, err := openStore(ctx, config.Store, registerer(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cache store")
		}
	}()
	if store.expired != nil && store.purgeInterval > 0 {
		go purgeExpired(ctx, store.expired, store.purgeInterval, store.retainStale)
	}

	cacheConfig, err := config.Cache.transcacheConfig()
	if err != nil {
		return err
	}
	cacheConfig.Store = store.Store
	cacheConfig.Logger = &log.Logger
	cacheConfig.Metrics = registerer(reg)
	tc, err := transcache.New(cacheConfig)
	if err != nil {
		return err
	}

	router := newRouter(config, tc, newOriginProxy(originURL, config.Host), reg)
	server := &http.Server{
		Addr:              config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying %s to %s (with hostname '%s')", config.Listen, originURL.String(), config.Host)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newRouter mounts the metrics and reset endpoints next to the cached origin.
func newRouter(config Config, tc *transcache.Cache, origin http.Handler, reg *prometheus.Registry) http.Handler {
	router := chi.NewRouter()
	if reg != nil && config.Metrics.Path != "" {
		router.Handle(config.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	if config.ResetPath != "" {
		router.Method(http.MethodPost, config.ResetPath, tc.ResetHandler())
	}
	router.Group(func(r chi.Router) {
		r.Use(tc.Middleware)
		r.Handle("/*", origin)
	})
	return router
}

// registerer avoids a typed nil inside the interface.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}
