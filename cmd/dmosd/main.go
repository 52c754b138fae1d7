// dmosd runs a demonstration workload on the portable OS layer and serves
// its thread/process registry metrics over HTTP for Prometheus scraping.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"dmos"
	"dmos/internal/config"
	"dmos/internal/logger"
	"dmos/metrics"
)

var version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "dmosd",
		Usage:   "portable OS layer inspection daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration file",
			},
			&cli.StringFlag{
				Name:  "web.listen-address",
				Usage: "address to listen on for the metrics endpoint",
			},
			&cli.StringFlag{
				Name:  "web.telemetry-path",
				Usage: "path under which to expose metrics",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of demo worker threads",
				Value: 4,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "generate-config",
				Usage:     "write an example config file and exit",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("generate-config: output path required")
					}
					if err := config.GenerateExampleConfig(path); err != nil {
						return err
					}
					fmt.Printf("Generated %s successfully\n", path)
					return nil
				},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.NewConfig(&config.Flags{
		ConfigPath:    c.String("config"),
		ListenAddress: c.String("web.listen-address"),
		MetricsPath:   c.String("web.telemetry-path"),
	})
	if err != nil {
		return err
	}

	if err := logger.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("configuring loggers: %w", err)
	}

	if err := dmos.InitOptions(dmos.Options{
		TickRateHz:       cfg.Kernel.TickRateHz,
		SnapshotMargin:   cfg.Kernel.SnapshotMargin,
		DefaultStackSize: cfg.Kernel.DefaultStackSize,
	}); err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}
	defer dmos.Deinit()

	log.Info().
		Str("version", version).
		Int("tick_rate_hz", cfg.Kernel.TickRateHz).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting dmosd")

	if cfg.Server.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof HTTP server on :6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error().Err(err).Msg("pprof server stopped")
			}
		}()
	}

	prometheus.MustRegister(metrics.NewCollector())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	workload, err := startWorkload(c.Int("workers"))
	if err != nil {
		return fmt.Errorf("starting demo workload: %w", err)
	}
	defer workload.stop()

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
            <head><title>dmosd</title></head>
            <body>
            <h1>dmosd v` + version + `</h1>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	srv := &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()
	log.Info().Str("address", cfg.Server.ListenAddress).Msg("HTTP server listening")

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal, shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	log.Info().Msg("dmosd stopped")
	return nil
}
