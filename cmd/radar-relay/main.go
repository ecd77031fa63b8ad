// Command radar-relay reads radar telemetry from a serial device and
// broadcasts each reading to every connected TCP client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozmoi/radar-relay/config"
	"github.com/kozmoi/radar-relay/logging"
	"github.com/kozmoi/radar-relay/relay"
	"github.com/kozmoi/radar-relay/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "radar-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration (default $RELAY_CONFIG)")
	host := flag.String("host", "", "listen host")
	port := flag.Int("port", 0, "listen port")
	device := flag.String("device", "", "serial device path")
	baud := flag.Int("baud", 0, "serial baud rate")
	maxConns := flag.Int("max-conns", 0, "maximum concurrent clients (1-10)")
	force := flag.Bool("force", false, "allow more than 10 concurrent clients")
	debug := flag.Bool("debug", false, "start with debug logging")
	metricsAddr := flag.String("metrics", "", "address for the Prometheus /metrics endpoint")
	command := flag.String("send", "", "command written to the device once the relay is running")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// Only flags given explicitly override file and environment values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		case "device":
			cfg.Serial.Device = *device
		case "baud":
			cfg.Serial.BaudRate = *baud
		case "max-conns":
			cfg.Server.MaxConnections = *maxConns
		case "force":
			cfg.Server.ForceMaxConnections = *force
		case "debug":
			cfg.Logging.Debug = *debug
		case "metrics":
			cfg.Metrics.Address = *metricsAddr
		}
	})

	log := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	sup, err := supervisor.New(*cfg, log)
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics endpoint listening", "addr", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	if err := sup.Start(); err != nil {
		return err
	}
	if *command != "" {
		if err := sup.SendCommand(*command); err != nil {
			log.Warn("initial device command not sent", "error", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			sup.ToggleDebug()
			continue
		}
		log.Info("shutting down", "signal", sig.String())
		break
	}

	if err := sup.Stop(); err != nil && !errors.Is(err, relay.ErrNotRunning) {
		log.Error("stop failed", "error", err)
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error("metrics shutdown failed", "error", err)
		}
	}
	return nil
}
