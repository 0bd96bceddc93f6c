package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/api"
	"github.com/ZentaChain/zentalk-mailbox/pkg/config"
	"github.com/ZentaChain/zentalk-mailbox/pkg/logging"
	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/network"
	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to TOML config file")
	portFile   = flag.String("port-file", "", "Path to port file (default "+config.DefaultPortFile+")")
	port       = flag.Int("port", 0, "Port to listen on (overrides config and port file)")
	apiAddr    = flag.String("api", "", "Enable the status API on this address, e.g. 127.0.0.1:8090")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	enablePull = flag.Bool("pull", false, "Serve PULL_MESSAGES requests")
	heartbeat  = flag.Duration("heartbeat", 5*time.Minute, "Interval between status log lines, 0 to disable")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}

	log := logging.Component(nil, "main")

	queue, err := storage.NewMessageStore(cfg.Queue.Backend)
	if err != nil {
		log.WithError(err).Fatal("Failed to create message queue")
	}

	registry := storage.NewClientRegistry()
	m := metrics.New()

	relay := network.NewRelayServer(cfg.Relay, registry, queue, m, logrus.StandardLogger())
	if err := relay.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start relay server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if cfg.Queue.TTL > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			storage.RunExpiry(ctx, queue, cfg.Queue.TTL, cfg.Queue.ExpiryInterval)
		}()
		log.WithField("ttl", cfg.Queue.TTL.String()).Info("Message expiry enabled")
	}

	if cfg.API.Enabled {
		server := api.NewServer(relay, m, cfg.API, logrus.StandardLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				log.WithError(err).Error("Status API stopped")
			}
		}()
	}

	if *heartbeat > 0 {
		go startHeartbeatLoop(ctx, relay, *heartbeat)
	}

	printStatus(relay, cfg)

	<-ctx.Done()
	shutdown(relay, queue, &wg)
}

// loadConfig merges defaults, the config file, the port file and flags
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *portFile != "" {
		cfg.Relay.PortFile = *portFile
	}
	if *port != 0 {
		cfg.Relay.Port = *port
	}
	if *apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = *apiAddr
	}
	if *enablePull {
		cfg.Relay.EnablePull = true
	}

	cfg.ResolvePort()

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func startHeartbeatLoop(ctx context.Context, relay *network.RelayServer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := relay.Stats()
			logrus.WithFields(logrus.Fields{
				"component":        "main",
				"sessions":         stats.ActiveSessions,
				"clients":          stats.Clients,
				"pending_messages": stats.PendingMessages,
				"requests":         stats.RequestsHandled,
			}).Info("Heartbeat")
		}
	}
}

func printStatus(relay *network.RelayServer, cfg config.Config) {
	fmt.Println()
	fmt.Println("Mailbox relay running")
	fmt.Printf("   Listening: %s\n", relay.Multiaddr())
	fmt.Printf("   Queue backend: %s\n", cfg.Queue.Backend)
	if cfg.Relay.EnablePull {
		fmt.Println("   Message pulling: enabled")
	}
	if cfg.API.Enabled {
		fmt.Printf("   Status API: http://%s\n", cfg.API.Addr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func shutdown(relay *network.RelayServer, queue storage.MessageStore, wg *sync.WaitGroup) {
	log := logging.Component(nil, "main")
	log.Info("Shutting down gracefully")

	if err := relay.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping relay")
	}

	wg.Wait()

	if err := queue.Close(); err != nil {
		log.WithError(err).Warn("Error closing message queue")
	}

	log.Info("Relay server stopped")
}
