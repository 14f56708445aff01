package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/corvuslabs/parley/internal/api"
	"github.com/corvuslabs/parley/internal/auth"
	"github.com/corvuslabs/parley/internal/bot"
	"github.com/corvuslabs/parley/internal/call"
	"github.com/corvuslabs/parley/internal/config"
	"github.com/corvuslabs/parley/internal/group"
	"github.com/corvuslabs/parley/internal/logging"
	"github.com/corvuslabs/parley/internal/logring"
	"github.com/corvuslabs/parley/internal/metrics"
	"github.com/corvuslabs/parley/internal/presence"
	"github.com/corvuslabs/parley/internal/registry"
	"github.com/corvuslabs/parley/internal/router"
	"github.com/corvuslabs/parley/internal/security"
	"github.com/corvuslabs/parley/internal/server"
	"github.com/corvuslabs/parley/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Realtime presence, messaging and call signaling server",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Store: %s\n", cfg.Store.Directory)
			fmt.Printf("  Ops: %s\n", cfg.Ops.ListenAddress)
			fmt.Printf("  TLS: %v\n", cfg.Server.TLS.Enabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var initPath string
	var initForce bool
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeStarterConfig(initPath, initForce)
		},
	}
	configInitCmd.Flags().StringVar(&initPath, "path", "config.yaml", "Where to write the config file")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, configCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	// Set up logging with the ops log ring
	ring := logring.NewBuffer(cfg.Logging.RingSize)
	lj := logging.Setup(cfg.Logging, ring)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting parley",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"store", cfg.Store.Directory,
		"ops", cfg.Ops.ListenAddress,
	)

	// Persistence
	st, err := store.OpenBadger(cfg.Store.Directory, cfg.Store.HistoryLimit)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	m := metrics.New()

	// Realtime core
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	connReg := registry.New()
	hub := group.NewHub(connReg, st, slog.Default())
	completer := bot.NewClient(cfg.Bot)
	rt := router.New(st, connReg, hub, completer, m, slog.Default())
	broker := call.New(connReg, st, st, cfg.Call.RingTimeout, m, slog.Default())
	pres := presence.New(connReg, st, m, slog.Default())
	go pres.Run(shutdownCtx)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"events_per_second", cfg.Security.RateLimit.EventsPerSecond,
		)
	}

	var trusted *security.TrustedNets
	if len(cfg.Security.TrustedNetworks) > 0 {
		trusted = security.NewTrustedNets(cfg.Security.TrustedNetworks)
	}

	tracker := server.NewTracker()
	handler := server.NewHandler(cfg, server.Deps{
		Registry:    connReg,
		Router:      rt,
		Calls:       broker,
		Groups:      hub,
		Directory:   st,
		Verifier:    verifier,
		Tracker:     tracker,
		RateLimiter: rl,
		Trusted:     trusted,
		Metrics:     m,
		ShutdownCtx: shutdownCtx,
	})

	realtimeServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: handler,
	}

	// Ops server (loopback: health, users, groups, logs, metrics)
	var opsServer *http.Server
	if cfg.Ops.Enabled {
		opsHandler := api.NewHandler(cfg.Ops, api.Deps{
			Store:     st,
			Registry:  connReg,
			Groups:    hub,
			Tracker:   tracker,
			Logs:      ring,
			StartTime: time.Now(),
			Version:   Version,
		})
		opsServer = &http.Server{
			Addr:    cfg.Ops.ListenAddress,
			Handler: opsHandler.Mux(),
		}
		go func() {
			slog.Info("ops endpoint listening", "address", cfg.Ops.ListenAddress)
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ops server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("realtime listening", "address", cfg.Server.ListenAddress, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = realtimeServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = realtimeServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("realtime server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			warnings := config.IsReloadSafe(cfg, newCfg)
			for _, w := range warnings {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg = cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)

			if cfg.Security.RateLimit.Enabled && rl != nil {
				r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
				rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
			}

			logging.Setup(cfg.Logging, ring)
			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining sessions",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			// Send close frames to live sessions, then stop the listeners.
			handler.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if opsServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					opsServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				realtimeServer.Shutdown(ctx)
			}()
			wg.Wait()
			shutdownCancel()

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return err
	}
	fmt.Printf("Wrote %s. Set auth.jwt_secret before starting.\n", path)
	return nil
}

const starterConfig = `server:
  listen_address: ":8080"
  max_message_size: 1048576
  send_buffer: 64
  ping_interval: 30s
  pong_timeout: 10s
  write_timeout: 10s
  drain_timeout: 30s
  tls:
    enabled: false
    cert_file: ""
    key_file: ""

security:
  trusted_networks: []
  max_connections: 5000
  max_connections_per_ip: 16
  rate_limit:
    enabled: true
    connections_per_minute: 60
    events_per_second: 25

auth:
  # Shared HMAC secret for connect tokens. Must be at least 32 bytes.
  jwt_secret: ""
  issuer: ""

store:
  directory: "data"
  history_limit: 500

bot:
  # OpenAI-compatible chat completions endpoint. Empty disables the
  # assistant backend (users get the fallback reply).
  endpoint: ""
  api_key: ""
  model: "gpt-4o-mini"
  timeout: 20s

call:
  ring_timeout: 30s

logging:
  level: "info"
  format: "json"
  file: ""
  max_size_mb: 100
  max_backups: 3
  max_age_days: 28
  compress: true
  ring_size: 500

ops:
  enabled: true
  listen_address: "127.0.0.1:8081"
  health_endpoint: "/health"
  detailed: true
  metrics_enabled: false
  metrics_endpoint: "/metrics"
  # Optional bearer token for the /api/* endpoints.
  auth_token: ""
`

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=Parley realtime chat server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=parley
Group=parley
ExecStartPre=/usr/local/bin/parley validate --config /etc/parley/config.yaml
ExecStart=/usr/local/bin/parley start --config /etc/parley/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/parley
LogsDirectory=parley
StateDirectory=parley
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=parley

[Install]
WantedBy=multi-user.target
`)
}
