// cn-pool - CryptoNote stratum pool core
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/bus"
	"github.com/cryptonote-labs/cn-pool/internal/coin"
	"github.com/cryptonote-labs/cn-pool/internal/config"
	"github.com/cryptonote-labs/cn-pool/internal/health"
	"github.com/cryptonote-labs/cn-pool/internal/job"
	"github.com/cryptonote-labs/cn-pool/internal/notify"
	"github.com/cryptonote-labs/cn-pool/internal/policy"
	"github.com/cryptonote-labs/cn-pool/internal/profiling"
	"github.com/cryptonote-labs/cn-pool/internal/rpc"
	"github.com/cryptonote-labs/cn-pool/internal/storage"
	"github.com/cryptonote-labs/cn-pool/internal/stratum"
	"github.com/cryptonote-labs/cn-pool/internal/telemetry"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cn-pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("cn-pool v%s starting", version)

	coinDef, err := coin.Get(cfg.Coin.Key)
	if err != nil {
		util.Fatalf("Unknown coin: %v", err)
	}
	if !coinDef.ValidateAddress(cfg.Pool.WalletAddress) {
		util.Fatalf("pool.wallet_address is not a valid %s address", coinDef.Name)
	}
	util.Infof("Serving %s (%s family)", coinDef.Name, coinDef.Family)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Message bus and telemetry
	eventBus := bus.New(cfg.Bus.Capacity)
	recorder := telemetry.NewRecorder(&cfg.NewRelic, eventBus)
	if err := recorder.Start(); err != nil {
		util.Warnf("Telemetry start failed: %v", err)
	}
	defer recorder.Stop()

	// Storage: share/block recording and ban list persistence
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redis.Close()

	shareRecorder := storage.NewRecorder(redis, cfg.Bus.StreamKey, cfg.Bus.RedisMirror)
	go shareRecorder.Run(ctx, eventBus.Subscribe())

	// Webhook notifier for found blocks
	notifier := notify.NewNotifier(&notify.WebhookConfig{
		Enabled:      cfg.Notify.Enabled,
		DiscordURL:   cfg.Notify.DiscordURL,
		TelegramBot:  cfg.Notify.TelegramBot,
		TelegramChat: cfg.Notify.TelegramChat,
		PoolName:     cfg.Pool.Name,
	})
	go notifier.Run(ctx, eventBus.Subscribe())

	// Security policy
	policyCfg := policy.DefaultConfig()
	policyCfg.BanningEnabled = cfg.Security.BanningEnabled
	if cfg.Security.BanDuration > 0 {
		policyCfg.BanTimeout = cfg.Security.BanDuration
	}
	if cfg.Security.InvalidPercent > 0 {
		policyCfg.InvalidPercent = cfg.Security.InvalidPercent
	}
	if cfg.Security.CheckThreshold > 0 {
		policyCfg.CheckThreshold = int32(cfg.Security.CheckThreshold)
	}
	if cfg.Security.MalformedLimit > 0 {
		policyCfg.MalformedLimit = int32(cfg.Security.MalformedLimit)
	}
	if cfg.Security.MaxConnectionsPerIP > 0 {
		policyCfg.ConnectionLimit = int32(cfg.Security.MaxConnectionsPerIP)
	}
	policyServer := policy.NewServer(policyCfg, redis)
	policyServer.Start()
	defer policyServer.Stop()

	// Daemon client, push channel and job manager
	daemon := rpc.NewDaemonClient(cfg.Node.URL, cfg.Node.Timeout)
	var push *rpc.PushSubscriber
	if cfg.Node.PushURL != "" {
		push = rpc.NewPushSubscriber(cfg.Node.PushURL)
	}
	manager := job.NewManager(cfg, coinDef, daemon, push)
	go manager.Run(ctx)

	// Chain watchdog: surfaces daemon sync state and keeps telemetry on
	// upstream latency
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				info, err := daemon.GetInfo(ctx)
				recorder.Record("daemon_info", time.Since(start), err == nil)
				if err != nil {
					util.Warnf("Daemon get_info failed: %v", err)
					continue
				}
				if !info.Synchronized {
					util.Warnf("Daemon is not synchronized (height %d)", info.Height)
				}
			}
		}
	}()

	// Share validator with its hash worker pool
	validator := stratum.NewValidator(manager, coinDef, eventBus, recorder, cfg.Validation.HashWorkers)
	go validator.Run(ctx)

	// Stratum server
	server := stratum.NewServer(cfg, coinDef, manager, validator, policyServer)
	if err := server.Start(ctx); err != nil {
		util.Fatalf("Failed to start stratum server: %v", err)
	}

	// Probe and profiling servers
	healthServer := health.NewServer(&cfg.Health, health.Checks{
		DaemonHealthy: daemon.IsHealthy,
		HasTemplate:   func() bool { return manager.Current() != nil },
		SessionCount:  server.SessionCount,
	})
	if err := healthServer.Start(); err != nil {
		util.Warnf("Health server start failed: %v", err)
	}
	defer healthServer.Stop()

	pprofServer := profiling.NewServer(&cfg.Profiling)
	if err := pprofServer.Start(); err != nil {
		util.Warnf("Profiling server start failed: %v", err)
	}
	defer pprofServer.Stop()

	util.Info("Pool core started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	util.Info("Shutting down...")
	cancel()
	server.Stop()
	util.Info("Pool core stopped")
}
