package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	apiserver "github.com/edgegate/edgegate/internal/api_server"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/kvstore"
	"github.com/edgegate/edgegate/internal/security"
	"github.com/edgegate/edgegate/internal/security/classifier"
	"github.com/edgegate/edgegate/internal/security/quota"
	"github.com/edgegate/edgegate/internal/security/ratelimit"
	"github.com/edgegate/edgegate/pkg/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		log.InitLogs("info").Fatalf("reading configuration: %v", err)
	}
	logger := log.InitLogs(cfg.Service.LogLevel)
	logger.Println("Starting edgegate API server")

	kv, err := kvstore.NewKVStore(ctx, kvstore.Options{
		Hostname: cfg.KV.Hostname,
		Port:     cfg.KV.Port,
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
	})
	if err != nil {
		logger.Fatalf("initializing kv store: %v", err)
	}

	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		logger.Fatalf("initializing request classifier: %v", err)
	}

	storeTimeout := time.Duration(cfg.KV.TimeoutMillis) * time.Millisecond
	quotaStore := quota.NewStore(kv, logger.WithField("pkg", "quota"), storeTimeout)
	limiter := ratelimit.NewLimiter(cls, quotaStore, kv, cfg.RateLimits, logger.WithField("pkg", "ratelimit"))
	monitor := security.NewMonitor(cfg.Alerts, cfg.Notifications, limiter, logger.WithField("pkg", "security"))

	listener, err := net.Listen("tcp", cfg.Service.Address)
	if err != nil {
		logger.Fatalf("creating listener on %s: %v", cfg.Service.Address, err)
	}

	server := apiserver.New(logger, cfg, listener, kv, limiter, monitor, nil)
	if err := server.Run(ctx); err != nil {
		logger.Fatalf("running server: %v", err)
	}
}
