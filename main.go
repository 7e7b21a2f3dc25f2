package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"notifyhub/config"
	"notifyhub/logger"
	"notifyhub/module/notify/store"
	"notifyhub/service/broker"
	"notifyhub/service/broker/kafka"
	"notifyhub/service/broker/natsx"
	"notifyhub/service/dispatcher"
	"notifyhub/service/gateway"
	"notifyhub/service/publish"
	"notifyhub/service/storage"
	"notifyhub/tools/ids"
	"notifyhub/tools/safe"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)
	logger.Infof("starting notifyhub server_id=%s addr=%s", cfg.ServerID, cfg.HTTPAddr)

	ctx := context.Background()

	st := buildStore(ctx, cfg)
	reg := buildRegistry(ctx, cfg)
	bk := buildBroker(cfg)

	var auth gateway.Authenticator
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; tokens signed with an empty key will validate")
	}
	auth = gateway.NewJWTAuthenticator(cfg.Auth.JWTSecret)

	srv := gateway.NewServer(cfg, st, reg, auth)
	disp := dispatcher.New(dispatcher.Config{
		ServerID:   cfg.ServerID,
		SweepEvery: cfg.ExpirySweepEvery,
	}, st, reg, bk, srv)
	if err := disp.Start(); err != nil {
		logger.Errorf("start dispatcher: %v", err)
		os.Exit(1)
	}
	pub := publish.New(st, bk)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	r.POST("/publish", pub.Handler)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "serverId": cfg.ServerID, "conns": srv.Manager().Len()})
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	safe.Go("http-server", func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			os.Exit(1)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("signal received, draining")

	shutCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout+5*time.Second)
	defer cancel()

	srv.Shutdown(shutCtx)
	disp.Stop()
	pub.Stop()
	_ = httpSrv.Shutdown(shutCtx)
	_ = bk.Close()
	_ = st.Close(shutCtx)
	_ = reg.Close()
	logger.Info("bye")
}

func buildStore(ctx context.Context, cfg *config.Config) store.Store {
	if !cfg.Mongo.Enabled {
		logger.Warn("mongo disabled, using in-memory store (single instance, no durability)")
		return store.NewMem()
	}
	st, err := store.NewMongo(ctx, store.MongoConfig{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		logger.Errorf("connect mongo: %v", err)
		os.Exit(1)
	}
	return st
}

func buildRegistry(ctx context.Context, cfg *config.Config) storage.Registry {
	if !cfg.Redis.Enabled {
		logger.Warn("redis disabled, using in-memory registry (single instance only)")
		return storage.NewMemRegistry(cfg.RegistryTTL)
	}
	rdb, err := storage.NewRedis(ctx, storage.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Errorf("connect redis: %v", err)
		os.Exit(1)
	}
	return storage.NewRedisRegistry(rdb, cfg.RegistryTTL)
}

// buildBroker picks the fan-out transport. The consumer group ID is the
// server ID so every instance sees every envelope (broadcast, not
// work-sharing).
func buildBroker(cfg *config.Config) broker.Broker {
	switch cfg.Broker.Kind {
	case "kafka":
		b, err := kafka.New(kafka.Config{
			Brokers: cfg.Broker.KafkaBrokers,
			Topic:   cfg.Broker.KafkaTopic,
			GroupID: cfg.ServerID,
		})
		if err != nil {
			logger.Errorf("connect kafka: %v", err)
			os.Exit(1)
		}
		return b
	case "nats":
		b, err := natsx.New(natsx.Config{
			URL:     cfg.Broker.NatsURL,
			Subject: cfg.Broker.NatsSubject,
		})
		if err != nil {
			logger.Errorf("connect nats: %v", err)
			os.Exit(1)
		}
		return b
	default:
		logger.Warn("broker.kind=mem: fan-out is in-process only")
		return broker.NewMem()
	}
}
