package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SignGate/global/config"
	"SignGate/logger"
	"SignGate/middleware"
	"SignGate/service/fanout"
	"SignGate/service/gateway"
	"SignGate/service/health"
	"SignGate/service/storage"
	"SignGate/tools/ids"
	"SignGate/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Errorf("gateway exited: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Init(cfg.LogLevel)
	defer logger.Sync()
	ids.SetNodeID(cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var verifier gateway.TokenVerifier
	if cfg.JWTSecret != "" {
		v, err := security.NewVerifier(security.Options{
			Secret: []byte(cfg.JWTSecret),
			Alg:    cfg.JWTAlg,
			Leeway: cfg.JWTLeeway,
		})
		if err != nil {
			return err
		}
		verifier = v
	} else {
		log.Warn("JWT_SECRET not set, every connection is anonymous until it registers")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw := gateway.New(gateway.Options{
		GatewayID:                cfg.GatewayID,
		MaxConnections:           cfg.MaxConnections,
		InactiveTimeout:          cfg.InactiveTimeout,
		SendQueueSize:            cfg.SendQueueSize,
		RegistrationRequiresAuth: cfg.RegistrationRequiresAuth,
		Verifier:                 verifier,
		Metrics:                  gateway.NewMetrics(reg),
		Logger:                   log,
	})

	adapter := fanout.Setup(ctx, fanout.Options{
		Enabled:        cfg.AdapterEnabled,
		URL:            cfg.AdapterURL,
		Prefix:         cfg.AdapterChannelPrefix,
		Origin:         cfg.GatewayID,
		ConnectTimeout: cfg.ConnectTimeout,
		Retries:        cfg.AdapterConnectRetries,
		Deliverer:      gw,
		Logger:         log,
	})
	gw.SetAdapter(adapter)
	if cfg.AdapterEnabled && adapter.Kind() == fanout.KindLocal {
		logger.Warnf("fan-out backend unavailable, gateway %s runs single-node", cfg.GatewayID)
	}
	if rdb, ok := fanout.RedisClient(adapter); ok {
		gw.SetPresence(storage.NewRedisPresence(rdb, cfg.PresenceTTL))
	}

	var hs *health.Server
	if cfg.HealthGRPCAddr != "" {
		if hs, err = health.Start(cfg.HealthGRPCAddr, log); err != nil {
			return err
		}
		defer hs.Stop()
	}

	origins := middleware.NewOriginPolicy(cfg.CORSOrigins)
	gin.SetMode(gin.ReleaseMode)
	tr := gateway.NewTransport(gw, gateway.TransportOptions{
		Origins:          origins,
		PingInterval:     cfg.PingInterval,
		PingTimeout:      cfg.PingTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		HandshakeTimeout: cfg.ConnectTimeout,
		Logger:           log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.NewRouter(gw, tr, gateway.RouterOptions{SocketPath: cfg.SocketPath, Origins: origins, Gatherer: reg}),
		ReadHeaderTimeout: cfg.ConnectTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("socket_path", cfg.SocketPath),
			zap.String("gateway_id", cfg.GatewayID),
			zap.String("adapter", string(adapter.Kind())),
			zap.Int("max_connections", cfg.MaxConnections))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}
	return shutdown(gw, srv, hs, log)
}

// shutdown stops readiness first, clears device presence and detaches the
// fan-out backend, releases the listener and finally closes every live
// connection.
func shutdown(gw *gateway.Gateway, srv *http.Server, hs *health.Server, log *zap.Logger) error {
	if hs != nil {
		hs.SetNotServing()
	}
	if err := gw.CloseAdapter(); err != nil {
		log.Warn("fan-out adapter close failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	n := gw.DisconnectAll(gateway.ReasonShutdown)
	logger.Infof("gateway stopped, %d connections closed", n)
	return err
}
