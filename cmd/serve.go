package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/KKKKjl/pushkit/config"
	"github.com/KKKKjl/pushkit/internal/broadcast"
	"github.com/KKKKjl/pushkit/internal/filter"
	"github.com/KKKKjl/pushkit/internal/filter/filter_impl"
	"github.com/KKKKjl/pushkit/internal/heartbeat"
	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/identity"
	"github.com/KKKKjl/pushkit/internal/metrics"
	"github.com/KKKKjl/pushkit/internal/registry"
	"github.com/KKKKjl/pushkit/internal/registry/etcd"
	"github.com/KKKKjl/pushkit/internal/relay"
	"github.com/KKKKjl/pushkit/internal/server"
	"github.com/KKKKjl/pushkit/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the realtime server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		return serve(ctx, config.Load())
	},
}

func serve(ctx context.Context, c config.Config) error {
	mainLog.Info("Starting pushkit.")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	h := hub.New(hub.WithQueueSize(c.QueueSize))
	b := broadcast.New(h, broadcast.NewDebugMode(c.DebugEnabled), broadcast.WithMetrics(m))

	resolver, err := identity.New(identity.Config{
		Mode:         c.IdentityMode,
		Header:       c.IdentityHeader,
		JwtSecret:    c.JwtSecret,
		JwtAlgorithm: c.JwtAlgorithm,
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	var controlFilters []filter.Handler
	if c.ControlRPS > 0 {
		controlFilters = append(controlFilters, filter_impl.InitRateLimit(c.ControlRPS, c.ControlBurst))
	}

	srv := server.New(b,
		server.WithAddr(c.HTTPAddr),
		server.WithIdentity(resolver),
		server.WithRelaySecret(c.RelaySecret),
		server.WithOrigins(c.AllowOrigins),
		server.WithRetryHint(c.ClientBaseDelay),
		server.WithGatherer(reg),
		server.WithFilters([]filter.Handler{filter_impl.InitCors(c.AllowOrigins)}, controlFilters),
	)
	reg.MustRegister(srv.Stats())

	hb := heartbeat.New(h,
		heartbeat.WithInterval(c.HeartbeatInterval),
		heartbeat.WithMaxIdle(c.MaxIdle),
		heartbeat.WithMaxLifetime(c.MaxLifetime),
	)
	utils.Async(func() { hb.Run(ctx) })

	if c.RelayTransport == relay.TransportRedis {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		defer rdb.Close()

		sub := relay.NewRedisSubscriber(rdb, c.RedisChannel, b)
		utils.Async(func() {
			if err := sub.Run(ctx); err != nil {
				mainLog.Errorf("Redis relay subscriber stopped: %v", err)
			}
		})
	}

	if len(c.EtcdEndpoints) > 0 {
		registrar, err := etcd.NewRegistrar(etcd.Config{Endpoints: c.EtcdEndpoints, Prefix: c.EtcdPrefix, TTL: c.EtcdTTL})
		if err != nil {
			return fmt.Errorf("etcd: %w", err)
		}
		defer registrar.Close()

		if err := registrar.Register(ctx, &registry.Service{Name: hostName(c.HTTPAddr), Addr: c.RelayURL}); err != nil {
			return fmt.Errorf("register relay endpoint: %w", err)
		}
	}

	return srv.Run(ctx)
}

func hostName(addr string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "pushkit"
	}

	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return host + "-" + port
	}

	return host
}
