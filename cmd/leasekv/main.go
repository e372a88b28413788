package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leasekv/leasekv/internal/cluster"
	"github.com/leasekv/leasekv/internal/commitlog"
	"github.com/leasekv/leasekv/internal/config"
	"github.com/leasekv/leasekv/internal/kv"
	"github.com/leasekv/leasekv/internal/raft"
	"github.com/leasekv/leasekv/internal/router"
	"github.com/leasekv/leasekv/internal/server"
	"github.com/leasekv/leasekv/internal/transport"
	"github.com/leasekv/leasekv/pkg/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "leasekv <host> <port> <partitions>",
	Short: "Sharded, replicated key-value store with leader leases",
	Long: "leasekv runs one replica of a sharded, replicated key-value store. " +
		"Each shard elects a leader that replicates a durable command log and " +
		"serves linearizable reads under a lease. The partition table literal " +
		"lists every shard's replicas, e.g. [[\"127.0.0.1:5000\",\"127.0.0.1:5001\",\"127.0.0.1:5002\"]].",
	Args: cobra.ExactArgs(3),
	Run:  runReplica,
}

func runReplica(cmd *cobra.Command, args []string) {
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", args[1], err)
		os.Exit(1)
	}

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	table, err := cluster.Parse(args[2])
	if err != nil {
		logger.Fatal("bad partition table", zap.Error(err))
	}

	self := cluster.Endpoint{Host: host, Port: port}
	shardIdx, replicaIdx, ok := table.Locate(self)
	if !ok {
		logger.Fatal("replica endpoint not in partition table",
			zap.String("endpoint", self.Addr()))
	}
	logger = logger.With(zap.Int("shard", shardIdx), zap.Int("replica", replicaIdx))

	log, err := commitlog.Open(fmt.Sprintf("commit-log-%s-%d.txt", host, port))
	if err != nil {
		logger.Fatal("failed to open commit log", zap.Error(err))
	}
	defer log.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store := kv.New()
	sender := transport.NewClient(logger, cfg.Transport.RetryAttempts, cfg.Transport.RetryBackoff)

	replica := raft.New(table.Shard(shardIdx), replicaIdx, log, store, sender, raft.Options{
		ElectionPeriodMin: cfg.Raft.ElectionPeriodMin,
		ElectionPeriodMax: cfg.Raft.ElectionPeriodMax,
		RPCTimeout:        cfg.Raft.RPCTimeout,
		LeaseDuration:     cfg.Raft.LeaseDuration,
		HeartbeatInterval: cfg.Raft.HeartbeatInterval,
		SubmitTimeout:     cfg.Raft.SubmitTimeout,
	}, logger, m)
	replica.Start()
	defer replica.Close()

	rt := router.New(logger, table, shardIdx, replicaIdx, replica, store, sender, cfg.Raft.RPCTimeout, m)

	srv := server.New(logger, rt, cfg.Server.CommandsPerSecond, cfg.Server.Burst)
	if err := srv.Start(self.Addr()); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	defer srv.Close()

	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	logger.Info("replica ready", zap.String("addr", self.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
