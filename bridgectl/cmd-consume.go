package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/apply"
	"github.com/directdata/bridge/consumer"
)

type cmdConsume struct {
	Bridge    BridgeConfig    `group:"Bridge"`
	Warehouse WarehouseConfig `group:"Warehouse"`
	Log       LogConfig       `group:"Logging"`

	Extract      string        `long:"extract-type" env:"EXTRACT_TYPE" default:"INCR" choice:"INCR" choice:"LOG" description:"Queue lane to drain (FULL drains on the INCR lane while the vault is in full-load mode)"`
	MaxAttempts  int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"3" description:"Attempts before a PROCESSING window is left for the operator"`
	LeaseTTL     time.Duration `long:"lease-ttl" env:"LEASE_TTL" default:"15m" description:"Vault lease TTL"`
	Watch        bool          `long:"watch" description:"Keep servicing the queue on change events instead of exiting when drained"`
	PollInterval time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"1m" description:"Fallback poll interval under --watch"`
	MetricsPort  int           `long:"metrics-port" env:"METRICS_PORT" description:"Serve Prometheus metrics on this port (disabled when zero)"`
}

func (cmd *cmdConsume) Execute(_ []string) error {
	initLog(cmd.Log)
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store, err = cmd.Bridge.openStore()
	if err != nil {
		return fmt.Errorf("opening control plane: %w", err)
	}
	objects, err := cmd.Bridge.openStaging(ctx)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}
	alerts, err := cmd.Bridge.openAlerter(ctx)
	if err != nil {
		return fmt.Errorf("opening alerter: %w", err)
	}
	wh, err := apply.OpenRedshift(cmd.Warehouse.DSN, cmd.Warehouse.Schema, cmd.Warehouse.IAMRole)
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer wh.Close()

	if cmd.MetricsPort != 0 {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			var addr = fmt.Sprintf(":%d", cmd.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics server exited")
			}
		}()
	}

	var kind = consumer.KindIncremental
	if cmd.Extract == "LOG" {
		kind = consumer.KindLog
	}

	var engine = apply.NewEngine(objects, wh, wh.Generator())
	var cons = consumer.New(consumer.Config{
		VaultID:     cmd.Bridge.VaultID,
		Kind:        kind,
		Owner:       leaseOwner(),
		LeaseTTL:    cmd.LeaseTTL,
		MaxAttempts: cmd.MaxAttempts,
	}, store, engine, alerts)

	log.WithFields(log.Fields{
		"vault": cmd.Bridge.VaultID,
		"lane":  kind,
		"watch": cmd.Watch,
	}).Info("consumer starting")

	if cmd.Watch {
		var err = cons.Run(ctx, cmd.PollInterval)
		if ctx.Err() != nil {
			return nil // Signaled exit.
		}
		return err
	}
	return cons.RunOnce(ctx)
}

// leaseOwner derives a stable-enough lease owner identity for this
// process: the hostname plus a short random suffix, so concurrent
// runners on one host remain distinguishable.
func leaseOwner() string {
	var host, err = os.Hostname()
	if err != nil {
		host = "bridgectl"
	}
	return host + "-" + uuid.NewString()[:8]
}
