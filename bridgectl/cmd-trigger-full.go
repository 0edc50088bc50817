package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/producer"
)

type cmdTriggerFull struct {
	Bridge BridgeConfig `group:"Bridge"`
	Log    LogConfig    `group:"Logging"`

	SnapshotDate string `long:"snapshot-date" required:"true" description:"UTC date of the full snapshot to load (YYYY-MM-DD)"`
}

func (cmd *cmdTriggerFull) Execute(_ []string) error {
	initLog(cmd.Log)
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var date, err = time.Parse("2006-01-02", cmd.SnapshotDate)
	if err != nil {
		return fmt.Errorf("parsing --snapshot-date: %w", err)
	}
	store, err := cmd.Bridge.openStore()
	if err != nil {
		return fmt.Errorf("opening control plane: %w", err)
	}
	objects, err := cmd.Bridge.openStaging(ctx)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	if err := producer.TriggerFullLoad(ctx, store, objects, cmd.Bridge.VaultID, date); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"vault":    cmd.Bridge.VaultID,
		"snapshot": cmd.SnapshotDate,
	}).Info("full load triggered")
	return nil
}
