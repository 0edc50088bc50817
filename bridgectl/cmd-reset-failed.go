package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/controlplane"
)

type cmdResetFailed struct {
	Bridge BridgeConfig `group:"Bridge"`
	Log    LogConfig    `group:"Logging"`

	LoadType string `long:"load-type" default:"INCR" choice:"INCR" choice:"LOG" choice:"FULL" description:"Load type of the window"`
	StopTime string `long:"stoptime" required:"true" description:"Logical time key of the window (YYYYMMDDHHMM for INCR, YYYYMMDD otherwise)"`
}

func (cmd *cmdResetFailed) Execute(_ []string) error {
	initLog(cmd.Log)
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store, err = cmd.Bridge.openStore()
	if err != nil {
		return fmt.Errorf("opening control plane: %w", err)
	}

	var key = controlplane.EntryKey{
		VaultID:     cmd.Bridge.VaultID,
		LoadType:    controlplane.LoadType(cmd.LoadType),
		LogicalTime: cmd.StopTime,
	}
	entry, err := store.ConditionalUpdate(ctx, key, controlplane.StatusFailed,
		controlplane.EntryUpdate{Status: controlplane.StatusReady})
	if err != nil {
		return fmt.Errorf("resetting window %s: %w", controlplane.SortKey(key.LoadType, key.LogicalTime), err)
	}

	log.WithFields(log.Fields{
		"vault":    entry.VaultID,
		"window":   entry.SortKey(),
		"attempts": entry.AttemptCount,
	}).Info("window reset to READY")
	return nil
}
