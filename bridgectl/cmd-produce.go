package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/producer"
	"github.com/directdata/bridge/vault"
)

type cmdProduce struct {
	Bridge BridgeConfig `group:"Bridge"`
	Feed   FeedConfig   `group:"Feed"`
	Log    LogConfig    `group:"Logging"`

	Extract           string `long:"extract-type" env:"EXTRACT_TYPE" default:"INCR" choice:"INCR" choice:"LOG" choice:"FULL" description:"Extract type to stage"`
	DefaultStart      string `long:"default-start" env:"DEFAULT_START" default:"2000-01-01T00:00:00Z" description:"Listing start for a vault with no watermark (RFC 3339)"`
	UseDynamicWindow  bool   `long:"dynamic-window" env:"USE_DYNAMIC_WINDOW" description:"List from a fixed lookback behind now instead of the watermark"`
	DynamicLookback   int    `long:"dynamic-lookback-hours" env:"DYNAMIC_LOOKBACK_HOURS" default:"24" description:"Lookback in hours for --dynamic-window"`
	ConvertToColumnar bool   `long:"convert-to-columnar" env:"CONVERT_TO_COLUMNAR" description:"Normalize CSV values to warehouse-native forms while staging"`
	ChunkRows         int    `long:"chunk-rows" env:"CHUNK_ROWS" default:"100000" description:"Row flush interval of the CSV conversion"`
}

func (cmd *cmdProduce) Execute(_ []string) error {
	initLog(cmd.Log)
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var defaultStart, err = time.Parse(time.RFC3339, cmd.DefaultStart)
	if err != nil {
		return fmt.Errorf("parsing --default-start: %w", err)
	}
	store, err := cmd.Bridge.openStore()
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
	feed, err := vault.NewHTTPClient(cmd.Feed.BaseURL, cmd.Feed.Session)
	if err != nil {
		return err
	}

	var extract vault.ExtractType
	switch cmd.Extract {
	case "LOG":
		extract = vault.ExtractLog
	case "FULL":
		extract = vault.ExtractFull
	default:
		extract = vault.ExtractIncremental
	}

	var prod = producer.New(producer.Config{
		VaultID:           cmd.Bridge.VaultID,
		Extract:           extract,
		DefaultStart:      defaultStart,
		UseDynamicWindow:  cmd.UseDynamicWindow,
		DynamicLookback:   time.Duration(cmd.DynamicLookback) * time.Hour,
		ConvertToColumnar: cmd.ConvertToColumnar,
		ChunkRows:         cmd.ChunkRows,
	}, store, objects, feed, alerts)

	log.WithFields(log.Fields{
		"vault":   cmd.Bridge.VaultID,
		"extract": cmd.Extract,
	}).Info("producer tick starting")

	return prod.RunOnce(ctx)
}
