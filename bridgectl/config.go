package main

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/directdata/bridge/alert"
	"github.com/directdata/bridge/controlplane"
	"github.com/directdata/bridge/staging"
)

// BridgeConfig is the control-plane and staging configuration shared by
// every verb.
type BridgeConfig struct {
	VaultID         string   `long:"vault" env:"VAULT_ID" required:"true" description:"Vault identifier"`
	QueueTable      string   `long:"queue-table" env:"QUEUE_TABLE_NAME" default:"bridge_queue" description:"Queue table name (etcd key prefix)"`
	StateTable      string   `long:"state-table" env:"STATE_TABLE_NAME" default:"bridge_state" description:"State table name (etcd key prefix)"`
	ObjectStoreRoot string   `long:"object-store-root" env:"OBJECT_STORE_ROOT" required:"true" description:"Object store root, as an s3:// URL"`
	EtcdEndpoints   []string `long:"etcd-endpoint" env:"ETCD_ENDPOINTS" env-delim:"," default:"http://localhost:2379" description:"Etcd endpoint (may be repeated)"`
	SNSTopicARN     string   `long:"sns-topic" env:"SNS_TOPIC_ARN" description:"SNS topic for critical failure alerts (log-only when unset)"`
}

// openStore dials etcd and returns the control-plane store.
func (cfg *BridgeConfig) openStore() (*controlplane.Etcd, error) {
	var cli, err = clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return controlplane.NewEtcd(cli, cfg.QueueTable, cfg.StateTable), nil
}

// openStaging opens the object staging store.
func (cfg *BridgeConfig) openStaging(ctx context.Context) (staging.Store, error) {
	return staging.NewS3(ctx, cfg.ObjectStoreRoot)
}

// openAlerter returns the SNS alerter, or the log alerter when no topic
// is configured.
func (cfg *BridgeConfig) openAlerter(ctx context.Context) (alert.Alerter, error) {
	if cfg.SNSTopicARN == "" {
		return alert.Log{}, nil
	}
	return alert.NewSNS(ctx, cfg.SNSTopicARN)
}

// WarehouseConfig locates the target warehouse.
type WarehouseConfig struct {
	DSN     string `long:"warehouse-dsn" env:"WAREHOUSE_DSN" required:"true" description:"Warehouse connection string"`
	Schema  string `long:"warehouse-schema" env:"WAREHOUSE_SCHEMA" default:"veeva" description:"Target schema"`
	IAMRole string `long:"copy-iam-role" env:"COPY_IAM_ROLE" required:"true" description:"IAM role ARN the warehouse assumes for COPY"`
}

// FeedConfig locates the vendor's Direct Data API.
type FeedConfig struct {
	BaseURL string `long:"feed-url" env:"VAULT_API_URL" required:"true" description:"Feed API base URL, through the version segment"`
	Session string `long:"feed-session" env:"VAULT_SESSION_ID" required:"true" description:"Feed session token"`
}
