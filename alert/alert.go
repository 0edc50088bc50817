// Package alert raises operator notifications when a window is parked
// FAILED and the pipeline halts behind it.
package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	log "github.com/sirupsen/logrus"
)

// Alerter publishes a critical failure notice. Implementations must be
// safe to call from the consumer's failure path, and must never fail the
// pipeline themselves.
type Alerter interface {
	CriticalFailure(ctx context.Context, vaultID, sortKey, reason string)
}

// SNS publishes alerts to an AWS SNS topic.
type SNS struct {
	client   *sns.Client
	topicARN string
}

// NewSNS builds an SNS alerter from the ambient AWS configuration.
func NewSNS(ctx context.Context, topicARN string) (*SNS, error) {
	var cfg, err = awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return &SNS{client: sns.NewFromConfig(cfg), topicARN: topicARN}, nil
}

// CriticalFailure implements Alerter. Publish errors are logged and
// swallowed so that alerting never compounds the original failure.
func (s *SNS) CriticalFailure(ctx context.Context, vaultID, sortKey, reason string) {
	var body, _ = json.MarshalIndent(map[string]string{
		"vault_id":     vaultID,
		"window":       sortKey,
		"error":        reason,
		"status":       "CRITICAL_FAILURE",
		"action_taken": "Window parked FAILED. Manual intervention required.",
	}, "", "  ")

	var _, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String("[directdata-bridge] Critical pipeline failure"),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		log.WithFields(log.Fields{
			"vault":  vaultID,
			"window": sortKey,
			"error":  err,
		}).Error("failed to publish failure alert")
	}
}

// Log is an Alerter which only logs, for deployments without a topic and
// for tests.
type Log struct{}

// CriticalFailure implements Alerter.
func (Log) CriticalFailure(_ context.Context, vaultID, sortKey, reason string) {
	log.WithFields(log.Fields{
		"vault":  vaultID,
		"window": sortKey,
		"reason": reason,
	}).Error("window parked FAILED; manual intervention required")
}

var (
	_ Alerter = (*SNS)(nil)
	_ Alerter = Log{}
)
