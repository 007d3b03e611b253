// Package kafka mirrors committed audit entries to a Kafka topic so external
// compliance tooling can consume the trail without reading our database.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"heirloom/internal/audit"
)

// Publisher produces audit entries to Kafka, keyed by vault ID so per-vault
// ordering survives partitioning.
type Publisher struct {
	client *kgo.Client
	topic  string
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic}, nil
}

// payload is the wire representation of an audit entry.
type payload struct {
	Sequence   int64  `json:"sequence"`
	Timestamp  string `json:"timestamp"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	VaultID    string `json:"vault_id"`
	Action     string `json:"action"`
	FromState  string `json:"from_state,omitempty"`
	ToState    string `json:"to_state,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Reason     string `json:"reason,omitempty"`
	PrevHash   string `json:"prev_hash"`
	Hash       string `json:"hash"`
}

// Publish produces one entry synchronously.
func (p *Publisher) Publish(ctx context.Context, entry audit.Entry) error {
	body, err := json.Marshal(payload{
		Sequence:   entry.Sequence,
		Timestamp:  entry.Timestamp.UTC().Format(time.RFC3339Nano),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		VaultID:    entry.VaultID.String(),
		Action:     entry.Action,
		FromState:  entry.FromState,
		ToState:    entry.ToState,
		Actor:      entry.Actor,
		Reason:     entry.Reason,
		PrevHash:   entry.PrevHash,
		Hash:       entry.Hash,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(entry.VaultID.String()),
		Value: body,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit entry: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}
