// services/lockplane/internal/core/interfaces.go
package core

import (
	"context"
	"time"
)

// AgentNotifier wakes a device agent so it polls for policy early.
type AgentNotifier interface {
	Wake(ctx context.Context, imei string, event *LockEvent) error
}

// EventPublisher emits domain events after commit.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// Deduplicator claims a key for ttl. Claim returns false when the key is already held.
type Deduplicator interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MetricsRecorder receives domain counters.
type MetricsRecorder interface {
	RecordLockCommand(command CommandType, actor ActorType, changed bool)
	RecordEnrollment(outcome string)
	RecordWebhook(event, outcome string)
	RecordPush(success bool)
}

// Event topics.
const (
	TopicLockCommand       = "lock.command"
	TopicBillingPaid       = "billing.paid"
	TopicBillingPending    = "billing.pending"
	TopicBillingReversed   = "billing.reversed"
	TopicLoanStatusChanged = "loan.status_changed"
)

type noopNotifier struct{}

func (noopNotifier) Wake(context.Context, string, *LockEvent) error { return nil }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, interface{}) error { return nil }

type noopMetrics struct{}

func (noopMetrics) RecordLockCommand(CommandType, ActorType, bool) {}
func (noopMetrics) RecordEnrollment(string)                         {}
func (noopMetrics) RecordWebhook(string, string)                    {}
func (noopMetrics) RecordPush(bool)                                 {}
