// services/lockplane/internal/core/commands.go
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Command is one lock/unlock instruction for a device.
type Command struct {
	IMEI      string
	Type      CommandType
	Reason    string
	ActorType ActorType
	ActorID   string
	Metadata  map[string]interface{}
}

// --- Command Channel Implementation ---

// CommandChannel is the single path through which device lock state changes.
// Every call appends a LockEvent in the same transaction as the state write,
// then wakes the agent on a best-effort basis after commit.
type CommandChannel struct {
	store       DataStore
	registry    *DeviceRegistry
	notifier    AgentNotifier
	publisher   EventPublisher
	metrics     MetricsRecorder
	pushTimeout time.Duration
	logger      *logrus.Logger
	wg          sync.WaitGroup
}

func NewCommandChannel(store DataStore, registry *DeviceRegistry, notifier AgentNotifier, publisher EventPublisher, metrics MetricsRecorder, pushTimeout time.Duration, logger *logrus.Logger) *CommandChannel {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if pushTimeout <= 0 {
		pushTimeout = 3 * time.Second
	}
	return &CommandChannel{
		store:       store,
		registry:    registry,
		notifier:    notifier,
		publisher:   publisher,
		metrics:     metrics,
		pushTimeout: pushTimeout,
		logger:      logger,
	}
}

// Execute applies cmd atomically and schedules the agent wake-up.
func (c *CommandChannel) Execute(ctx context.Context, cmd Command) (*LockEvent, error) {
	var event *LockEvent
	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		event, err = c.apply(ctx, tx, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.dispatch(event)
	return event, nil
}

// History returns the device's lock events, newest first.
func (c *CommandChannel) History(ctx context.Context, imei string, filter ListFilter) (*Page[*LockEvent], error) {
	if _, err := c.registry.Get(ctx, imei); err != nil {
		return nil, err
	}
	filter = filter.Normalize()
	events, total, err := c.store.ListLockEvents(ctx, imei, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list lock events: %w", err)
	}
	return &Page[*LockEvent]{Items: events, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// apply writes the lock state and its LockEvent inside tx. Devices that have
// not completed enrollment cannot be commanded.
func (c *CommandChannel) apply(ctx context.Context, tx DataStore, cmd Command) (*LockEvent, error) {
	target, err := cmd.Type.TargetState()
	if err != nil {
		return nil, err
	}
	if cmd.ActorType == "" {
		return nil, ErrInvalidCommand.WithMessage("actor type is required")
	}

	device, err := tx.GetDeviceForUpdate(ctx, cmd.IMEI)
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	if device.LockState == LockStatePendingSetup {
		return nil, ErrDeviceNotEnrolled
	}

	previous := device.LockState
	if err := c.registry.setLockState(ctx, tx, device, target); err != nil {
		return nil, err
	}

	return c.appendEvent(ctx, tx, device.IMEI, cmd, previous, target)
}

// appendEvent records an audit entry for a state write already made in tx.
func (c *CommandChannel) appendEvent(ctx context.Context, tx DataStore, imei string, cmd Command, previous, next LockState) (*LockEvent, error) {
	event := &LockEvent{
		DeviceIMEI:    imei,
		Command:       cmd.Type,
		Reason:        cmd.Reason,
		ActorType:     cmd.ActorType,
		ActorID:       cmd.ActorID,
		PreviousState: previous,
		NewState:      next,
		CreatedAt:     time.Now().UTC(),
	}
	if len(cmd.Metadata) > 0 {
		raw, err := json.Marshal(cmd.Metadata)
		if err != nil {
			return nil, ErrInvalidCommand.WithMessage("metadata is not serializable")
		}
		event.Metadata = raw
	}

	if err := tx.CreateLockEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append lock event: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"imei":           imei,
		"command":        cmd.Type,
		"actor_type":     cmd.ActorType,
		"actor_id":       cmd.ActorID,
		"previous_state": previous,
		"new_state":      next,
	}).Info("Lock command applied")
	return event, nil
}

// dispatch runs post-commit side effects. Failures are logged and never surface.
func (c *CommandChannel) dispatch(event *LockEvent) {
	if event == nil {
		return
	}
	c.metrics.RecordLockCommand(event.Command, event.ActorType, event.StateChanged())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		defer cancel()

		c.push(ctx, event)

		if err := c.publisher.Publish(ctx, TopicLockCommand, event); err != nil {
			c.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to publish lock event")
		}
	}()
}

// Redeliver re-sends the wake-up for an undelivered event synchronously.
func (c *CommandChannel) Redeliver(ctx context.Context, event *LockEvent) bool {
	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()
	return c.push(ctx, event)
}

// Undelivered lists events whose wake-up never reached the agent.
func (c *CommandChannel) Undelivered(ctx context.Context, since time.Time, limit int) ([]*LockEvent, error) {
	return c.store.ListUndeliveredLockEvents(ctx, since, limit)
}

func (c *CommandChannel) push(ctx context.Context, event *LockEvent) bool {
	err := c.notifier.Wake(ctx, event.DeviceIMEI, event)
	c.metrics.RecordPush(err == nil)

	// Delivery bookkeeping must outlive a push that consumed the whole timeout.
	bookCtx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
	defer cancel()

	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"imei":     event.DeviceIMEI,
			"event_id": event.ID,
		}).Warn("Agent wake-up failed")
		if err := c.store.IncrementLockEventAttempts(bookCtx, event.ID); err != nil {
			c.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to record delivery attempt")
		}
		return false
	}

	if err := c.store.MarkLockEventDelivered(bookCtx, event.ID); err != nil {
		c.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to mark lock event delivered")
	}
	return true
}

// Wait blocks until in-flight wake-ups finish.
func (c *CommandChannel) Wait() {
	c.wg.Wait()
}
