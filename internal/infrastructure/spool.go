// services/lockplane/internal/infrastructure/spool.go
package infrastructure

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SpoolEntry is one domain event whose publish failed.
type SpoolEntry struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	SpooledAt time.Time       `json:"spooled_at"`
}

// EventSpool is an append-only JSON-lines file of unpublished events.
type EventSpool struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewEventSpool opens or creates the spool at path.
func NewEventSpool(path string) (*EventSpool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	return &EventSpool{path: path, file: file}, nil
}

// Append spools message under topic and syncs it to disk.
func (s *EventSpool) Append(topic string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal spooled event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.file, SpoolEntry{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		SpooledAt: time.Now().UTC(),
	})
}

func (s *EventSpool) write(f *os.File, entry SpoolEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal spool entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write to spool: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	return nil
}

// Pending returns every spooled entry in append order.
func (s *EventSpool) Pending() ([]SpoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

func (s *EventSpool) readAll() ([]SpoolEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool for reading: %w", err)
	}
	defer f.Close()

	var entries []SpoolEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry SpoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn trailing write is skipped rather than blocking replay.
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	return entries, nil
}

// Replay republishes spooled events through publisher and compacts the
// spool down to the entries that failed again.
func (s *EventSpool) Replay(ctx context.Context, publisher core.EventPublisher) (replayed, remaining int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return 0, 0, err
	}

	var failed []SpoolEntry
	for _, entry := range entries {
		if ctx.Err() != nil {
			failed = append(failed, entry)
			continue
		}
		if err := publisher.Publish(ctx, entry.Topic, entry.Payload); err != nil {
			entry.Attempts++
			failed = append(failed, entry)
			continue
		}
		replayed++
	}

	if err := s.compact(failed); err != nil {
		return replayed, len(failed), err
	}
	return replayed, len(failed), nil
}

// compact rewrites the spool with entries through a temp file and rename.
func (s *EventSpool) compact(entries []SpoolEntry) error {
	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compacted spool: %w", err)
	}
	for _, entry := range entries {
		if err := s.write(tmp, entry); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compacted spool: %w", err)
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close spool: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace spool: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen spool: %w", err)
	}
	s.file = file
	return nil
}

func (s *EventSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// SpoolingPublisher publishes through next and spools events it cannot deliver.
type SpoolingPublisher struct {
	next   core.EventPublisher
	spool  *EventSpool
	logger *logrus.Logger
}

func NewSpoolingPublisher(next core.EventPublisher, spool *EventSpool, logger *logrus.Logger) *SpoolingPublisher {
	return &SpoolingPublisher{next: next, spool: spool, logger: logger}
}

// Publish only fails when the event could neither be sent nor spooled.
func (p *SpoolingPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	err := p.next.Publish(ctx, topic, message)
	if err == nil {
		return nil
	}

	if spoolErr := p.spool.Append(topic, message); spoolErr != nil {
		return fmt.Errorf("publish failed (%v) and spooling failed: %w", err, spoolErr)
	}
	p.logger.WithError(err).WithField("topic", topic).Warn("Event publish failed, spooled for replay")
	return nil
}
