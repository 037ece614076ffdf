package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink writes events as JSON lines to a rotating file
type FileSink struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// FileSinkConfig configures the file sink
type FileSinkConfig struct {
	Path       string // audit log file
	MaxSizeMB  int    // rotate after this many megabytes (default: 100)
	MaxBackups int    // rotated files to keep (default: 10)
	MaxAgeDays int    // rotated files older than this are removed (default: 90)
	Compress   bool   // gzip rotated files
}

// DefaultFileSinkConfig returns default configuration
func DefaultFileSinkConfig() FileSinkConfig {
	return FileSinkConfig{
		Path:       "/var/log/tenantguard/audit.log",
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 90,
		Compress:   true,
	}
}

// NewFileSink creates a file sink rotating with lumberjack
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit file path is required")
	}
	def := DefaultFileSinkConfig()
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = def.MaxAgeDays
	}
	return &FileSink{writer: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}, nil
}

// NewWriterSink writes JSON lines to w
func NewWriterSink(w io.WriteCloser) *FileSink {
	return &FileSink{writer: w}
}

// Append implements Sink. The batch is written with a single write call.
func (s *FileSink) Append(_ context.Context, events []*Event) error {
	var buf strings.Builder
	for _, ev := range events {
		data, err := ev.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.writer, buf.String()); err != nil {
		return fmt.Errorf("failed to write audit events: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// DBSink appends events to the audit_logs table
type DBSink struct {
	db *sql.DB
}

// NewDBSink creates a database sink. The table is created by migrations.
func NewDBSink(db *sql.DB) (*DBSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBSink{db: db}, nil
}

// Append implements Sink. Events already stored are skipped, so a batch can
// be retried after a partial failure.
func (s *DBSink) Append(ctx context.Context, events []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_logs (
			event_id, timestamp, user_id, organization_id, membership_id, api_key_id,
			action, resource, resource_id, outcome, error_kind, request_id, message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var metadata interface{}
		if ev.Metadata != nil {
			data, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
			metadata = data
		}
		_, err = stmt.ExecContext(ctx,
			ev.EventID, ev.Timestamp, ev.UserID, ev.OrganizationID, ev.MembershipID, ev.APIKeyID,
			ev.Action, ev.Resource, ev.ResourceID, ev.Outcome, ev.ErrorKind, ev.RequestID, ev.Message, metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit event %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit events: %w", err)
	}
	return nil
}

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a topic of the managed log service. Messages
// are keyed by event id so consumers can deduplicate.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		timeout: 5 * time.Second,
	}, nil
}

// Append implements Sink
func (s *KafkaSink) Append(ctx context.Context, events []*Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := ev.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.EventID), Value: data, Time: ev.Timestamp})
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return fmt.Errorf("failed to publish audit events: %w", err)
	}
	return nil
}

// Close closes the Kafka writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// MultiSink appends every batch to all of its sinks. A failure of one sink
// does not stop the others. The errors are aggregated and the emitter
// retries the whole batch, so healthy sinks may see it twice.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Append implements Sink
func (m *MultiSink) Append(ctx context.Context, events []*Event) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, sink := range m.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Append(ctx, events); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(sink)
	}
	wg.Wait()
	return result.ErrorOrNil()
}
