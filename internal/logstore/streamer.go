package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jameslbarnes/dshield/internal/canonical"
)

// Producer is the small subset of Kafka producer behavior the Streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

// Streamer mirrors committed signed log entries to Kafka (downstream fan-out)
// and S3 (cold archive), using Postgres as the source of truth for what has
// and hasn't been streamed: it claims pending rows with
// SELECT ... FOR UPDATE SKIP LOCKED, processes them, and records the
// produce+archive result back onto the row so retries resume cleanly across
// restarts or multiple streamer instances.
type Streamer struct {
	store    *PostgresStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

// NewStreamer constructs a Streamer. Zero-valued cfg fields fall back to
// sensible defaults.
func NewStreamer(store *PostgresStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{store: store, producer: producer, archiver: archiver, cfg: cfg}
}

// Run starts the streamer loop and blocks until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[logstore.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[logstore.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		candidates, err := s.store.fetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[logstore.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(candidates) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, c := range candidates {
			select {
			case <-ctx.Done():
			default:
			}

			sem <- struct{}{}
			s.wg.Add(1)
			go func(c streamCandidate) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processCandidate(ctx, c); err != nil {
					log.Printf("[logstore.streamer] process %s/%d error: %v", c.functionID, c.sequence, err)
				}
			}(c)
		}

		// Drain the current batch before fetching more, keeping per-batch
		// ordering simple and bounded.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

func (s *Streamer) processCandidate(parentCtx context.Context, c streamCandidate) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.MarshalCanonical(c.entry)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("canonicalize envelope: %v", err), Valid: true}
		_ = s.store.markStreamResult(parentCtx, c.functionID, c.sequence, sql.NullString{}, false, errMsg)
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := []byte(c.functionID)
	producedAt, err := s.producer.Produce(ctx, key, canonBytes)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("kafka produce: %v", err), Valid: true}
		_ = s.store.markStreamResult(parentCtx, c.functionID, c.sequence, sql.NullString{}, false, errMsg)
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey sql.NullString
	if s.archiver != nil {
		objKey, err := s.archiver.ArchiveEntry(ctx, c.functionID, c.entry)
		if err != nil {
			errMsg := sql.NullString{String: fmt.Sprintf("s3 archive: %v", err), Valid: true}
			_ = s.store.markStreamResult(parentCtx, c.functionID, c.sequence, sql.NullString{}, false, errMsg)
			return fmt.Errorf("s3 archive: %w", err)
		}
		archivedKey = sql.NullString{String: objKey, Valid: true}
	}

	if err := s.store.markStreamResult(parentCtx, c.functionID, c.sequence, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}

	log.Printf("[logstore.streamer] %s/%d streamed: kafka_produced_at=%s archived_key=%v",
		c.functionID, c.sequence, producedAt.Format(time.RFC3339Nano), archivedKey)
	return nil
}
