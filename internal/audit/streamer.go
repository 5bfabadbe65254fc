package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (time.Time, error)
	Close() error
}

// StreamerConfig configures the durable DB-first streamer.
type StreamerConfig struct {
	// BatchSize is how many events to claim per pass.
	BatchSize int

	// PollInterval is the sleep when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed events.
	MaxConcurrency int
}

// Streamer drains pending decision events from Postgres, produces each to
// Kafka and archives it to S3, then records the outcome so the DB stays the
// source of truth for retries.
type Streamer struct {
	store    *PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get sensible defaults.
func NewStreamer(store *PGStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, claiming and processing batches of
// pending events with bounded concurrency.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

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

		events, err := s.store.FetchPendingEvents(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		if len(events) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, ev := range events {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(ev *DecisionEvent) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEvent(ctx, ev); err != nil {
					// processEvent already recorded the DB result; just log.
					log.Printf("[audit.streamer] process event %s error: %v", ev.ID, err)
				}
			}(ev)
		}

		// Drain the current batch before claiming more so a slow batch
		// cannot pile up unbounded in-flight work.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEvent performs the produce -> archive sequence for one event and
// records the result via MarkEventStreamResult.
func (s *Streamer) processEvent(parentCtx context.Context, ev *DecisionEvent) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("marshal event: %v", err), Valid: true}
		_ = s.store.MarkEventStreamResult(parentCtx, ev.ID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("marshal event: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(ev.BotID), body)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("kafka produce: %v", err), Valid: true}
		_ = s.store.MarkEventStreamResult(parentCtx, ev.ID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("kafka produce: %w", err)
	}

	key, err := s.archiver.ArchiveEvent(ctx, ev)
	if err != nil {
		errMsg := sql.NullString{String: fmt.Sprintf("s3 archive: %v", err), Valid: true}
		_ = s.store.MarkEventStreamResult(parentCtx, ev.ID, sql.NullString{}, false, errMsg)
		return fmt.Errorf("s3 archive: %w", err)
	}

	archivedKey := sql.NullString{String: key, Valid: key != ""}
	if err := s.store.MarkEventStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark event streamed: %w", err)
	}

	log.Printf("[audit.streamer] event %s processed: kafka_produced_at=%s archived_key=%s", ev.ID, producedAt.Format(time.RFC3339Nano), key)
	return nil
}
