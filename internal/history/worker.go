package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
)

// Recorder persists conversion records; the Postgres repository implements it.
type Recorder interface {
	InsertConversion(ctx context.Context, c entities.Conversion) error
}

type Worker struct {
	rc       redis.UniversalClient
	cfg      config.HistoryConfig
	recorder Recorder
}

// Init wires the producer and starts the consumer side in the background.
func Init(ctx context.Context, rc redis.UniversalClient, cfg config.HistoryConfig, recorder Recorder) *Producer {
	producer := NewProducer(rc, cfg.Stream, cfg.MaxLen)
	worker := NewWorker(rc, cfg, recorder)

	go func() {
		if err := worker.Start(ctx); err != nil {
			log.Printf("[history] stopped: %v", err)
		}
	}()

	return producer
}

func NewWorker(rc redis.UniversalClient, cfg config.HistoryConfig, recorder Recorder) *Worker {
	return &Worker{
		rc:       rc,
		cfg:      cfg,
		recorder: recorder,
	}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := w.rc.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	log.Printf("[history] starting consumer group=%s stream=%s workers=%d",
		w.cfg.Group, w.cfg.Stream, w.cfg.Workers,
	)

	// Adopt orphaned pending messages
	w.autoClaim(ctx)

	errCh := make(chan error, w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		go func() {
			err := w.loop(ctx)
			if err != nil {
				log.Printf("[history] worker #%d stopped with error: %v", id, err)
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim scans the consumer group for messages that were delivered to
// other consumers but never acknowledged (a worker crashed or was killed
// before XACK) and takes ownership of them so they get retried.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	// A message must have been idle for a while before we reclaim it, so we
	// don't steal messages still being processed by slow workers.
	minIdle := 30 * time.Second
	if w.cfg.BlockTimeout > 0 {
		t := w.cfg.BlockTimeout * 6
		if t > minIdle {
			minIdle = t
		}
	}

	for {
		msgs, start, err := w.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		// XREADGROUP marks returned messages pending for this consumer;
		// they stay in the group's PEL until the deferred XACK in handle().
		// A crash before XACK leaves them for autoClaim on restart.
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				_ = w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) error {
	defer w.rc.XAck(ctx, w.cfg.Stream, w.cfg.Group, m.ID).Err()

	raw, ok := m.Values["payload"].(string)
	if !ok {
		return nil
	}
	var event ConversionEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		sentry.CaptureException(fmt.Errorf("history: malformed event %s: %w", m.ID, err))
		return nil
	}
	attempt := toInt(m.Values["attempt"])

	if err := w.process(ctx, event); err != nil {
		if attempt+1 >= w.cfg.MaxAttempts {
			sentry.CaptureException(fmt.Errorf("history: dropping event for %s after %d attempts: %w",
				event.AssetID, attempt+1, err))
			return nil
		}
		// simple exponential backoff requeue
		backoff := w.cfg.BackoffBase << attempt
		time.AfterFunc(backoff, func() {
			_ = w.rc.XAdd(context.Background(), &redis.XAddArgs{
				Stream: w.cfg.Stream,
				MaxLen: w.cfg.MaxLen,
				Values: map[string]any{
					"payload": raw,
					"attempt": attempt + 1,
				},
			}).Err()
		})
		return err
	}
	return nil
}

func (w *Worker) process(ctx context.Context, event ConversionEvent) error {
	record := entities.Conversion{
		AssetID:      event.AssetID,
		OriginalName: event.OriginalName,
		SourceFormat: strings.ToLower(event.SourceFormat),
		MimeType:     event.ContentType,
		Size:         event.Size,
		Width:        int16(event.Width),
		Height:       int16(event.Height),
		ClientKey:    event.ClientKey,
	}

	if err := w.recorder.InsertConversion(ctx, record); err != nil {
		return fmt.Errorf("insert conversion %s: %w", event.AssetID, err)
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
