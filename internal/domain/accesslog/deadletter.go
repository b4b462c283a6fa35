package accesslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

// DeadLetterKey is the Redis list holding entries the recorder gave up on.
const DeadLetterKey = "hcen:audit:deadletter"

// DeadLetter receives entries that could not be written to the store.
type DeadLetter interface {
	Put(ctx context.Context, in RecordInput, cause error) error
}

// LogDeadLetter writes dropped entries to the log at error level. It is
// used when no Redis is configured.
type LogDeadLetter struct {
	logger zerolog.Logger
}

func NewLogDeadLetter(logger zerolog.Logger) *LogDeadLetter {
	return &LogDeadLetter{logger: logger.With().Str("component", "audit_deadletter").Logger()}
}

func (d *LogDeadLetter) Put(_ context.Context, in RecordInput, cause error) error {
	logEntry(d.logger.Error(), in).Err(cause).Msg("access log entry lost")
	return nil
}

func logEntry(ev *zerolog.Event, in RecordInput) *zerolog.Event {
	return ev.
		Str("professional_id", in.ProfessionalID).
		Str("patient_id", in.PatientID).
		Str("document_id", in.DocumentID).
		Str("tenant_id", in.TenantID).
		Bool("success", in.Success).
		Str("rejection_reason", in.RejectionReason).
		Time("accessed_at", in.AccessedAt)
}

// listClient is the subset of *redis.Client the dead letter uses.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

type deadLetterEntry struct {
	Entry    RecordInput `json:"entry"`
	Cause    string      `json:"cause,omitempty"`
	FailedAt time.Time   `json:"failedAt"`
}

// RedisDeadLetter keeps failed entries on a Redis list, newest at the head.
type RedisDeadLetter struct {
	client listClient
	key    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedisDeadLetter(client *redis.Client, logger zerolog.Logger) *RedisDeadLetter {
	return newRedisDeadLetter(client, logger)
}

func newRedisDeadLetter(client listClient, logger zerolog.Logger) *RedisDeadLetter {
	return &RedisDeadLetter{
		client: client,
		key:    DeadLetterKey,
		logger: logger.With().Str("component", "audit_deadletter").Logger(),
		now:    time.Now,
	}
}

// OpenRedis parses url and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (d *RedisDeadLetter) Put(ctx context.Context, in RecordInput, cause error) error {
	if in.AccessedAt.IsZero() {
		in.AccessedAt = d.now().UTC()
	}
	e := deadLetterEntry{Entry: in, FailedAt: d.now().UTC()}
	if cause != nil {
		e.Cause = cause.Error()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := d.client.LPush(ctx, d.key, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	logEntry(d.logger.Warn(), in).Err(cause).Msg("access log entry dead-lettered")
	return nil
}

// Len reports how many entries are waiting.
func (d *RedisDeadLetter) Len(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.key).Result()
}

// ReplayResult summarizes a Replay run.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Dropped  int `json:"dropped"`
}

// Replay moves up to max entries (all when max <= 0) from the list into
// store, oldest first. Entries that cannot be decoded or fail validation are
// dropped. A store failure pushes the entry back and stops the run.
func (d *RedisDeadLetter) Replay(ctx context.Context, store Store, max int) (ReplayResult, error) {
	var res ReplayResult
	for max <= 0 || res.Replayed+res.Dropped < max {
		raw, err := d.client.RPop(ctx, d.key).Result()
		if errors.Is(err, redis.Nil) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("pop dead letter: %w", err)
		}

		var e deadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			d.logger.Error().Err(err).Str("raw", raw).Msg("dropping undecodable dead letter")
			res.Dropped++
			continue
		}

		if _, err := store.Record(ctx, e.Entry); err != nil {
			if apperr.IsKind(err, apperr.KindValidation) {
				logEntry(d.logger.Error(), e.Entry).Err(err).Msg("dropping invalid dead letter")
				res.Dropped++
				continue
			}
			if perr := d.client.RPush(ctx, d.key, raw).Err(); perr != nil {
				logEntry(d.logger.Error(), e.Entry).Err(perr).Msg("failed to requeue dead letter")
			}
			return res, fmt.Errorf("replay dead letter: %w", err)
		}
		res.Replayed++
	}
	return res, nil
}
