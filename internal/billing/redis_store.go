package billing

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

// DefaultStream is the Redis stream key used when none is configured.
const DefaultStream = "tokenspy:llm_calls"

// RedisStore keeps the durable log in a Redis stream, one entry per record with one field
// per column.
type RedisStore struct {
	opts   *redis.Options
	stream string
	logger *slog.Logger
}

func NewRedisStore(addr, stream string, opts ...Option) *RedisStore {
	return NewRedisStoreWithOptions(&redis.Options{Addr: addr}, stream, opts...)
}

func NewRedisStoreWithOptions(ro *redis.Options, stream string, opts ...Option) *RedisStore {
	if stream == "" {
		stream = DefaultStream
	}
	o := buildOptions(opts)
	return &RedisStore{opts: ro, stream: stream, logger: o.logger}
}

func (s *RedisStore) withClient(fn func(*redis.Client) error) error {
	client := redis.NewClient(s.opts)
	defer client.Close()
	return fn(client)
}

// Init verifies the server is reachable; streams are created on first append.
func (s *RedisStore) Init(ctx context.Context) error {
	return s.withClient(func(c *redis.Client) error {
		if err := c.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		return nil
	})
}

func (s *RedisStore) Append(ctx context.Context, rec usage.Record) error {
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	values := map[string]any{
		"function_name": r.Function,
		"call_stack":    r.CallStack,
		"model":         r.Model,
		"provider":      r.Provider,
		"input_tokens":  r.InputTokens,
		"output_tokens": r.OutputTokens,
		"cost_usd":      strconv.FormatFloat(r.CostUSD, 'g', -1, 64),
		"duration_ms":   strconv.FormatFloat(r.DurationMs, 'g', -1, 64),
		"timestamp":     strconv.FormatFloat(r.Timestamp, 'f', -1, 64),
	}
	if r.SessionID != nil {
		values["session_id"] = *r.SessionID
	}
	if r.Revision != nil {
		values["git_commit"] = *r.Revision
	}

	return s.withClient(func(c *redis.Client) error {
		err := c.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, Values: values}).Err()
		if err != nil {
			return fmt.Errorf("failed to log usage: %w", err)
		}
		return nil
	})
}

func (s *RedisStore) Load(ctx context.Context) ([]usage.Record, error) {
	var msgs []redis.XMessage
	err := s.withClient(func(c *redis.Client) error {
		var err error
		msgs, err = c.XRange(ctx, s.stream, "-", "+").Result()
		if err != nil {
			return fmt.Errorf("failed to read usage stream: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]usage.Record, 0, len(msgs))
	for _, msg := range msgs {
		r, err := rowFromStream(msg.Values)
		if err != nil {
			s.logger.Debug("skipping unreadable usage entry", "id", msg.ID, "error", err)
			continue
		}
		rec, err := r.record()
		if err != nil {
			s.logger.Debug("skipping corrupt usage entry", "id", msg.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	slices.SortStableFunc(records, func(a, b usage.Record) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
	return records, nil
}

func rowFromStream(values map[string]any) (row, error) {
	str := func(key string) (string, error) {
		v, ok := values[key].(string)
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		return v, nil
	}

	var (
		r   row
		err error
		raw string
	)
	if r.Function, err = str("function_name"); err != nil {
		return row{}, err
	}
	if r.CallStack, err = str("call_stack"); err != nil {
		return row{}, err
	}
	if r.Model, err = str("model"); err != nil {
		return row{}, err
	}
	if r.Provider, err = str("provider"); err != nil {
		return row{}, err
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"input_tokens", &r.InputTokens},
		{"output_tokens", &r.OutputTokens},
	}
	for _, f := range ints {
		if raw, err = str(f.key); err != nil {
			return row{}, err
		}
		if *f.dst, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return row{}, fmt.Errorf("field %s: %w", f.key, err)
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"cost_usd", &r.CostUSD},
		{"duration_ms", &r.DurationMs},
		{"timestamp", &r.Timestamp},
	}
	for _, f := range floats {
		if raw, err = str(f.key); err != nil {
			return row{}, err
		}
		if *f.dst, err = strconv.ParseFloat(raw, 64); err != nil {
			return row{}, fmt.Errorf("field %s: %w", f.key, err)
		}
	}

	if v, ok := values["session_id"].(string); ok {
		r.SessionID = &v
	}
	if v, ok := values["git_commit"].(string); ok {
		r.Revision = &v
	}
	return r, nil
}
