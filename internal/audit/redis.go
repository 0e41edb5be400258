package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends audit records to a capped Redis list, newest first.
type RedisSink struct {
	client redis.UniversalClient
	key    string
	limit  int
}

// NewRedisSink creates a sink keeping at most limit records under
// <prefix>audit.
func NewRedisSink(client redis.UniversalClient, prefix string, limit int) *RedisSink {
	if limit <= 0 {
		limit = 10000
	}
	return &RedisSink{client: client, key: prefix + "audit", limit: limit}
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, int64(s.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	values, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	out := make([]*Record, 0, len(values))
	for _, v := range values {
		rec := &Record{}
		if err := json.Unmarshal([]byte(v), rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements Sink. The Redis client is shared, so closing the
// sink does not close it.
func (s *RedisSink) Close() error {
	return nil
}

// LogSink writes audit records to the application log. The fallback
// when Redis is disabled.
type LogSink struct {
	log func(rec *Record)
}

// NewLogSink creates a sink calling log for every record.
func NewLogSink(log func(rec *Record)) *LogSink {
	return &LogSink{log: log}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, rec *Record) error {
	s.log(rec)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error {
	return nil
}
