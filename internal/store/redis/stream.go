package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageTransport moves JSON messages through an append-only stream. The
// ingestion worker consumes indexing workorders through this interface so the
// queue backend can be swapped without touching the worker.
type MessageTransport interface {
	// PublishJSON appends v to the stream and returns the assigned entry id.
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
	// ReadJSON blocks until an entry with id greater than lastID is
	// available, decodes it into dst, and returns the entry id.
	ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error)
	Close() error
}

const (
	streamPayloadField = "payload"
	streamReadBlock    = 5 * time.Second
)

// Stream is the Redis Streams implementation of MessageTransport. It also
// persists consumer checkpoints so a restarted worker resumes where it left off.
type Stream struct {
	client *redis.Client
}

func NewStream(url string) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

func (s *Stream) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream message: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{streamPayloadField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (s *Stream) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	if strings.TrimSpace(lastID) == "" {
		lastID = "0"
	}
	for {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   1,
			Block:   streamReadBlock,
		}).Result()
		if err == redis.Nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("xread %s: %w", stream, err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}

		msg := res[0].Messages[0]
		payload, err := streamPayload(msg.Values[streamPayloadField])
		if err != nil {
			return "", fmt.Errorf("stream %s entry %s: %w", stream, msg.ID, err)
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return "", fmt.Errorf("unmarshal stream %s entry %s: %w", stream, msg.ID, err)
		}
		return msg.ID, nil
	}
}

// StreamLen reports the number of entries in the stream.
func (s *Stream) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func (s *Stream) LoadStreamCheckpoint(ctx context.Context, checkpointKey string) (string, error) {
	if strings.TrimSpace(checkpointKey) == "" {
		return "", nil
	}
	val, err := s.client.Get(ctx, checkpointKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint %s: %w", checkpointKey, err)
	}
	return val, nil
}

func (s *Stream) PersistStreamCheckpoint(ctx context.Context, checkpointKey, streamID string) error {
	if strings.TrimSpace(checkpointKey) == "" {
		return nil
	}
	if err := validateStreamOffset(streamID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, checkpointKey, streamID, 0).Err(); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", checkpointKey, err)
	}
	return nil
}

// InMemoryStream is a single-process MessageTransport used when no Redis URL
// is configured. Semantics mirror the Redis implementation closely enough for
// the worker to be oblivious to the backend.
type InMemoryStream struct {
	mu          sync.Mutex
	cond        *sync.Cond
	streams     map[string][]inMemoryEntry
	checkpoints map[string]string
}

type inMemoryEntry struct {
	seq     int64
	payload []byte
}

func NewInMemoryStream() *InMemoryStream {
	s := &InMemoryStream{
		streams:     make(map[string][]inMemoryEntry),
		checkpoints: make(map[string]string),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *InMemoryStream) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64 = 1
	if entries := s.streams[stream]; len(entries) > 0 {
		seq = entries[len(entries)-1].seq + 1
	}
	s.streams[stream] = append(s.streams[stream], inMemoryEntry{seq: seq, payload: data})
	s.cond.Broadcast()
	return strconv.FormatInt(seq, 10), nil
}

func (s *InMemoryStream) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	after, err := parseStreamOffset(lastID)
	if err != nil {
		return "", err
	}

	// Wake waiters when the context ends; sync.Cond has no native ctx support.
	// The broadcast must hold the mutex: an unlocked broadcast can land between
	// the reader's ctx check and its re-entry into Wait and wake nobody.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for _, entry := range s.streams[stream] {
			if entry.seq > after {
				if err := json.Unmarshal(entry.payload, dst); err != nil {
					return "", fmt.Errorf("unmarshal stream %s entry %d: %w", stream, entry.seq, err)
				}
				return strconv.FormatInt(entry.seq, 10), nil
			}
		}
		s.cond.Wait()
	}
}

// StreamLen reports the number of entries published to the stream.
func (s *InMemoryStream) StreamLen(_ context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[stream])), nil
}

func (s *InMemoryStream) LoadStreamCheckpoint(_ context.Context, checkpointKey string) (string, error) {
	if strings.TrimSpace(checkpointKey) == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[checkpointKey], nil
}

func (s *InMemoryStream) PersistStreamCheckpoint(_ context.Context, checkpointKey, streamID string) error {
	if strings.TrimSpace(checkpointKey) == "" {
		return nil
	}
	if err := validateStreamOffset(streamID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey] = streamID
	return nil
}

func (s *InMemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string][]inMemoryEntry)
	s.checkpoints = make(map[string]string)
	s.cond.Broadcast()
	return nil
}

// streamPayload normalizes the value stored in a stream entry's payload field.
func streamPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("stream payload type %T not supported", v)
	}
}

// parseStreamOffset extracts the millisecond component of a stream entry id.
// Negative values clamp to zero so a corrupt checkpoint replays from the start
// instead of wedging the consumer.
func parseStreamOffset(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	idPart := trimmed
	if idx := strings.Index(trimmed, "-"); idx > 0 {
		idPart = trimmed[:idx]
	}
	n, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream offset %q: %w", raw, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func validateStreamOffset(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0" {
		return nil
	}

	parts := strings.SplitN(trimmed, "-", 2)
	if len(parts) == 2 {
		if strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return fmt.Errorf("invalid stream offset %q: missing components", raw)
		}
		msg, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil || msg < 0 {
			return fmt.Errorf("invalid stream offset %q: malformed id", raw)
		}
		seq, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || seq < 0 {
			return fmt.Errorf("invalid stream offset %q: malformed id", raw)
		}
		return nil
	}

	msg, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || msg < 0 {
		return fmt.Errorf("invalid stream offset %q: malformed id", raw)
	}
	return nil
}
