package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

const (
	chunkKeyPrefix    = "chunk:"
	chunkIndexKey     = "chunk_index"
	responseEmbKey    = "response_embeddings"
	responseEmbExpiry = 24 * time.Hour
)

// RedisStore is the KV chunk store. Each offloaded chunk lives in a
// hash under chunk:<job_id> with a TTL; chunk_index is a score-ordered
// set for recency scans; response_embeddings holds the echo guard's
// bounded recent-response set. Implements memory.ChunkStore.
type RedisStore struct {
	client   *redis.Client
	chunkTTL time.Duration
	logger   *zap.Logger
}

// RedisOptions selects the Redis instance.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	ChunkTTL time.Duration
}

func NewRedisStore(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if opts.ChunkTTL <= 0 {
		opts.ChunkTTL = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{
		client:   client,
		chunkTTL: opts.ChunkTTL,
		logger:   logger.With(zap.String("component", "redis-store")),
	}, nil
}

var _ memory.ChunkStore = (*RedisStore)(nil)

// StoreChunk persists the raw chunk text, its summary, and provenance
// metadata, then records the job in the recency index.
func (s *RedisStore) StoreChunk(ctx context.Context, job memory.OffloadJob, summary string) error {
	key := chunkKeyPrefix + job.JobID
	fields := map[string]any{
		"job_id":        job.JobID,
		"chunk_text":    job.ChunkText,
		"summary":       summary,
		"token_count":   job.TokenCount,
		"message_count": job.MessageCount,
		"metadata":      job.MetadataJSON(),
		"timestamp":     job.Timestamp.UTC().Format(time.RFC3339),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.chunkTTL)
	pipe.ZAdd(ctx, chunkIndexKey, redis.Z{
		Score:  float64(job.Timestamp.UnixNano()),
		Member: job.JobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store chunk %s: %w", job.JobID, err)
	}
	return nil
}

// GetChunksByIDs hydrates chunk records. Missing or expired jobs are
// silently skipped; fields narrows the hash read when only a subset is
// needed.
func (s *RedisStore) GetChunksByIDs(ctx context.Context, jobIDs []string, fields ...string) ([]memory.ChunkRecord, error) {
	records := make([]memory.ChunkRecord, 0, len(jobIDs))
	for _, id := range jobIDs {
		key := chunkKeyPrefix + id

		var vals map[string]string
		var err error
		if len(fields) == 0 {
			vals, err = s.client.HGetAll(ctx, key).Result()
		} else {
			raw, merr := s.client.HMGet(ctx, key, fields...).Result()
			if merr != nil {
				err = merr
			} else {
				vals = map[string]string{}
				for i, f := range fields {
					if str, ok := raw[i].(string); ok {
						vals[f] = str
					}
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("get chunk %s: %w", id, err)
		}
		if len(vals) == 0 {
			continue
		}
		records = append(records, memory.ChunkRecord{
			JobID:        id,
			ChunkText:    vals["chunk_text"],
			Summary:      vals["summary"],
			Metadata:     vals["metadata"],
			Timestamp:    vals["timestamp"],
			TokenCount:   vals["token_count"],
			MessageCount: vals["message_count"],
		})
	}
	return records, nil
}

// RecentChunkIDs returns the newest job ids, newest first.
func (s *RedisStore) RecentChunkIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, chunkIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent chunk ids: %w", err)
	}
	return ids, nil
}

// PushResponseEmbedding appends a response vector to the echo guard's
// history and trims the set to maxEntries.
func (s *RedisStore) PushResponseEmbedding(ctx context.Context, vec []float32, maxEntries int) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, responseEmbKey, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: string(data),
	})
	if maxEntries > 0 {
		// Keep only the maxEntries highest-score (newest) members.
		pipe.ZRemRangeByRank(ctx, responseEmbKey, 0, int64(-maxEntries-1))
	}
	pipe.Expire(ctx, responseEmbKey, responseEmbExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push response embedding: %w", err)
	}
	return nil
}

// RecentResponseEmbeddings returns the stored vectors, newest first.
// Entries that fail to decode are dropped rather than poisoning the
// echo check.
func (s *RedisStore) RecentResponseEmbeddings(ctx context.Context) ([][]float32, error) {
	members, err := s.client.ZRevRange(ctx, responseEmbKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent response embeddings: %w", err)
	}
	out := make([][]float32, 0, len(members))
	for _, m := range members {
		var vec []float32
		if err := json.Unmarshal([]byte(m), &vec); err != nil {
			s.logger.Warn("Dropping undecodable response embedding", zap.Error(err))
			continue
		}
		out = append(out, vec)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
