package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"shardscale/internal/position"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis so several processes can share a
// job. Every key of a job carries the job id as a hash tag, keeping it on
// one cluster slot.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient creates a client and checks the server answers
func NewRedisClient(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// NewRedisStore wraps client; Close closes it
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func positionsKey(jobID, table string) string {
	return fmt.Sprintf("shardscale:{%s}:%s:positions", jobID, table)
}

func tasksKey(jobID string) string {
	return fmt.Sprintf("shardscale:{%s}:tasks", jobID)
}

func taskField(table, kind string) string {
	return table + "/" + kind
}

// SavePosition stores the position of one range in the table's hash
func (r *RedisStore) SavePosition(ctx context.Context, record *PositionRecord) error {
	encoded, err := position.Encode(record.Position)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, positionsKey(record.JobID, record.Table), record.RangeID, encoded).Err(); err != nil {
		return fmt.Errorf("failed to save position in redis: %w", err)
	}
	return nil
}

// LoadPositions returns every saved range position of a table task
func (r *RedisStore) LoadPositions(ctx context.Context, jobID, table string) (position.Map, error) {
	values, err := r.client.HGetAll(ctx, positionsKey(jobID, table)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load positions from redis: %w", err)
	}

	positions := make(position.Map, len(values))
	for rangeID, encoded := range values {
		p, err := position.Decode([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", rangeID, err)
		}
		positions[rangeID] = p
	}
	return positions, nil
}

// SaveTaskStatus stores the task record as JSON in the job's task hash
func (r *RedisStore) SaveTaskStatus(ctx context.Context, record *TaskRecord) error {
	record.UpdatedAt = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := r.client.HSet(ctx, tasksKey(record.JobID), taskField(record.Table, record.Kind), data).Err(); err != nil {
		return fmt.Errorf("failed to save task in redis: %w", err)
	}
	return nil
}

// GetTask returns nil without error when the task is unknown
func (r *RedisStore) GetTask(ctx context.Context, jobID, table, kind string) (*TaskRecord, error) {
	val, err := r.client.HGet(ctx, tasksKey(jobID), taskField(table, kind)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task from redis: %w", err)
	}

	var record TaskRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &record, nil
}

// ListFailedTasks returns the failed tasks of a job, oldest first
func (r *RedisStore) ListFailedTasks(ctx context.Context, jobID string) ([]*TaskRecord, error) {
	values, err := r.client.HGetAll(ctx, tasksKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks from redis: %w", err)
	}

	var records []*TaskRecord
	for _, val := range values {
		var record TaskRecord
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		if record.Status == StatusFailed {
			records = append(records, &record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.Before(records[j].UpdatedAt) })
	return records, nil
}

// Close closes the redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
