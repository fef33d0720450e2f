package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/swipeflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "swipeflow:job"

var createJobScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// transitionJobScript applies a status-conditional update to one job hash.
// ARGV: target status, comma separated allowed statuses, updated_at,
// retry_count floor (-1 to leave untouched), then field/value pairs.
// Fields prefixed with "?" are only written when currently empty.
// Replies {code, HGETALL} so the caller sees the record this call left behind.
var transitionJobScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return {0, {}}
end

local allowed = false
for s in string.gmatch(ARGV[2], "[^,]+") do
  if s == status then
    allowed = true
  end
end
if not allowed then
  return {2, redis.call("HGETALL", KEYS[1])}
end

redis.call("HSET", KEYS[1], "status", ARGV[1], "updated_at", ARGV[3])

local floor = tonumber(ARGV[4])
if floor >= 0 then
  local current = tonumber(redis.call("HGET", KEYS[1], "retry_count") or "0") or 0
  if floor > current then
    redis.call("HSET", KEYS[1], "retry_count", floor)
  end
end

for i = 5, #ARGV, 2 do
  local field = ARGV[i]
  if string.sub(field, 1, 1) == "?" then
    field = string.sub(field, 2)
    local existing = redis.call("HGET", KEYS[1], field)
    if not existing or existing == "" then
      redis.call("HSET", KEYS[1], field, ARGV[i + 1])
    end
  else
    redis.call("HSET", KEYS[1], field, ARGV[i + 1])
  end
end

return {1, redis.call("HGETALL", KEYS[1])}
`)

var discardJobScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return 1
end
local started = redis.call("HGET", KEYS[1], "started_at")
if status ~= ARGV[1] or (started and started ~= "") then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

type RedisJobStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func NewRedisJobStore(client redis.UniversalClient, keyPrefix string) (*RedisJobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisJobStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisJobStore) key(id string) string {
	return s.keyPrefix + ":" + id
}

func (s *RedisJobStore) Create(ctx context.Context, job domain.Job) error {
	fields, err := encodeJobFields(job)
	if err != nil {
		return err
	}

	created, err := createJobScript.Run(ctx, s.client, []string{s.key(job.ID)}, fields...).Int()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, domain.ErrJobExists)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	values, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	if len(values) == 0 {
		return domain.Job{}, false, nil
	}

	job, err := decodeJobFields(values)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *RedisJobStore) MarkProcessing(ctx context.Context, id string, retryCount int) (domain.Job, error) {
	now := formatTime(s.now())
	return s.transition(ctx, id, domain.StatusProcessing, retryCount, "?started_at", now)
}

func (s *RedisJobStore) ScheduleRetry(ctx context.Context, id string, retryCount int, lastError string) (domain.Job, error) {
	return s.transition(ctx, id, domain.StatusProcessing, retryCount, "error", lastError)
}

func (s *RedisJobStore) Complete(ctx context.Context, id string, result domain.Result) (domain.Job, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job result: %w", err)
	}
	return s.transition(ctx, id, domain.StatusCompleted, -1,
		"result", string(body),
		"error", "",
		"finished_at", formatTime(s.now()),
	)
}

func (s *RedisJobStore) Fail(ctx context.Context, id string, message string) (domain.Job, error) {
	return s.transition(ctx, id, domain.StatusFailed, -1,
		"error", message,
		"finished_at", formatTime(s.now()),
	)
}

func (s *RedisJobStore) Discard(ctx context.Context, id string) error {
	ok, err := discardJobScript.Run(ctx, s.client, []string{s.key(id)}, string(domain.StatusQueued)).Int()
	if err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("discard job %s: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func (s *RedisJobStore) transition(ctx context.Context, id string, to domain.Status, retryFloor int, pairs ...string) (domain.Job, error) {
	args := make([]any, 0, 4+len(pairs))
	args = append(args, string(to), joinStatuses(domain.AllowedFrom(to)), formatTime(s.now()), retryFloor)
	for _, p := range pairs {
		args = append(args, p)
	}

	raw, err := transitionJobScript.Run(ctx, s.client, []string{s.key(id)}, args...).Slice()
	if err != nil {
		return domain.Job{}, fmt.Errorf("transition job to %s: %w", to, err)
	}
	if len(raw) != 2 {
		return domain.Job{}, fmt.Errorf("invalid transition response")
	}
	code, ok := raw[0].(int64)
	if !ok {
		return domain.Job{}, fmt.Errorf("invalid transition response code %T", raw[0])
	}
	if code == 0 {
		return domain.Job{}, domain.ErrJobNotFound
	}

	values, err := hashReply(raw[1])
	if err != nil {
		return domain.Job{}, err
	}
	job, err := decodeJobFields(values)
	if err != nil {
		return domain.Job{}, err
	}
	if code == 2 {
		return job, fmt.Errorf("%s -> %s: %w", job.Status, to, domain.ErrInvalidTransition)
	}
	return job, nil
}

// hashReply turns a flat HGETALL array reply into a field map.
func hashReply(reply any) (map[string]string, error) {
	flat, ok := reply.([]any)
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("invalid job hash reply %T", reply)
	}
	values := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		field, fok := flat[i].(string)
		value, vok := flat[i+1].(string)
		if !fok || !vok {
			return nil, fmt.Errorf("invalid job hash entry %T=%T", flat[i], flat[i+1])
		}
		values[field] = value
	}
	return values, nil
}

func encodeJobFields(job domain.Job) ([]any, error) {
	result := ""
	if job.Result != nil {
		body, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal job result: %w", err)
		}
		result = string(body)
	}

	return []any{
		"id", job.ID,
		"target_url", job.TargetURL,
		"status", string(job.Status),
		"task_id", job.TaskID,
		"retry_count", job.RetryCount,
		"result", result,
		"error", job.Error,
		"submitted_by", job.SubmittedBy,
		"callback_url", job.CallbackURL,
		"created_at", formatTime(job.CreatedAt),
		"updated_at", formatTime(job.UpdatedAt),
		"started_at", formatOptionalTime(job.StartedAt),
		"finished_at", formatOptionalTime(job.FinishedAt),
	}, nil
}

func decodeJobFields(values map[string]string) (domain.Job, error) {
	job := domain.Job{
		ID:          values["id"],
		TargetURL:   values["target_url"],
		Status:      domain.Status(values["status"]),
		TaskID:      values["task_id"],
		Error:       values["error"],
		SubmittedBy: values["submitted_by"],
		CallbackURL: values["callback_url"],
	}

	var err error
	if raw := values["retry_count"]; raw != "" {
		if job.RetryCount, err = strconv.Atoi(raw); err != nil {
			return domain.Job{}, fmt.Errorf("parse retry_count: %w", err)
		}
	}
	if raw := values["result"]; raw != "" {
		var result domain.Result
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	if job.CreatedAt, err = parseTime(values["created_at"]); err != nil {
		return domain.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(values["updated_at"]); err != nil {
		return domain.Job{}, err
	}
	if job.StartedAt, err = parseOptionalTime(values["started_at"]); err != nil {
		return domain.Job{}, err
	}
	if job.FinishedAt, err = parseOptionalTime(values["finished_at"]); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func joinStatuses(statuses []domain.Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var _ JobStore = (*RedisJobStore)(nil)
