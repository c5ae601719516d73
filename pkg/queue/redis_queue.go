package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"invoicedesk/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// JobStatus is the persisted state of one extraction dispatch job.
type JobStatus struct {
	ID           string    `json:"id"`
	FileID       string    `json:"fileId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A non-nil error schedules a retry until the
// attempt budget is spent.
type Handler func(context.Context, JobStatus) error

// RedisJobQueue is a Redis Streams consumer-group queue. Job state lives in
// a hash per job so callers can poll it after the stream entry is gone.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
	wg           sync.WaitGroup
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "dispatcher"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	q := &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       orDuration(cfg.JobTTL, 72*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        orDuration(cfg.Block, 5*time.Second),
		claimIdle:    orDuration(cfg.ClaimIdle, time.Minute),
		retryDelay:   orDuration(cfg.RetryDelay, 5*time.Second),
		maxLen:       orInt64(cfg.MaxLen, 10000),
		readCount:    orInt64(cfg.ReadCount, 10),
		claimCount:   orInt64(cfg.ClaimCount, 10),
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	return q, nil
}

// Enqueue records a queued job for fileID and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, fileID string) (JobStatus, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return JobStatus{}, errors.New("fileId required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:        util.NewID(),
		FileID:    fileID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, job.FileID)).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// GetJob reads the job hash.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
}

// Wait blocks until every consumer started by Start has returned.
func (q *RedisJobQueue) Wait() {
	q.wg.Wait()
}

// Close releases the Redis client.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("read dispatch stream failed", "consumer", consumer, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	fileID, _ := msg.Values["file_id"].(string)
	if jobID == "" || fileID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.transition(ctx, jobID, func(j *JobStatus) {
		j.FileID = fileID
		j.Attempts++
		j.Status = StatusDelivering
	})
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	herr := handler(ctx, job)
	if herr == nil {
		_, _ = q.transition(ctx, jobID, func(j *JobStatus) {
			j.Status = StatusDelivered
			j.ErrorMessage = ""
		})
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Error("dispatch job failed", "job_id", jobID, "file_id", fileID, "attempts", job.Attempts, "err", herr)
		_, _ = q.transition(ctx, jobID, func(j *JobStatus) {
			j.Status = StatusFailed
			j.ErrorMessage = herr.Error()
		})
		q.ackAndDel(ctx, msg.ID)
		return
	}
	slog.Warn("dispatch job will retry", "job_id", jobID, "file_id", fileID, "attempts", job.Attempts, "err", herr)
	_, _ = q.transition(ctx, jobID, func(j *JobStatus) {
		j.Status = StatusQueued
		j.ErrorMessage = herr.Error()
	})
	if !sleepCtx(ctx, q.backoff(job.Attempts)) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, fileID)
}

// backoff doubles the retry delay per attempt, capped at 16x.
func (q *RedisJobQueue) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 4 {
		shift = 4
	}
	return q.retryDelay << shift
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, fileID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, fileID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addArgs(jobID, fileID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  jobID,
			"file_id": fileID,
		},
	}
}

func (q *RedisJobQueue) transition(ctx context.Context, jobID string, mutate func(*JobStatus)) (JobStatus, error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !ok {
		job = JobStatus{ID: jobID}
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job JobStatus) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"fileId":    job.FileID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{
		ID:           jobID,
		FileID:       data["fileId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orInt64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
