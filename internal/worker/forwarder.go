package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"terapia/internal/database"
	"terapia/internal/domain"
	"terapia/internal/events"
	"terapia/internal/metrics"
	"terapia/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const TaskForwardSubmission = "forward_submission"

// Forwarder drains the sync queue and delivers journaled submissions to the
// clinic backend. Tasks survive restarts in sqlite; redis is a fast path on
// top of the durable queue, not the source of truth.
type Forwarder struct {
	db            *database.DB
	backend       domain.BackendClient
	redis         *redis.Client
	bus           *events.EventBus
	retryPolicy   RetryPolicy
	queue         chan models.SyncTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        zerolog.Logger
}

// NewForwarder builds a forwarder with sane defaults.
func NewForwarder(db *database.DB, backend domain.BackendClient, redisClient *redis.Client, bus *events.EventBus, retry RetryPolicy, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		db:            db,
		backend:       backend,
		redis:         redisClient,
		bus:           bus,
		retryPolicy:   retry.withDefaults(),
		queue:         make(chan models.SyncTask, models.WorkerQueueSize),
		redisQueueKey: "submissions:queue",
		deadLetterKey: "submissions:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger.With().Str("component", "forwarder").Logger(),
	}
}

// SetPollInterval overrides the idle polling interval.
func (w *Forwarder) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetBatchSize overrides how many queued tasks one poll picks up.
func (w *Forwarder) SetBatchSize(n int) {
	if n > 0 {
		w.batchSize = n
	}
}

// Enqueue journals a forwarding task and schedules it via redis or the
// in-memory queue. The submission must already be persisted.
func (w *Forwarder) Enqueue(ctx context.Context, submission *models.Submission) error {
	if submission == nil || submission.ID == "" {
		return errors.New("submission id is required")
	}

	payload, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	task := models.SyncTask{
		TaskType:     TaskForwardSubmission,
		SubmissionID: submission.ID,
		Payload:      string(payload),
		Status:       models.TaskPending,
	}

	if err := w.db.CreateSyncTask(ctx, &task); err != nil {
		return fmt.Errorf("failed to persist sync task: %w", err)
	}

	// Try redis first so another instance can pick the task up.
	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}

	return nil
}

// Run drains queues until ctx is done.
func (w *Forwarder) Run(ctx context.Context) {
	w.logger.Info().Msg("forwarder started")
	defer w.logger.Info().Msg("forwarder stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.db.GetPendingSyncTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to fetch pending tasks")
			w.sleep(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.sleep(ctx)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *Forwarder) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

func (w *Forwarder) tryLocalQueue() (models.SyncTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.SyncTask{}, false
	}
}

func (w *Forwarder) tryRedis(ctx context.Context) (models.SyncTask, bool) {
	if w.redis == nil {
		return models.SyncTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.SyncTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		return models.SyncTask{}, false
	}
	if len(res) != 2 {
		return models.SyncTask{}, false
	}
	var task models.SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("failed to decode redis task")
		return models.SyncTask{}, false
	}
	return task, true
}

func (w *Forwarder) processTask(ctx context.Context, task *models.SyncTask) {
	var submission models.Submission
	if err := json.Unmarshal([]byte(task.Payload), &submission); err != nil {
		w.failTask(ctx, task, fmt.Errorf("failed to decode payload: %w", err))
		return
	}

	if err := w.backend.RegisterSessions(ctx, &submission); err != nil {
		w.retryOrFail(ctx, task, &submission, err)
		return
	}

	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task completed")
	}
	if err := w.db.UpdateSubmissionStatus(ctx, submission.ID, models.SubmissionForwarded); err != nil {
		w.logger.Error().Err(err).Str("submission_id", submission.ID).Msg("failed to mark submission forwarded")
	}

	metrics.IncSubmission(models.SubmissionForwarded)
	_ = w.bus.PublishJSON(events.EventSubmissionForwarded, events.SubmissionEventPayload{
		SubmissionID: submission.ID,
		PatientRef:   submission.PatientRef,
		PlanID:       submission.PlanID,
		Sessions:     len(submission.Sessions),
	})

	w.logger.Info().Str("submission_id", submission.ID).Msg("submission forwarded")
}

func (w *Forwarder) retryOrFail(ctx context.Context, task *models.SyncTask, submission *models.Submission, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task, cause)
		if err := w.db.UpdateSubmissionStatus(ctx, submission.ID, models.SubmissionFailed); err != nil {
			w.logger.Error().Err(err).Str("submission_id", submission.ID).Msg("failed to mark submission failed")
		}
		metrics.IncSubmission(models.SubmissionFailed)
		_ = w.bus.PublishJSON(events.EventSubmissionDeadLetter, events.SubmissionEventPayload{
			SubmissionID: submission.ID,
			PatientRef:   submission.PatientRef,
			PlanID:       submission.PlanID,
			Sessions:     len(submission.Sessions),
		})
		return
	}

	nextDelay := w.retryPolicy.NextDelay(attempt)
	nextTime := time.Now().Add(nextDelay)
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task for retry")
	}
	w.logger.Warn().
		Err(cause).
		Int64("task_id", task.ID).
		Int("attempt", attempt).
		Dur("next_delay", nextDelay).
		Msg("forwarding failed, scheduled retry")
}

func (w *Forwarder) failTask(ctx context.Context, task *models.SyncTask, cause error) {
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *Forwarder) pushRedis(ctx context.Context, task models.SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *Forwarder) pushDeadLetter(ctx context.Context, task *models.SyncTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to encode deadletter task")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to push deadletter task")
	}
}
