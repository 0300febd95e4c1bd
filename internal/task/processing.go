package task

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	fileutil "queuedownloader/internal/file"
	"queuedownloader/internal/pool"
	"queuedownloader/internal/service"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// dispatchLocked submits a new attempt for t to the pool.
func (m *Manager) dispatchLocked(t *Task) error {
	taskID := t.ID
	handle, err := m.pool.Submit(m.attemptFunc(taskID), func(h *pool.Handle, res pool.Result) {
		m.completeAttempt(taskID, h, res)
	})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	m.active[taskID] = handle
	t.Status = StatusQueued
	return nil
}

// attemptFunc builds the unit of work running one attempt of a task.
func (m *Manager) attemptFunc(taskID uuid.UUID) pool.WorkFunc {
	return func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		taskToRun, taskFound := m.tasks[taskID]
		if !taskFound {
			m.mu.Unlock()
			return false, ErrTaskGone
		}
		variant := taskToRun.Variant
		req := service.Request{
			TaskID:      taskID.String(),
			URL:         taskToRun.URL,
			Dir:         filepath.Join(m.downloadDir, taskToRun.Username),
			Credentials: taskToRun.Credentials,
			Checksum:    taskToRun.Checksum,
		}
		m.mu.Unlock()

		ctx, span := m.tracer.Start(ctx, "task.attempt", trace.WithAttributes(
			attribute.String("task.id", req.TaskID),
			attribute.String("task.service", variant.Name()),
			attribute.String("task.url", req.URL),
		))
		defer span.End()

		ok, err := m.runAttempt(ctx, taskID, variant, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("task.ok", ok))
		return ok, err
	}
}

func (m *Manager) runAttempt(ctx context.Context, taskID uuid.UUID, variant service.Variant, req service.Request) (bool, error) {
	// allow per-user directories to be created lazily
	if err := fileutil.EnsureDir(req.Dir); err != nil {
		return false, err
	}
	svc, err := variant.New(req)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", variant.Name(), err)
	}

	m.mu.Lock()
	taskToRun, taskFound := m.tasks[taskID]
	if !taskFound {
		m.mu.Unlock()
		return false, ErrTaskGone
	}
	m.services[taskID] = svc
	taskToRun.Status = StatusRunning
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.services[taskID] == svc {
			delete(m.services, taskID)
		}
		m.mu.Unlock()
	}()

	m.log.Debug().Str("task_id", req.TaskID).Str("service", variant.Name()).Msg("attempt started")
	return svc.Execute(ctx)
}

// completeAttempt classifies the outcome of one attempt. It runs on the pool
// goroutine once per attempt, before the attempt's handle reports Done.
func (m *Manager) completeAttempt(taskID uuid.UUID, h *pool.Handle, res pool.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	finishedTask, taskFound := m.tasks[taskID]
	if !taskFound || m.active[taskID] != h {
		return
	}
	delete(m.active, taskID)
	delete(m.services, taskID)
	_, cancelRequested := m.cancelled[taskID]

	switch {
	case res.OK:
		// completion wins over a late cancellation request
		delete(m.cancelled, taskID)
		finishedTask.Status = StatusCompleted
		m.finalizeLocked(taskID)
		m.log.Info().Str("task_id", taskID.String()).Msg("task completed")
		m.emitLocked(EventComplete, finishedTask, nil)

	case cancelRequested || (res.Cancelled && !finishedTask.restarting):
		delete(m.cancelled, taskID)
		finishedTask.Status = StatusCancelled
		m.finalizeLocked(taskID)
		m.log.Info().Str("task_id", taskID.String()).Msg("task cancelled")
		m.emitLocked(EventCancelled, finishedTask, nil)

	case finishedTask.restarting:
		// Restart is waiting on this attempt and dispatches the next one.
		finishedTask.Status = StatusQueued

	default:
		finishedTask.Status = StatusFailed
		m.retryOrFailLocked(finishedTask, res.Err)
	}
}

// retryOrFailLocked requeues a failed task while it has more than one retry
// credit left, and finalizes it as permanently failed otherwise.
func (m *Manager) retryOrFailLocked(t *Task, cause error) {
	if t.Retries > 1 {
		err := m.requeueLocked(t)
		if err == nil {
			m.log.Info().Str("task_id", t.ID.String()).Int("retries", t.Retries).AnErr("attempt_err", cause).Msg("attempt failed, task requeued")
			m.emitLocked(EventRetry, t, cause)
			return
		}
		m.log.Warn().Str("task_id", t.ID.String()).Err(err).Msg("requeue failed")
	}

	t.Status = StatusPermanentlyFailed
	m.finalizeLocked(t.ID)
	m.log.Warn().Str("task_id", t.ID.String()).AnErr("attempt_err", cause).Msg("task failed permanently")
	m.emitLocked(EventFail, t, cause)
}

// requeueLocked consumes one retry credit, moves the task to the tail of the
// queue and dispatches a new attempt.
func (m *Manager) requeueLocked(t *Task) error {
	if i := slices.Index(m.order, t.ID); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	m.order = append(m.order, t.ID)
	t.Retries--
	return m.dispatchLocked(t)
}

// finalizeLocked drops every trace of a task. It reports whether anything was
// removed; finalizing an absent task is a no-op.
func (m *Manager) finalizeLocked(taskID uuid.UUID) bool {
	_, removed := m.tasks[taskID]
	delete(m.tasks, taskID)
	if i := slices.Index(m.order, taskID); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
		removed = true
	}
	delete(m.active, taskID)
	delete(m.services, taskID)
	if len(m.tasks) == 0 {
		m.drained.Broadcast()
	}
	return removed
}

func (m *Manager) emitLocked(kind EventKind, t *Task, err error) {
	m.events.emit(Event{
		Kind:     kind,
		TaskID:   t.ID,
		Username: t.Username,
		URL:      t.URL,
		Err:      err,
	})
}
