package task

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"queuedownloader/internal/pool"
	"queuedownloader/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager is the task registry: it owns every descriptor, the queue order,
// the live attempts and the pending cancellations, all guarded by mu.
type Manager struct {
	mu        sync.Mutex
	drained   *sync.Cond
	tasks     map[uuid.UUID]*Task
	order     []uuid.UUID
	active    map[uuid.UUID]*pool.Handle
	services  map[uuid.UUID]service.Service
	cancelled map[uuid.UUID]struct{}
	closed    bool

	pool     *pool.Pool
	registry *service.Registry
	events   *notifier
	snapshot *snapshotCache

	downloadDir      string
	retryCount       int
	sizeProbeTimeout time.Duration
	log              *zerolog.Logger
	tracer           trace.Tracer
}

// NewManager creates a manager with default options suitable for tests
func NewManager() *Manager {
	return NewManagerWithOptions(Options{})
}

// NewManagerWithOptions creates a manager with provided configuration
func NewManagerWithOptions(opts Options) *Manager { //nolint:cyclop
	logger := opts.Logger
	if logger == nil {
		logger = &log.Logger
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	retryCount := defaultRetryCount
	if opts.RetryCount != nil && *opts.RetryCount >= 0 {
		retryCount = *opts.RetryCount
	}
	if opts.SizeProbeTimeout <= 0 {
		opts.SizeProbeTimeout = defaultSizeProbeTimeout
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = defaultDownloadDir
	}
	if opts.Registry == nil {
		// NewHTTP only fails when throttling is misconfigured
		fetcher, _ := service.NewHTTP(service.HTTPOptions{Logger: logger})
		opts.Registry = service.NewRegistry(fetcher)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}

	m := &Manager{
		tasks:            make(map[uuid.UUID]*Task),
		active:           make(map[uuid.UUID]*pool.Handle),
		services:         make(map[uuid.UUID]service.Service),
		cancelled:        make(map[uuid.UUID]struct{}),
		pool:             pool.New(opts.Workers, logger),
		registry:         opts.Registry,
		events:           newNotifier(opts.Observer, logger),
		snapshot:         newSnapshotCache(),
		downloadDir:      opts.DownloadDir,
		retryCount:       retryCount,
		sizeProbeTimeout: opts.SizeProbeTimeout,
		log:              logger,
		tracer:           opts.Tracer,
	}
	m.drained = sync.NewCond(&m.mu)
	return m
}

// Submit validates a download request, enqueues it and hands it to the worker
// pool. It returns as soon as the task is queued, but unless opts.FileSize is
// set it first blocks while the selected service probes the file size, for at
// most the configured size probe timeout.
func (m *Manager) Submit(ctx context.Context, username, rawURL string, opts SubmitOptions) (uuid.UUID, error) {
	return m.submit(ctx, username, rawURL, opts, true)
}

func (m *Manager) submit(ctx context.Context, username, rawURL string, opts SubmitOptions, probe bool) (uuid.UUID, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateSubmission(submission{Username: username, URL: rawURL, Options: opts}); err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return uuid.Nil, ErrShutdown
	}

	variant, err := m.resolveVariant(rawURL, opts.Service)
	if err != nil {
		return uuid.Nil, err
	}

	newTask := &Task{
		Username: username,
		URL:      rawURL,
		Variant:  variant,
		Retries:  m.retryCount,
		FileSize: opts.FileSize,
		Checksum: strings.ToLower(opts.SHA1),
		Status:   StatusQueued,
	}
	if opts.RetryCount != nil {
		newTask.Retries = *opts.RetryCount
	}
	if opts.AuthUser != "" {
		newTask.Credentials = &service.Credentials{User: opts.AuthUser, Password: opts.AuthPassword}
	}
	if newTask.FileSize == nil && probe {
		newTask.FileSize = m.probeSize(ctx, variant, rawURL, newTask.Credentials)
	}

	newID, err := uuid.NewUUID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate task id: %w", err)
	}
	newTask.ID = newID

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return uuid.Nil, ErrShutdown
	}
	m.tasks[newID] = newTask
	m.order = append(m.order, newID)
	if err := m.dispatchLocked(newTask); err != nil {
		m.finalizeLocked(newID)
		return uuid.Nil, err
	}

	m.log.Info().Str("task_id", newID.String()).Str("username", username).Str("url", rawURL).
		Str("service", variant.Name()).Int("retries", newTask.Retries).Msg("task queued")
	return newID, nil
}

func (m *Manager) resolveVariant(rawURL, name string) (service.Variant, error) { //nolint:ireturn
	if name == "" {
		return m.registry.Resolve(rawURL), nil
	}
	variant, ok := m.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, FieldErrors{{Field: "service", Err: "unknown service " + name}})
	}
	if !variant.Supported(rawURL) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, FieldErrors{{Field: "service", Err: name + " does not support this url"}})
	}
	return variant, nil
}

// probeSize asks the variant for the file size, bounded by sizeProbeTimeout.
func (m *Manager) probeSize(ctx context.Context, variant service.Variant, rawURL string, creds *service.Credentials) *int64 {
	ctx, cancel := context.WithTimeout(ctx, m.sizeProbeTimeout)
	defer cancel()
	size, ok := variant.FileSize(ctx, rawURL, creds)
	if !ok {
		m.log.Debug().Str("url", rawURL).Str("service", variant.Name()).Msg("file size unknown")
		return nil
	}
	return &size
}

// Cancel stops a task. A task that has not started yet is removed right away
// and true is returned. For a running attempt cancellation is requested from
// the attempt and false is returned: the task ends with a cancelled event
// unless the attempt completes first. Unknown or finalized ids return false.
func (m *Manager) Cancel(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	currentTask, taskFound := m.tasks[taskID]
	if !taskFound {
		return false
	}
	if _, requested := m.cancelled[taskID]; requested {
		return false
	}

	handle := m.active[taskID]
	// Restart may already have stopped a pending attempt it is waiting on.
	notStarted := handle == nil || handle.Cancel() || (currentTask.restarting && !handle.Started())
	if notStarted {
		currentTask.Status = StatusCancelled
		m.finalizeLocked(taskID)
		m.emitLocked(EventCancelled, currentTask, nil)
		m.log.Info().Str("task_id", taskID.String()).Msg("task cancelled before start")
		return true
	}

	if svc, ok := m.services[taskID]; ok {
		svc.Cancel()
	}
	m.cancelled[taskID] = struct{}{}
	m.log.Info().Str("task_id", taskID.String()).Msg("cancellation requested for running task")
	return false
}

// Restart moves a queued task to the tail of the queue and starts a new
// attempt, consuming one retry credit. A live attempt is cancelled first and
// Restart blocks until it has ended. It returns false for unknown, cancelled
// or exhausted tasks, and when the live attempt finished the task meanwhile.
func (m *Manager) Restart(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	currentTask, taskFound := m.tasks[taskID]
	if !taskFound || !slices.Contains(m.order, taskID) {
		return false
	}
	if _, requested := m.cancelled[taskID]; requested {
		return false
	}
	if currentTask.restarting || currentTask.Retries < 1 {
		return false
	}

	if handle, ok := m.active[taskID]; ok {
		currentTask.restarting = true
		handle.Cancel()
		if svc, ok := m.services[taskID]; ok {
			svc.Cancel()
		}

		m.mu.Unlock()
		<-handle.Done()
		m.mu.Lock()

		currentTask.restarting = false
		if m.tasks[taskID] != currentTask {
			return false
		}
	}

	if err := m.requeueLocked(currentTask); err != nil {
		m.log.Warn().Str("task_id", taskID.String()).Err(err).Msg("restart dispatch failed")
		currentTask.Status = StatusPermanentlyFailed
		m.finalizeLocked(taskID)
		m.emitLocked(EventFail, currentTask, err)
		return false
	}
	m.log.Info().Str("task_id", taskID.String()).Int("retries", currentTask.Retries).Msg("task restarted")
	return true
}

// QueueInfo lists the queued tasks in queue order. When ctx belongs to an
// open Snapshot scope every call returns the listing computed by the first one.
func (m *Manager) QueueInfo(ctx context.Context) []Info {
	if scope := m.snapshot.scopeOf(ctx); scope != nil {
		return scope.load(m.queueInfo)
	}
	return m.queueInfo()
}

func (m *Manager) queueInfo() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.order))
	for _, taskID := range m.order {
		if currentTask, ok := m.tasks[taskID]; ok {
			infos = append(infos, m.infoLocked(currentTask))
		}
	}
	return infos
}

// GetTask returns a task view by ID
func (m *Manager) GetTask(taskID uuid.UUID) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	foundTask, taskFound := m.tasks[taskID]
	if !taskFound {
		return Info{}, false
	}
	return m.infoLocked(foundTask), true
}

func (m *Manager) infoLocked(t *Task) Info {
	info := Info{
		ID:       t.ID,
		Username: t.Username,
		URL:      t.URL,
		Service:  t.Variant.Name(),
		Retries:  t.Retries,
		Status:   t.Status,
	}
	if t.FileSize != nil {
		size := *t.FileSize
		info.FileSize = &size
	}
	if handle, ok := m.active[t.ID]; ok {
		info.Running = handle.Running()
	}
	return info
}

// Shutdown stops accepting submissions. With wait it blocks until every queued
// and running task reached a terminal state; otherwise all of them are
// cancelled and Shutdown returns without waiting for running attempts.
func (m *Manager) Shutdown(wait bool) {
	m.mu.Lock()
	m.closed = true

	if wait {
		for len(m.tasks) > 0 {
			m.drained.Wait()
		}
		m.mu.Unlock()

		m.pool.Shutdown(true)
		m.events.close()
		m.events.wait()
		m.log.Info().Msg("task manager drained")
		return
	}

	pending := slices.Clone(m.order)
	m.mu.Unlock()

	for _, taskID := range pending {
		m.Cancel(taskID)
	}
	m.pool.Shutdown(false)
	go func() {
		m.pool.Wait(context.Background())
		m.events.close()
	}()
	m.log.Info().Int("cancelled", len(pending)).Msg("task manager stopped")
}

// WaitAll blocks until the registry is empty or the context is done.
// Returns true if every task finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.drained.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.tasks) > 0 {
		if ctx.Err() != nil {
			return false
		}
		m.drained.Wait()
	}
	return true
}
