package task

import (
	"time"

	"queuedownloader/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
	StatusCancelled         Status = "cancelled"
)

// Task is the descriptor of one download job. It is owned by the Manager and
// only mutated under its lock.
type Task struct {
	ID          uuid.UUID
	Username    string
	URL         string
	Variant     service.Variant
	Retries     int
	FileSize    *int64
	Credentials *service.Credentials
	Checksum    string
	Status      Status

	// restarting is set while Restart waits for the current attempt to end.
	restarting bool
}

// Info is the read-only projection returned by QueueInfo.
type Info struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	URL      string    `json:"url"`
	Service  string    `json:"service"`
	FileSize *int64    `json:"filesize"`
	Retries  int       `json:"retrycount"`
	Status   Status    `json:"status"`
	Running  bool      `json:"running"`
}

// SubmitOptions are the optional parameters of Submit.
type SubmitOptions struct {
	// Service forces a variant by name; it must support the URL.
	Service string `json:"service"`
	// RetryCount overrides the default number of attempts.
	RetryCount *int `json:"retrycount" validate:"omitempty,min=0"`
	// FileSize skips the size probe when set.
	FileSize     *int64 `json:"filesize" validate:"omitempty,min=0"`
	AuthUser     string `json:"authuser" validate:"required_with=AuthPassword"`
	AuthPassword string `json:"authpasswd" validate:"required_with=AuthUser"`
	// SHA1 is the expected hex digest of the content.
	SHA1 string `json:"sha1" validate:"omitempty,len=40,hexadecimal"`
}

// EventKind classifies observer notifications.
type EventKind string

const (
	EventComplete  EventKind = "complete"
	EventRetry     EventKind = "retry"
	EventFail      EventKind = "fail"
	EventCancelled EventKind = "cancelled"
)

// Event is delivered to the Observer in the order transitions happened.
type Event struct {
	Kind     EventKind
	TaskID   uuid.UUID
	Username string
	URL      string
	// Err is the attempt error for retry and fail events, if any.
	Err error
}

// Observer receives task events on a dedicated goroutine.
type Observer func(Event)

type Options struct {
	DownloadDir string
	// Workers is the number of execution slots.
	Workers int
	// RetryCount is the default number of attempts per task.
	RetryCount *int
	// SizeProbeTimeout bounds the file size discovery done by Submit.
	SizeProbeTimeout time.Duration
	Registry         *service.Registry
	Observer         Observer
	Logger           *zerolog.Logger
	Tracer           trace.Tracer
}

const (
	defaultWorkers          = 4
	defaultRetryCount       = 4
	defaultSizeProbeTimeout = 5 * time.Second
	defaultDownloadDir      = "downloads"
)
