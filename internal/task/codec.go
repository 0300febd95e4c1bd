package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"queuedownloader/internal/service"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Record is the persisted form of a queued task.
type Record struct {
	Username     string `json:"username"`
	URL          string `json:"url"`
	Service      string `json:"service"`
	RetryCount   int    `json:"retrycount"`
	FileSize     *int64 `json:"filesize"`
	AuthUser     string `json:"authuser,omitempty"`
	AuthPassword string `json:"authpasswd,omitempty"`
	SHA1         string `json:"sha1,omitempty"`
}

// EncodeRecords writes recs as an indented JSON list.
func EncodeRecords(w io.Writer, recs []Record) error {
	if recs == nil {
		recs = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	return nil
}

// DecodeRecords reads a JSON list written by EncodeRecords.
func DecodeRecords(r io.Reader) ([]Record, error) {
	var recs []Record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return recs, nil
}

// Records returns the queue in queue order, without runtime state.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]Record, 0, len(m.order))
	for _, taskID := range m.order {
		queuedTask, ok := m.tasks[taskID]
		if !ok {
			continue
		}
		rec := Record{
			Username:   queuedTask.Username,
			URL:        queuedTask.URL,
			Service:    queuedTask.Variant.Name(),
			RetryCount: queuedTask.Retries,
			SHA1:       queuedTask.Checksum,
		}
		if queuedTask.FileSize != nil {
			size := *queuedTask.FileSize
			rec.FileSize = &size
		}
		if queuedTask.Credentials != nil {
			rec.AuthUser = queuedTask.Credentials.User
			rec.AuthPassword = queuedTask.Credentials.Password
		}
		recs = append(recs, rec)
	}
	return recs
}

// Save writes the current queue to w.
func (m *Manager) Save(w io.Writer) error {
	return EncodeRecords(w, m.Records())
}

// Load reads a saved queue from r and submits every entry as a new task.
func (m *Manager) Load(ctx context.Context, r io.Reader) ([]uuid.UUID, error) {
	recs, err := DecodeRecords(r)
	if err != nil {
		return nil, err
	}
	return m.LoadRecords(ctx, recs)
}

// LoadRecords submits recs as new tasks, preserving their order. Entries naming
// an unknown service are skipped. Saved retry counts and file sizes are kept;
// missing sizes are probed concurrently before anything is submitted. The
// returned error joins every entry that could not be submitted.
func (m *Manager) LoadRecords(ctx context.Context, recs []Record) ([]uuid.UUID, error) {
	type pendingRecord struct {
		rec     Record
		variant service.Variant
	}

	pending := make([]pendingRecord, 0, len(recs))
	for _, rec := range recs {
		variant, ok := m.registry.Lookup(rec.Service)
		if !ok {
			m.log.Warn().Str("service", rec.Service).Str("url", rec.URL).Msg("skipping saved task with unknown service")
			continue
		}
		if rec.FileSize != nil {
			size := *rec.FileSize
			rec.FileSize = &size
		}
		pending = append(pending, pendingRecord{rec: rec, variant: variant})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.pool.Size())
	for i := range pending {
		if pending[i].rec.FileSize != nil {
			continue
		}
		g.Go(func() error {
			p := &pending[i]
			var creds *service.Credentials
			if p.rec.AuthUser != "" {
				creds = &service.Credentials{User: p.rec.AuthUser, Password: p.rec.AuthPassword}
			}
			p.rec.FileSize = m.probeSize(gctx, p.variant, p.rec.URL, creds)
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]uuid.UUID, 0, len(pending))
	var errs []error
	for _, p := range pending {
		retryCount := p.rec.RetryCount
		newID, err := m.submit(ctx, p.rec.Username, p.rec.URL, SubmitOptions{
			Service:      p.rec.Service,
			RetryCount:   &retryCount,
			FileSize:     p.rec.FileSize,
			AuthUser:     p.rec.AuthUser,
			AuthPassword: p.rec.AuthPassword,
			SHA1:         p.rec.SHA1,
		}, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", p.rec.URL, err))
			continue
		}
		ids = append(ids, newID)
	}
	if len(ids) > 0 {
		m.log.Info().Int("tasks", len(ids)).Msg("queue restored")
	}
	return ids, errors.Join(errs...)
}
