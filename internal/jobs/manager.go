package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/formats"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrNotReady       = errors.New("job is not ready yet")
	ErrNoEntries      = errors.New("no files to bundle")
	ErrTooManyEntries = errors.New("too many files in one bundle")
	ErrBadFormat      = errors.New("unsupported target format")
)

// Engine is the slice of the assembler the job worker drives.
type Engine interface {
	FetchAll(ctx context.Context, descs []entities.ConversionDescriptor, onProgress func(done, total int)) ([]entities.FetchedAsset, error)
	BuildArchive(assets []entities.FetchedAsset, name string) (*entities.ArchiveResult, error)
	ArchiveName() string
}

const (
	defaultMaxEntries    = 50
	defaultSweepInterval = time.Hour
	defaultRetention     = 2 * time.Hour
	defaultMaxAge        = 4 * time.Hour

	// Fetch progress tops out just below 100 so the last points are left
	// for archive assembly.
	fetchProgressCap = 98
)

// Manager owns the in-memory job map. Each job is driven by exactly one
// worker goroutine; status and download handlers only read through the
// manager, so the map mutex is the only synchronization needed.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*entities.Job

	engine Engine
	logger *log.Logger

	maxEntries    int
	sweepInterval time.Duration
	retention     time.Duration
	maxAge        time.Duration
}

func NewManager(engine Engine, cfg config.ZipConfig, logger *log.Logger) *Manager {
	m := &Manager{
		jobs:          make(map[string]*entities.Job),
		engine:        engine,
		logger:        logger,
		maxEntries:    cfg.MaxEntries,
		sweepInterval: cfg.SweepInterval * time.Second,
		retention:     cfg.Retention * time.Second,
		maxAge:        cfg.MaxAge * time.Second,
	}
	if m.maxEntries <= 0 {
		m.maxEntries = defaultMaxEntries
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = defaultSweepInterval
	}
	if m.retention <= 0 {
		m.retention = defaultRetention
	}
	if m.maxAge <= 0 {
		m.maxAge = defaultMaxAge
	}
	return m
}

// Create validates the descriptor list, registers a queued job and launches
// its worker. Returns the job id without waiting for any work.
func (m *Manager) Create(descs []entities.ConversionDescriptor) (string, error) {
	if len(descs) == 0 {
		return "", ErrNoEntries
	}
	if len(descs) > m.maxEntries {
		return "", fmt.Errorf("%w: %d entries, limit is %d", ErrTooManyEntries, len(descs), m.maxEntries)
	}
	for _, d := range descs {
		if err := formats.ValidateOutput(d.TargetFormat); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadFormat, err)
		}
	}

	job := &entities.Job{
		ID:          uuid.NewString(),
		Status:      entities.JobQueued,
		Descriptors: descs,
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.logger.Printf("[zip-job] %s created with %d entries", job.ID, len(descs))
	go m.run(job.ID)

	return job.ID, nil
}

// run drives one job to a terminal state. Never re-entered for the same id.
func (m *Manager) run(id string) {
	m.setStatus(id, entities.JobProcessing)

	descs := m.descriptors(id)
	total := len(descs)

	assets, err := m.engine.FetchAll(context.Background(), descs, func(done, _ int) {
		m.setPercent(id, done*fetchProgressCap/total)
	})
	if err != nil {
		m.fail(id, err)
		return
	}

	m.setStatus(id, entities.JobZipping)

	result, err := m.engine.BuildArchive(assets, m.engine.ArchiveName())
	if err != nil {
		m.fail(id, err)
		return
	}

	m.complete(id, result)
	m.logger.Printf("[zip-job] %s ready: %d files, %d bytes", id, result.FileCount, len(result.Data))
}

// Status returns a read-only snapshot of the job.
func (m *Manager) Status(id string) (entities.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return entities.JobSnapshot{}, ErrNotFound
	}

	snap := entities.JobSnapshot{
		ID:            job.ID,
		Status:        job.Status,
		Percent:       job.Percent,
		Error:         job.ErrorMessage,
		Ready:         job.Status == entities.JobReady,
		Total:         len(job.Descriptors),
		DownloadCount: job.DownloadCount,
	}
	if job.Result != nil {
		snap.ZipName = job.Result.Name
	}
	return snap, nil
}

// Download hands out the finished archive and counts the download. The job
// stays downloadable until the reaper evicts it.
func (m *Manager) Download(id string) (*entities.ArchiveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != entities.JobReady || job.Result == nil {
		return nil, ErrNotReady
	}

	job.DownloadCount++
	return job.Result, nil
}

// StartReaper sweeps stale jobs on an interval until ctx is canceled.
func (m *Manager) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep evicts jobs that were served and aged out, plus anything past the
// absolute age cap regardless of state.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, job := range m.jobs {
		age := now.Sub(job.CreatedAt)
		served := job.Status == entities.JobReady && job.DownloadCount > 0

		if (served && age > m.retention) || age > m.maxAge {
			delete(m.jobs, id)
			evicted++
		}
	}

	if evicted > 0 {
		m.logger.Printf("[zip-job] reaper evicted %d job(s), %d remaining", evicted, len(m.jobs))
	}
}

func (m *Manager) descriptors(id string) []entities.ConversionDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		return job.Descriptors
	}
	return nil
}

func (m *Manager) setStatus(id string, status entities.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = status
}

// setPercent keeps progress monotonic for the job's lifetime.
func (m *Manager) setPercent(id string, value int) {
	if value < 0 {
		value = 0
	}
	if value > fetchProgressCap {
		value = fetchProgressCap
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	if value > job.Percent {
		job.Percent = value
	}
}

func (m *Manager) fail(id string, err error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	job.Status = entities.JobError
	job.ErrorMessage = err.Error()
	job.Result = nil
	m.mu.Unlock()

	m.logger.Printf("[zip-job] %s failed: %v", id, err)
	sentry.CaptureException(fmt.Errorf("zip job %s: %w", id, err))
}

func (m *Manager) complete(id string, result *entities.ArchiveResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = entities.JobReady
	job.Percent = 100
	job.Result = result
}
