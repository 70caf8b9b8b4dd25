package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtiles/server/internal/regionstore"
)

// JobManagerConfig contains configuration for the region job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent region queries (default 2)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// Executor runs the region query of a job and returns its encoded result and
// sample count.
type Executor func(ctx context.Context, job *regionstore.Job) ([]byte, int, error)

type runningJob struct {
	cancel     context.CancelFunc
	session    string
	generation int64
}

// ErrJobManagerStopped is returned by Submit after Stop.
var ErrJobManagerStopped = errors.New("region job manager stopped")

// JobManager runs region queries with SQLite persistence. Within a session
// the last submitted query wins: submitting supersedes every older job of
// the session, and a superseded job never delivers its result.
type JobManager struct {
	cfg      JobManagerConfig
	store    *regionstore.Store
	queue    chan string // job IDs
	running  map[string]runningJob
	latest   map[string]int64 // session -> newest generation
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual region query.
	Executor Executor
	// OnResult receives the result of the newest job of a session.
	OnResult func(job *regionstore.Job, result []byte)
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := regionstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]runningJob),
		latest:  make(map[string]int64),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *regionstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker. Jobs left over
// from a previous run are failed: their sessions are gone.
func (jm *JobManager) Start() {
	if err := jm.store.MarkUnfinishedAsFailed("server restarted"); err != nil {
		log.Printf("[RegionJobs] failed to mark unfinished jobs as failed: %v", err)
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop stops all workers gracefully.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		close(jm.stopCh)
		for _, r := range jm.running {
			r.cancel()
		}
		jm.mu.Unlock()
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.stopCh:
			return
		case jobID := <-jm.queue:
			jm.runJob(jobID)
		}
	}
}

// isLatest reports whether job is the newest of its session.
func (jm *JobManager) isLatest(job *regionstore.Job) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.latest[job.SessionID] == job.Generation
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[RegionJobs] job %s vanished before it ran: %v", jobID, err)
		return
	}
	if job.Status != regionstore.JobStatusQueued {
		return
	}
	if !jm.isLatest(job) {
		jm.store.UpdateJobStatus(jobID, regionstore.JobStatusSuperseded, "")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jm.mu.Lock()
	jm.running[jobID] = runningJob{cancel: cancel, session: job.SessionID, generation: job.Generation}
	jm.mu.Unlock()

	done := func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[RegionJobs] failed to update job %s as started: %v", jobID, err)
		done()
		return
	}

	var (
		result  []byte
		samples int
		execErr error
	)
	if jm.Executor != nil {
		result, samples, execErr = jm.Executor(ctx, job)
	} else {
		execErr = errors.New("no region executor configured")
	}
	done()

	switch {
	case !jm.isLatest(job):
		jm.store.UpdateJobStatus(jobID, regionstore.JobStatusSuperseded, "")
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, regionstore.JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, regionstore.JobStatusFailed, execErr.Error())
	default:
		if err := jm.store.SaveResult(jobID, result, samples); err != nil {
			jm.store.UpdateJobStatus(jobID, regionstore.JobStatusFailed, "failed to store result: "+err.Error())
			return
		}
		// a newer job may have arrived while the result was stored
		if jm.OnResult != nil && jm.isLatest(job) {
			job.Samples = samples
			jm.OnResult(job, result)
		}
		jm.store.UpdateJobStatus(jobID, regionstore.JobStatusCompleted, "")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(time.Duration(jm.cfg.RetentionDays) * 24 * time.Hour)
	if err != nil {
		log.Printf("[RegionJobs] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[RegionJobs] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a job for the next generation of its session, cancels the
// session's older running jobs, and enqueues it.
func (jm *JobManager) Submit(params regionstore.JobParams) (*regionstore.Job, error) {
	jm.mu.Lock()
	select {
	case <-jm.stopCh:
		jm.mu.Unlock()
		return nil, ErrJobManagerStopped
	default:
	}
	jm.latest[params.SessionID]++
	gen := jm.latest[params.SessionID]
	for _, r := range jm.running {
		if r.session == params.SessionID && r.generation < gen {
			r.cancel()
		}
	}
	jm.mu.Unlock()

	job := &regionstore.Job{
		ID:         uuid.NewString(),
		SourceID:   params.SourceID,
		SessionID:  params.SessionID,
		Generation: gen,
		Status:     regionstore.JobStatusQueued,
		Params:     params,
		CreatedAt:  time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(job.ID, regionstore.JobStatusFailed, "job queue is full; try again later")
		job.Status = regionstore.JobStatusFailed
	}
	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *regionstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[RegionJobs] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	r, ok := jm.running[id]
	jm.mu.Unlock()

	if ok {
		r.cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == regionstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, regionstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// ForgetSession drops the generation counter of a closed session.
func (jm *JobManager) ForgetSession(sessionID string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	for _, r := range jm.running {
		if r.session == sessionID {
			r.cancel()
		}
	}
	// generations start at 1, so queued jobs of the session now read as stale
	delete(jm.latest, sessionID)
}

// Delete deletes a job and its result.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
