package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/metrics"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/resilience"
	"github.com/sells-group/prospect-enricher/internal/store"
)

// Supervisor defaults.
const (
	DefaultWorkers          = 2
	DefaultQueueSize        = 64
	DefaultRecoveryInterval = time.Minute
)

// recoverLimit bounds the running jobs read per recovery scan.
const recoverLimit = 1000

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Workers   int
	QueueSize int
	// RecoveryInterval is how often running jobs without a worker are
	// re-enqueued. A job qualifies once it has not been updated for one
	// interval and it either chains or failed its last batch here.
	RecoveryInterval time.Duration
}

// Supervisor runs job batches on a fixed pool of workers. The jobs table is
// the durable queue: ids travel over a channel, and a job whose batch left
// work behind is re-enqueued when it chains. Running jobs found at start are
// recovered, and a periodic scan picks up jobs whose batch failed.
type Supervisor struct {
	runner  *Runner
	cfg     SupervisorConfig
	metrics *metrics.Metrics

	queue chan string
	quit  chan struct{}
	wg    sync.WaitGroup
	ctx   context.Context

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight map[string]bool // queued or running
	again    map[string]bool // enqueued while in flight
	failed   map[string]bool // last batch returned an error

	now func() time.Time
}

// NewSupervisor creates a Supervisor around r.
func NewSupervisor(r *Runner, cfg SupervisorConfig, m *metrics.Metrics) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = DefaultRecoveryInterval
	}
	return &Supervisor{
		runner:   r,
		cfg:      cfg,
		metrics:  m,
		queue:    make(chan string, cfg.QueueSize),
		quit:     make(chan struct{}),
		inflight: make(map[string]bool),
		again:    make(map[string]bool),
		failed:   make(map[string]bool),
		now:      time.Now,
	}
}

// Start launches the workers and enqueues every job left running. Workers
// stop when ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return eris.New("jobs: supervisor already started")
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	recovered, err := s.recoverJobs(ctx, true)
	if err != nil {
		return eris.Wrap(err, "jobs: recover running jobs")
	}

	s.wg.Add(1)
	go s.recoveryMonitor()

	zap.L().Info("jobs: supervisor started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("recovered", recovered),
		zap.Duration("recovery_interval", s.cfg.RecoveryInterval),
	)
	return nil
}

// recoverJobs enqueues running jobs. The initial scan takes all of them;
// later scans only take abandoned ones.
func (s *Supervisor) recoverJobs(ctx context.Context, initial bool) (int, error) {
	running, err := s.runner.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusRunning, Limit: recoverLimit})
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.cfg.RecoveryInterval)
	n := 0
	for _, j := range running {
		if !initial && !s.abandoned(j, cutoff) {
			continue
		}
		if s.Enqueue(j.ID) {
			n++
		}
	}
	return n, nil
}

// abandoned reports whether a running job has no worker here and nobody
// has advanced it since cutoff. Unchained jobs only qualify after a failed
// batch; otherwise they wait for the next explicit trigger.
func (s *Supervisor) abandoned(j model.Job, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[j.ID] || j.UpdatedAt.After(cutoff) {
		return false
	}
	return j.Chain || s.failed[j.ID]
}

func (s *Supervisor) recoveryMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.recoverJobs(s.ctx, false)
			if err != nil {
				zap.L().Error("jobs: recover running jobs", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("jobs: re-enqueued abandoned jobs", zap.Int("count", n))
			}
		}
	}
}

// Enqueue schedules a batch for the job. It returns false when the
// supervisor is not accepting work or the job is already queued or running;
// in the latter case the job gets one more batch once the current one ends.
func (s *Supervisor) Enqueue(id string) bool {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return false
	}
	if s.inflight[id] {
		s.again[id] = true
		s.mu.Unlock()
		return false
	}
	s.inflight[id] = true
	s.mu.Unlock()

	s.push(id)
	return true
}

// push never blocks the caller: a full queue hands the id to a goroutine.
func (s *Supervisor) push(id string) {
	select {
	case s.queue <- id:
		s.metrics.QueueDepth(len(s.queue))
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.queue <- id:
			s.metrics.QueueDepth(len(s.queue))
		case <-s.quit:
		case <-s.ctx.Done():
		}
	}()
}

// Idle reports whether no job is queued or running.
func (s *Supervisor) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) == 0
}

// Stop stops taking new batches and waits for in-flight batches to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	zap.L().Info("jobs: supervisor stopped")
}

func (s *Supervisor) worker(n int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.ctx.Done():
			return
		case id := <-s.queue:
			s.metrics.QueueDepth(len(s.queue))
			s.runOne(n, id)
		}
	}
}

func (s *Supervisor) runOne(n int, id string) {
	s.metrics.WorkerBusy(1)
	defer s.metrics.WorkerBusy(-1)

	log := zap.L().With(zap.Int("worker", n), zap.String("job_id", id))
	res, err := s.runner.RunBatch(s.ctx, id)
	if err != nil {
		log.Error("jobs: batch failed", zap.Error(err))
	}
	requeue := err == nil && res.More && res.Chain && !res.Paused

	s.mu.Lock()
	switch {
	case err == nil:
		delete(s.failed, id)
	case !resilience.IsResourceExhausted(err):
		s.failed[id] = true
	}
	if s.again[id] {
		delete(s.again, id)
		requeue = true
	}
	if requeue && (s.stopped || s.ctx.Err() != nil) {
		requeue = false
	}
	if !requeue {
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	if requeue {
		log.Debug("jobs: continuing job")
		s.push(id)
	}
}
