package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/client"
	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
)

// Handler executes one claimed task of a single kind. Run reports
// progress through the session; returning ErrCanceled acknowledges a
// cancellation instead of a failure.
type Handler interface {
	Kind() models.TaskKind
	Run(ctx context.Context, sess *Session, task *models.Task) error
}

// Options tunes the runtime's polling cadence.
type Options struct {
	Slot              string
	WorkDir           string
	PollInterval      time.Duration
	LogInterval       time.Duration
	HeartbeatInterval time.Duration
	CancelPoll        time.Duration
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LogInterval <= 0 {
		o.LogInterval = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.CancelPoll <= 0 {
		o.CancelPoll = 5 * time.Second
	}
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
}

// Runtime polls the scheduler for claimable tasks of one kind and runs
// them through its handler, one at a time per slot.
type Runtime struct {
	client  *client.Client
	handler Handler
	log     *logrus.Logger
	opts    Options
}

// NewRuntime builds a runtime around a handler.
func NewRuntime(c *client.Client, handler Handler, log *logrus.Logger, opts Options) *Runtime {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts.defaults()
	return &Runtime{client: c, handler: handler, log: log, opts: opts}
}

// Run polls until the context ends.
func (r *Runtime) Run(ctx context.Context) error {
	kind := r.handler.Kind()
	r.log.WithFields(logrus.Fields{
		"kind": string(kind),
		"slot": r.opts.Slot,
	}).Info("worker loop started")

	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(r.opts.PollInterval)
	defer poll.Stop()

	r.beat(ctx, models.HeartbeatIdle, "")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("worker loop stopped")
			return nil
		case <-heartbeat.C:
			r.beat(ctx, models.HeartbeatIdle, "")
		case <-poll.C:
			task, err := r.claimNext(ctx, kind)
			if err != nil {
				r.log.WithError(err).Warn("poll for tasks")
				continue
			}
			if task == nil {
				continue
			}
			r.runTask(ctx, task)
		}
	}
}

// claimNext lists claimable tasks and races for the first one available.
// Losing a claim is not an error; the next candidate is tried.
func (r *Runtime) claimNext(ctx context.Context, kind models.TaskKind) (*models.Task, error) {
	tasks, err := r.client.ListTasks(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		task, err := r.client.ClaimTask(ctx, kind, tasks[i].ID)
		if errors.Is(err, client.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, nil
}

// runTask executes one claimed task to a terminal report.
func (r *Runtime) runTask(ctx context.Context, task *models.Task) {
	log := r.log.WithFields(logrus.Fields{
		"task":  task.ID,
		"order": task.OrderID,
	})
	log.Info("task started")
	r.beat(ctx, models.HeartbeatBusy, task.ID)

	// The handler may run for hours; keep the busy signal fresh so the
	// worker does not look stale mid-build.
	beatsDone := make(chan struct{})
	defer close(beatsDone)
	go func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-beatsDone:
				return
			case <-ticker.C:
				r.beat(ctx, models.HeartbeatBusy, task.ID)
			}
		}
	}()

	workDir := filepath.Join(r.opts.WorkDir, task.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.WithError(err).Error("create task workdir")
		return
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).Warn("purge task workdir")
		}
	}()

	sess := newSession(r.client, r.handler.Kind(), task.ID, workDir, r.log, r.opts)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.watchCancel(runCtx, cancel)

	err := r.handler.Run(runCtx, sess, task)
	switch {
	case err == nil:
		log.Info("task finished")
	case errors.Is(err, ErrCanceled):
		log.Info("task canceled")
		sess.report(context.Background(), models.TaskCanceled, "canceled on request", scheduler.ExtraFields{})
	default:
		log.WithError(err).Error("task failed")
	}
	r.beat(ctx, models.HeartbeatIdle, "")
}

func (r *Runtime) beat(ctx context.Context, status models.HeartbeatStatus, payload string) {
	if err := r.client.Heartbeat(ctx, r.handler.Kind(), r.opts.Slot, status, payload); err != nil {
		r.log.WithError(err).Debug("heartbeat failed")
	}
}

// Session is a handler's connection to the scheduler for one task.
type Session struct {
	client  *client.Client
	kind    models.TaskKind
	taskID  string
	workDir string
	log     *logrus.Logger
	opts    Options
}

func newSession(c *client.Client, kind models.TaskKind, taskID, workDir string, log *logrus.Logger, opts Options) *Session {
	return &Session{
		client:  c,
		kind:    kind,
		taskID:  taskID,
		workDir: workDir,
		log:     log,
		opts:    opts,
	}
}

// WorkDir is the task's scratch directory, purged after the run.
func (s *Session) WorkDir() string { return s.workDir }

// Report pushes a status transition.
func (s *Session) Report(ctx context.Context, status models.TaskStatus, payload string, extra scheduler.ExtraFields) error {
	return s.report(ctx, status, payload, extra)
}

func (s *Session) report(ctx context.Context, status models.TaskStatus, payload string, extra scheduler.ExtraFields) error {
	_, err := s.client.ReportStatus(ctx, s.kind, s.taskID, status, payload, extra)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"task":   s.taskID,
			"status": string(status),
		}).Error("status report failed")
	}
	return err
}

// ShipLogs periodically drains the job's output into the scheduler's
// named log stream until the job finishes or the context ends.
func (s *Session) ShipLogs(ctx context.Context, name string, job *Job) {
	ticker := time.NewTicker(s.opts.LogInterval)
	defer ticker.Stop()
	flush := func() {
		if chunk := job.Drain(); chunk != "" {
			if err := s.client.AppendLog(ctx, s.kind, s.taskID, name, chunk); err != nil {
				s.log.WithError(err).Debug("log shipping failed")
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-job.done:
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

// watchCancel polls the task document for the cooperative cancel flag
// and cancels the run context when it appears.
func (s *Session) watchCancel(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.opts.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := s.client.GetTask(ctx, s.kind, s.taskID)
			if err != nil {
				continue
			}
			if task.CancelRequested {
				s.log.WithField("task", s.taskID).Info("cancel requested")
				cancel()
				return
			}
		}
	}
}
