// Package scheduler implements the order/task orchestration engine: the
// service layer that claims tasks, applies status reports, cascades task
// outcomes into order status, and the periodic reconciliation sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/cascade"
	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/notify"
	"github.com/cardforge/cardforge/internal/store"
)

// ErrBadTransition indicates a reported status is not reachable from the
// task's current status.
var ErrBadTransition = errors.New("illegal status transition")

// ErrOrderTerminal indicates the order can no longer be acted on.
var ErrOrderTerminal = errors.New("order is terminal")

// ErrBadRequest indicates an invalid order submission.
var ErrBadRequest = errors.New("invalid order request")

// Clock abstracts time for the service and sweep.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Service is the stateless orchestration layer over the store. It is
// safe for concurrent use; all mutual exclusion lives in the store's
// conditional updates.
type Service struct {
	store    *store.Store
	notifier notify.Notifier
	log      *logrus.Logger
	clock    Clock

	// retention bounds how long a virtual-media image stays published.
	retention time.Duration
}

// NewService creates the orchestration service.
func NewService(s *store.Store, notifier notify.Notifier, log *logrus.Logger, retention time.Duration) *Service {
	if notifier == nil {
		notifier = &notify.LogNotifier{Log: log}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if retention <= 0 {
		retention = 10 * 24 * time.Hour
	}
	s.SetRetention(retention)
	return &Service{
		store:     s,
		notifier:  notifier,
		log:       log,
		clock:     realClock{},
		retention: retention,
	}
}

// SetClock overrides the clock. Test hook.
func (s *Service) SetClock(c Clock) { s.clock = c }

// Store exposes the underlying store for read-only API handlers.
func (s *Service) Store() *store.Store { return s.store }

// --- Order operations ---

// CreateOrder validates and persists a new order together with its
// pending create-task, and fires the order-created notification.
func (s *Service) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if req.Config == "" {
		return nil, errors.Wrap(ErrBadRequest, "config is required")
	}
	switch req.MediaType {
	case models.MediaPhysical:
		if req.Quantity < 1 {
			return nil, errors.Wrap(ErrBadRequest, "physical media needs quantity >= 1")
		}
	case models.MediaVirtual:
		req.Quantity = 0
	default:
		return nil, errors.Wrap(ErrBadRequest, "unknown media type")
	}

	order, task, err := s.store.CreateOrder(req)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"order": order.ID,
		"task":  task.ID,
		"media": string(req.MediaType),
	}).Info("order created")
	s.notifier.Notify(ctx, notify.EventOrderCreated, order)
	return order, nil
}

// GetOrder retrieves one order.
func (s *Service) GetOrder(id string) (*models.Order, error) {
	return s.store.GetOrder(id)
}

// ListOrders returns orders, optionally filtered by status.
func (s *Service) ListOrders(status models.OrderStatus) ([]models.Order, error) {
	return s.store.ListOrders(status)
}

// CancelOrder cancels a non-terminal order: pending child tasks are
// canceled directly, running ones get the cooperative cancel flag and
// report `canceled` themselves.
func (s *Service) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.GetOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return nil, ErrOrderTerminal
	}

	for _, kind := range models.Kinds {
		tasks, err := s.store.ListTasksForOrder(kind, order.ID)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			s.cancelTask(&tasks[i])
		}
	}

	updated, err := s.store.TransitionOrder(order.ID, order.Status, models.OrderCanceled, "canceled by operator")
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.EventOrderCanceled, updated)
	return updated, nil
}

// cancelTask cancels one task: immediately when still pending, via the
// cooperative flag otherwise.
func (s *Service) cancelTask(task *models.Task) {
	if cascade.TaskTerminal(task.Status) {
		return
	}
	if task.Status == models.TaskPending {
		if _, err := s.store.TransitionTask(task.Kind, task.ID, models.TaskPending, models.TaskCanceled, "canceled before claim", nil); err != nil && err != store.ErrConflict {
			s.log.WithError(err).WithField("task", task.ID).Warn("cancel pending task")
		}
		return
	}
	if err := s.store.RequestTaskCancel(task.Kind, task.ID); err != nil {
		s.log.WithError(err).WithField("task", task.ID).Warn("flag task cancel")
	}
}

// MarkShipped records the shipment of a pending_shipment order.
func (s *Service) MarkShipped(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.TransitionOrder(id, models.OrderPendingShipment, models.OrderShipped, "")
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.EventOrderShipped, order)
	return order, nil
}

// UpdateOrder applies non-status field edits to an order. Status moves
// only through task cascades and the explicit cancel/ship operations.
func (s *Service) UpdateOrder(id string, fn func(*models.Order)) (*models.Order, error) {
	return s.store.UpdateOrder(id, fn)
}

// AnonymizeOrder redacts the order's PII while preserving the record.
func (s *Service) AnonymizeOrder(id string) (*models.Order, error) {
	return s.store.AnonymizeOrder(id)
}

// --- Task operations ---

// ListClaimable returns pending tasks of one kind that the worker may
// claim: unassigned tasks plus tasks pre-assigned to this identity.
func (s *Service) ListClaimable(kind models.TaskKind, worker string) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(kind, models.TaskPending)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.AssignedTo == "" || t.AssignedTo == worker {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTask retrieves one task.
func (s *Service) GetTask(kind models.TaskKind, id string) (*models.Task, error) {
	return s.store.GetTask(kind, id)
}

// ClaimTask atomically assigns a pending task to a worker. A lost race
// surfaces as store.ErrConflict, which callers treat as a normal miss.
func (s *Service) ClaimTask(ctx context.Context, kind models.TaskKind, id, worker string) (*models.Task, error) {
	task, err := s.store.ClaimTask(kind, id, worker)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"task":   task.ID,
		"kind":   string(kind),
		"worker": worker,
	}).Info("task claimed")
	s.cascadeTask(ctx, task)
	return task, nil
}

// ExtraFields carries the kind-specific fields a worker may merge into
// the task document alongside a status report.
type ExtraFields struct {
	Image   *models.ImageRef `json:"image,omitempty"`
	MediaID string           `json:"media_id,omitempty"`
}

// ReportTaskStatus applies a worker's status report: validates the
// per-kind transition, appends history, merges extra fields, then
// cascades into the owning order and creates next-stage tasks. The
// update either fully succeeds or the caller must retry; nothing is
// silently dropped.
func (s *Service) ReportTaskStatus(ctx context.Context, kind models.TaskKind, id string, status models.TaskStatus, logExcerpt string, extra ExtraFields) (*models.Task, error) {
	current, err := s.store.GetTask(kind, id)
	if err != nil {
		return nil, err
	}
	if !cascade.CanTransition(kind, current.Status, status) {
		return nil, errors.Wrapf(ErrBadTransition, "%s: %s -> %s", kind, current.Status, status)
	}

	task, err := s.store.TransitionTask(kind, id, current.Status, status, logExcerpt, func(t *models.Task) {
		if extra.Image != nil {
			t.Image = extra.Image
		}
		if extra.MediaID != "" {
			t.MediaID = extra.MediaID
		}
	})
	if err != nil {
		return nil, err
	}
	if logExcerpt != "" {
		if err := s.store.AppendTaskLog(kind, id, "worker", logExcerpt); err != nil {
			s.log.WithError(err).WithField("task", id).Warn("append log excerpt")
		}
	}

	s.cascadeTask(ctx, task)
	return task, nil
}

// AppendTaskLog pushes an incremental log excerpt into a named stream.
func (s *Service) AppendTaskLog(kind models.TaskKind, id, name, content string) error {
	return s.store.AppendTaskLog(kind, id, name, content)
}

// RecordHeartbeat stores a worker liveness signal.
func (s *Service) RecordHeartbeat(hb models.Heartbeat) error {
	return s.store.UpsertHeartbeat(hb)
}

// ListHeartbeats returns the known worker heartbeats.
func (s *Service) ListHeartbeats() ([]models.Heartbeat, error) {
	return s.store.ListHeartbeats()
}

// --- Cascade ---

// cascadeTask derives the order status from a task's current status and
// applies it, together with next-stage side effects. Cascading the same
// status twice is a no-op.
func (s *Service) cascadeTask(ctx context.Context, task *models.Task) {
	target, ok := cascade.OrderStatusFor(task.Kind, task.Status)
	if !ok {
		return
	}

	// pending_shipment is gated on every sibling write task being done.
	if task.Kind == models.KindWrite && task.Status == models.TaskWritten {
		done, err := s.allWritesDone(task.OrderID)
		if err != nil {
			s.log.WithError(err).WithField("order", task.OrderID).Error("check sibling writes")
			return
		}
		if !done {
			target = models.OrderWriting
		}
	}

	// Two attempts: a concurrent cascade may move the order between our
	// read and the conditional update; the sweep re-derives anything we
	// give up on.
	for attempt := 0; attempt < 2; attempt++ {
		order, err := s.store.GetOrder(task.OrderID)
		if err != nil {
			s.log.WithError(err).WithField("order", task.OrderID).Error("load order for cascade")
			return
		}
		next, changed := cascade.ApplyOrder(order.Status, target)
		if !changed {
			return
		}
		updated, err := s.store.TransitionOrder(order.ID, order.Status, next, "task "+task.ID+": "+string(task.Status))
		if err == store.ErrConflict {
			continue
		}
		if err != nil {
			s.log.WithError(err).WithField("order", order.ID).Error("cascade order status")
			return
		}
		s.applySideEffects(ctx, updated, task)
		return
	}
}

// applySideEffects runs the next-stage creation and notification hooks
// for an order that just transitioned.
func (s *Service) applySideEffects(ctx context.Context, order *models.Order, task *models.Task) {
	switch order.Status {
	case models.OrderPendingWriter:
		// The image is built and stored; hand it to a downloader.
		s.createDownloadTask(order, task)
		s.notifier.Notify(ctx, notify.EventImageReady, order)

	case models.OrderPendingExpiry:
		expire := s.clock.Now().Add(s.retention)
		if _, err := s.store.UpdateOrder(order.ID, func(o *models.Order) {
			o.ExpireOn = &expire
		}); err != nil {
			s.log.WithError(err).WithField("order", order.ID).Error("set expiry window")
		}
		s.notifier.Notify(ctx, notify.EventImageReady, order)

	case models.OrderWriting:
		if task.Kind == models.KindDownload && task.Status == models.TaskDownloaded {
			s.createWriteTasks(order, task)
		}

	case models.OrderPendingShipment:
		if order.DownloadTaskID != "" {
			if err := s.store.MarkImageForDeletion(order.DownloadTaskID); err != nil {
				s.log.WithError(err).WithField("order", order.ID).Warn("mark image for deletion")
			}
		}
		s.notifier.Notify(ctx, notify.EventShipmentPending, order)

	case models.OrderCreationFailed, models.OrderDownloadFailed, models.OrderWriteFailed:
		s.notifier.Notify(ctx, notify.EventOrderFailed, order)

	case models.OrderCanceled:
		s.notifier.Notify(ctx, notify.EventOrderCanceled, order)
	}
}

// createDownloadTask creates the download stage once the image is
// uploaded. Virtual-media orders never reach this path.
func (s *Service) createDownloadTask(order *models.Order, createTask *models.Task) {
	task := &models.Task{
		Kind:      models.KindDownload,
		OrderID:   order.ID,
		Channel:   order.Channel,
		Image:     createTask.Image,
		MediaSize: order.MediaSize,
	}
	if err := s.store.CreateTask(task); err != nil {
		s.log.WithError(err).WithField("order", order.ID).Error("create download task")
		return
	}
	if _, err := s.store.UpdateOrder(order.ID, func(o *models.Order) {
		o.DownloadTaskID = task.ID
	}); err != nil {
		s.log.WithError(err).WithField("order", order.ID).Error("link download task")
	}
}

// createWriteTasks creates one write task per requested physical unit.
func (s *Service) createWriteTasks(order *models.Order, downloadTask *models.Task) {
	ids := make([]string, 0, order.Quantity)
	for i := 0; i < order.Quantity; i++ {
		task := &models.Task{
			Kind:      models.KindWrite,
			OrderID:   order.ID,
			Channel:   order.Channel,
			Image:     downloadTask.Image,
			MediaSize: order.MediaSize,
		}
		if err := s.store.CreateTask(task); err != nil {
			s.log.WithError(err).WithField("order", order.ID).Error("create write task")
			continue
		}
		ids = append(ids, task.ID)
	}
	if _, err := s.store.UpdateOrder(order.ID, func(o *models.Order) {
		o.WriteTaskIDs = ids
	}); err != nil {
		s.log.WithError(err).WithField("order", order.ID).Error("link write tasks")
	}
}

// allWritesDone reports whether every write task of the order has
// reached `written`.
func (s *Service) allWritesDone(orderID string) (bool, error) {
	tasks, err := s.store.ListTasksForOrder(models.KindWrite, orderID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	for _, t := range tasks {
		if t.Status != models.TaskWritten {
			return false, nil
		}
	}
	return true, nil
}
