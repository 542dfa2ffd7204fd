package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/blobstore"
	"github.com/cardforge/cardforge/internal/cascade"
	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/notify"
	"github.com/cardforge/cardforge/internal/store"
)

// Sweeper is the periodic reconciliation loop. It is the only component
// that times out stuck tasks, expires published images, and re-triggers
// auto-image subscriptions. Every pass is idempotent; a missed tick is
// caught up by the next one.
type Sweeper struct {
	service  *Service
	log      *logrus.Logger
	clock    Clock
	interval time.Duration

	// blob, when set, lets the sweep purge expired artifacts from
	// object storage.
	blob blobstore.Store
}

// NewSweeper builds a sweeper over the service.
func NewSweeper(service *Service, log *logrus.Logger, interval time.Duration) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		service:  service,
		log:      log,
		clock:    service.clock,
		interval: interval,
	}
}

// SetClock overrides the clock. Test hook.
func (sw *Sweeper) SetClock(c Clock) { sw.clock = c }

// SetBlobStore enables artifact cleanup for expired orders.
func (sw *Sweeper) SetBlobStore(blob blobstore.Store) { sw.blob = blob }

// Run executes sweep passes until the context is canceled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.log.WithField("interval", sw.interval.String()).Info("sweep loop started")
	for {
		select {
		case <-ctx.Done():
			sw.log.Info("sweep loop stopped")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (sw *Sweeper) Sweep(ctx context.Context) {
	sw.sweepTimeouts(ctx)
	sw.sweepExpiry(ctx)
	sw.sweepAutoImages(ctx)
}

// sweepTimeouts times out every in-progress task whose current status
// has outlived its ceiling. The clock starts at the last status change,
// so a task that keeps reporting progress is never timed out.
func (sw *Sweeper) sweepTimeouts(ctx context.Context) {
	tasks, err := sw.service.store.ListInProgressTasks()
	if err != nil {
		sw.log.WithError(err).Error("list in-progress tasks")
		return
	}
	now := sw.clock.Now()
	for i := range tasks {
		task := &tasks[i]
		size := task.MediaSize
		if task.Image != nil && task.Image.Size > size {
			size = task.Image.Size
		}
		ceiling, ok := cascade.Ceiling(task.Kind, task.Status, size)
		if !ok {
			continue
		}
		last := task.Statuses.Last()
		if last.On.IsZero() || now.Sub(last.On) <= ceiling {
			continue
		}
		sw.timeoutTask(ctx, task, ceiling)
	}
}

// timeoutTask moves one stuck task to timedout and cascades the failure.
// A write-task timeout also cancels the order's remaining write tasks.
func (sw *Sweeper) timeoutTask(ctx context.Context, task *models.Task, ceiling time.Duration) {
	sw.log.WithFields(logrus.Fields{
		"task":    task.ID,
		"kind":    string(task.Kind),
		"status":  string(task.Status),
		"ceiling": ceiling.String(),
	}).Warn("task exceeded status ceiling")

	updated, err := sw.service.store.TransitionTask(task.Kind, task.ID, task.Status, models.TaskTimedout,
		"exceeded "+ceiling.String()+" in "+string(task.Status), nil)
	if err == store.ErrConflict {
		// The worker reported just ahead of us; the new status gets a
		// fresh ceiling on the next pass.
		return
	}
	if err != nil {
		sw.log.WithError(err).WithField("task", task.ID).Error("time out task")
		return
	}
	sw.service.cascadeTask(ctx, updated)

	if task.Kind != models.KindWrite {
		return
	}
	siblings, err := sw.service.store.ListTasksForOrder(models.KindWrite, task.OrderID)
	if err != nil {
		sw.log.WithError(err).WithField("order", task.OrderID).Error("list sibling write tasks")
		return
	}
	for i := range siblings {
		if siblings[i].ID == task.ID {
			continue
		}
		sw.service.cancelTask(&siblings[i])
	}
}

// sweepExpiry expires pending_expiry orders whose retention window has
// closed.
func (sw *Sweeper) sweepExpiry(ctx context.Context) {
	orders, err := sw.service.store.ListOrders(models.OrderPendingExpiry)
	if err != nil {
		sw.log.WithError(err).Error("list pending_expiry orders")
		return
	}
	now := sw.clock.Now()
	for i := range orders {
		order := &orders[i]
		if order.ExpireOn == nil || now.Before(*order.ExpireOn) {
			continue
		}
		updated, err := sw.service.store.TransitionOrder(order.ID, models.OrderPendingExpiry, models.OrderExpired, "retention window closed")
		if err == store.ErrConflict {
			continue
		}
		if err != nil {
			sw.log.WithError(err).WithField("order", order.ID).Error("expire order")
			continue
		}
		sw.log.WithField("order", order.ID).Info("order expired")
		sw.service.notifier.Notify(ctx, notify.EventOrderExpired, updated)
		sw.purgeArtifact(ctx, updated)
	}
}

// purgeArtifact removes an expired order's published image from object
// storage.
func (sw *Sweeper) purgeArtifact(ctx context.Context, order *models.Order) {
	if sw.blob == nil || order.CreateTaskID == "" {
		return
	}
	task, err := sw.service.store.GetTask(models.KindCreate, order.CreateTaskID)
	if err != nil || task.Image == nil {
		return
	}
	objectName := order.ID + "/" + task.Image.Name
	if err := sw.blob.Remove(ctx, objectName); err != nil {
		sw.log.WithError(err).WithField("order", order.ID).Warn("purge expired artifact")
		return
	}
	sw.log.WithFields(logrus.Fields{
		"order":  order.ID,
		"object": objectName,
	}).Info("expired artifact purged")
}

// sweepAutoImages reconciles recurring subscriptions: copy outcomes of
// finished build orders onto the subscription record, then re-trigger a
// fresh build for any subscription that is due.
func (sw *Sweeper) sweepAutoImages(ctx context.Context) {
	images, err := sw.service.store.ListAutoImages()
	if err != nil {
		sw.log.WithError(err).Error("list auto-images")
		return
	}
	now := sw.clock.Now()
	for i := range images {
		ai := &images[i]
		if ai.Status == models.AutoImageBuilding && ai.OrderID != "" {
			sw.settleAutoImage(ai)
		}
		if sw.autoImageDue(ai, now) {
			sw.rebuildAutoImage(ctx, ai)
		}
	}
}

// settleAutoImage copies the outcome of the subscription's current build
// order onto the subscription once that order is terminal or published.
func (sw *Sweeper) settleAutoImage(ai *models.AutoImage) {
	order, err := sw.service.store.GetOrder(ai.OrderID)
	if err == store.ErrNotFound {
		ai.Status = models.AutoImageFailed
		ai.OrderID = ""
		sw.saveAutoImage(ai)
		return
	}
	if err != nil {
		sw.log.WithError(err).WithField("auto_image", ai.Slug).Error("load subscription order")
		return
	}

	switch order.Status {
	case models.OrderPendingExpiry:
		ai.Status = models.AutoImageReady
		ai.ExpireOn = order.ExpireOn
		if order.CreateTaskID != "" {
			if task, err := sw.service.store.GetTask(models.KindCreate, order.CreateTaskID); err == nil && task.Image != nil {
				ai.ArtifactURL = task.Image.URL
			}
		}
		sw.saveAutoImage(ai)
	case models.OrderCreationFailed, models.OrderCanceled, models.OrderExpired:
		ai.Status = models.AutoImageFailed
		sw.saveAutoImage(ai)
	}
}

// autoImageDue reports whether the subscription needs a fresh build:
// never built, failed, or built but past its artifact's expiry.
func (sw *Sweeper) autoImageDue(ai *models.AutoImage, now time.Time) bool {
	switch ai.Status {
	case models.AutoImageNone, models.AutoImageFailed:
		return true
	case models.AutoImageReady:
		return ai.ExpireOn != nil && now.After(*ai.ExpireOn)
	}
	return false
}

// rebuildAutoImage submits a fresh virtual-media order for the
// subscription and marks it building.
func (sw *Sweeper) rebuildAutoImage(ctx context.Context, ai *models.AutoImage) {
	order, err := sw.service.CreateOrder(ctx, models.OrderRequest{
		Channel:   "auto-image",
		Config:    ai.Config,
		MediaType: models.MediaVirtual,
		Recipient: models.Recipient{Name: ai.Slug, Email: ai.Contact},
		AutoImage: ai.Slug,
	})
	if err != nil {
		sw.log.WithError(err).WithField("auto_image", ai.Slug).Error("re-trigger subscription build")
		return
	}
	ai.Status = models.AutoImageBuilding
	ai.OrderID = order.ID
	sw.saveAutoImage(ai)
	sw.log.WithFields(logrus.Fields{
		"auto_image": ai.Slug,
		"order":      order.ID,
	}).Info("subscription rebuild triggered")
}

func (sw *Sweeper) saveAutoImage(ai *models.AutoImage) {
	if err := sw.service.store.SaveAutoImage(ai); err != nil {
		sw.log.WithError(err).WithField("auto_image", ai.Slug).Error("save subscription")
	}
}
