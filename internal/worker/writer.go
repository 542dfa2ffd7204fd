package worker

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
)

// Writer burns downloaded images onto physical cards in one card slot.
// Wiping and writing are delegated to external commands that take the
// device path (and for writes, the image path).
type Writer struct {
	device   string
	imageDir string
	wipeCmd  string
	writeCmd string
	// cardPoll is how often the slot is checked for an inserted card.
	cardPoll time.Duration
	log      *logrus.Logger
}

// NewWriter builds the write-task handler for one card slot device.
func NewWriter(device, imageDir, wipeCmd, writeCmd string, log *logrus.Logger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{
		device:   device,
		imageDir: imageDir,
		wipeCmd:  wipeCmd,
		writeCmd: writeCmd,
		cardPoll: 2 * time.Second,
		log:      log,
	}
}

// Kind implements Handler.
func (w *Writer) Kind() models.TaskKind { return models.KindWrite }

// Run implements Handler: wait for a card, wipe it, write the image.
func (w *Writer) Run(ctx context.Context, sess *Session, task *models.Task) error {
	if task.Image == nil {
		err := errors.New("write task has no image reference")
		sess.Report(ctx, models.TaskFailedToWrite, err.Error(), scheduler.ExtraFields{})
		return err
	}
	imagePath := ImagePath(w.imageDir, task.OrderID, task.Image)
	if _, err := os.Stat(imagePath); err != nil {
		sess.Report(ctx, models.TaskFailedToWrite, "image not on host: "+err.Error(), scheduler.ExtraFields{})
		return errors.Wrap(err, "local image missing")
	}

	if err := sess.Report(ctx, models.TaskWaitingForCard, "", scheduler.ExtraFields{}); err != nil {
		return err
	}
	if err := w.waitForCard(ctx); err != nil {
		return err
	}
	// The device path doubles as the unit identifier in the record.
	if err := sess.Report(ctx, models.TaskCardInserted, "", scheduler.ExtraFields{MediaID: w.device}); err != nil {
		return err
	}

	if err := w.runStage(ctx, sess, "wipe", models.TaskWipingSDCard, models.TaskFailedToWipe, w.wipeCmd, w.device); err != nil {
		return err
	}
	if err := sess.Report(ctx, models.TaskCardWiped, "", scheduler.ExtraFields{}); err != nil {
		return err
	}

	if err := w.runStage(ctx, sess, "write", models.TaskWriting, models.TaskFailedToWrite, w.writeCmd, imagePath, w.device); err != nil {
		return err
	}
	return sess.Report(ctx, models.TaskWritten, "", scheduler.ExtraFields{})
}

// waitForCard polls the slot until a card appears or the run is
// canceled. Giving up on a slot that stays empty is the reconciliation
// sweep's call, not ours.
func (w *Writer) waitForCard(ctx context.Context) error {
	ticker := time.NewTicker(w.cardPoll)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(w.device); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrCanceled
		case <-ticker.C:
		}
	}
}

// runStage reports the running status, executes one external command,
// and reports the failure status when it exits non-zero.
func (w *Writer) runStage(ctx context.Context, sess *Session, name string, running, failed models.TaskStatus, cmd string, args ...string) error {
	if err := sess.Report(ctx, running, "", scheduler.ExtraFields{}); err != nil {
		return err
	}
	job, err := StartJob(sess.WorkDir(), cmd, args...)
	if err != nil {
		sess.Report(ctx, failed, err.Error(), scheduler.ExtraFields{})
		return err
	}
	go sess.ShipLogs(ctx, name, job)

	if err := job.Wait(ctx); err != nil {
		if errors.Is(err, ErrCanceled) {
			return ErrCanceled
		}
		sess.Report(context.Background(), failed, tail(job), scheduler.ExtraFields{})
		return err
	}
	return nil
}
