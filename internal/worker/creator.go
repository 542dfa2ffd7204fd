package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/blobstore"
	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
)

// Creator builds images from order configurations and uploads them to
// the blob store. The build itself is delegated to an external builder
// command that reads a config file and produces an image file.
type Creator struct {
	blob     blobstore.Store
	buildCmd string
	log      *logrus.Logger
}

// NewCreator builds the create-task handler.
func NewCreator(blob blobstore.Store, buildCmd string, log *logrus.Logger) *Creator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Creator{blob: blob, buildCmd: buildCmd, log: log}
}

// Kind implements Handler.
func (c *Creator) Kind() models.TaskKind { return models.KindCreate }

// Run implements Handler: build, then upload.
func (c *Creator) Run(ctx context.Context, sess *Session, task *models.Task) error {
	if err := sess.Report(ctx, models.TaskBuilding, "", scheduler.ExtraFields{}); err != nil {
		return err
	}

	configPath := filepath.Join(sess.WorkDir(), "config.json")
	imagePath := filepath.Join(sess.WorkDir(), task.ID+".img")
	if err := os.WriteFile(configPath, []byte(task.Config), 0o644); err != nil {
		sess.Report(ctx, models.TaskFailedToBuild, "write build config: "+err.Error(), scheduler.ExtraFields{})
		return errors.Wrap(err, "write build config")
	}

	job, err := StartJob(sess.WorkDir(), c.buildCmd, configPath, imagePath)
	if err != nil {
		sess.Report(ctx, models.TaskFailedToBuild, err.Error(), scheduler.ExtraFields{})
		return err
	}
	go sess.ShipLogs(ctx, "build", job)

	if err := job.Wait(ctx); err != nil {
		if errors.Is(err, ErrCanceled) {
			return ErrCanceled
		}
		sess.Report(context.Background(), models.TaskFailedToBuild, tail(job), scheduler.ExtraFields{})
		return err
	}
	if err := sess.Report(ctx, models.TaskBuilt, "", scheduler.ExtraFields{}); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ErrCanceled
	}
	if err := sess.Report(ctx, models.TaskUploading, "", scheduler.ExtraFields{}); err != nil {
		return err
	}

	objectName := task.OrderID + "/" + filepath.Base(imagePath)
	var expireOn time.Time
	if task.ExpireOn != nil {
		expireOn = *task.ExpireOn
	}
	ref, err := c.blob.Upload(ctx, imagePath, objectName, task.Publish, expireOn)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		sess.Report(context.Background(), models.TaskFailedToUpload, err.Error(), scheduler.ExtraFields{})
		return err
	}

	final := models.TaskUploaded
	if task.Publish {
		final = models.TaskUploadedPublic
	}
	return sess.Report(ctx, final, "", scheduler.ExtraFields{Image: ref})
}

// tail returns a short failure excerpt from the job output.
func tail(job *Job) string {
	out := job.Tail()
	const limit = 4096
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
