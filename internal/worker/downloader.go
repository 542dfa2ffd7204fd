package worker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/blobstore"
	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
)

// Downloader fetches built images onto the writer host's local cache so
// write tasks can burn them without touching the network.
type Downloader struct {
	blob     blobstore.Store
	imageDir string
	log      *logrus.Logger
}

// NewDownloader builds the download-task handler. Images land in
// imageDir under their artifact name.
func NewDownloader(blob blobstore.Store, imageDir string, log *logrus.Logger) *Downloader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Downloader{blob: blob, imageDir: imageDir, log: log}
}

// Kind implements Handler.
func (d *Downloader) Kind() models.TaskKind { return models.KindDownload }

// Run implements Handler.
func (d *Downloader) Run(ctx context.Context, sess *Session, task *models.Task) error {
	if task.Image == nil {
		err := errors.New("download task has no image reference")
		sess.Report(ctx, models.TaskFailedToDownload, err.Error(), scheduler.ExtraFields{})
		return err
	}
	if err := sess.Report(ctx, models.TaskDownloading, "", scheduler.ExtraFields{}); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(d.imageDir, task.OrderID), 0o755); err != nil {
		sess.Report(ctx, models.TaskFailedToDownload, err.Error(), scheduler.ExtraFields{})
		return errors.Wrap(err, "create image dir")
	}
	localPath := ImagePath(d.imageDir, task.OrderID, task.Image)

	ref := *task.Image
	ref.Name = task.OrderID + "/" + task.Image.Name
	if err := d.blob.Download(ctx, &ref, localPath); err != nil {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		sess.Report(context.Background(), models.TaskFailedToDownload, err.Error(), scheduler.ExtraFields{})
		return err
	}
	if ctx.Err() != nil {
		os.Remove(localPath)
		return ErrCanceled
	}
	return sess.Report(ctx, models.TaskDownloaded, "", scheduler.ExtraFields{})
}

// ImagePath is where a downloaded image lives on the writer host.
func ImagePath(imageDir, orderID string, ref *models.ImageRef) string {
	return filepath.Join(imageDir, orderID, ref.Name)
}
