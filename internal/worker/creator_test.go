package worker

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardforge/cardforge/internal/api"
	"github.com/cardforge/cardforge/internal/blobstore"
	"github.com/cardforge/cardforge/internal/client"
	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
	"github.com/cardforge/cardforge/internal/store"
)

// fakeBlob records uploads without touching a real object store.
type fakeBlob struct {
	uploads  []string
	public   bool
	expireOn time.Time
	failUp   bool
}

func (f *fakeBlob) Upload(_ context.Context, localPath, objectName string, public bool, expireOn time.Time) (*models.ImageRef, error) {
	if f.failUp {
		return nil, os.ErrPermission
	}
	f.uploads = append(f.uploads, objectName)
	f.public = public
	f.expireOn = expireOn
	ref := &models.ImageRef{Name: filepath.Base(objectName), Checksum: "fake", Size: 1}
	if public {
		ref.URL = "https://blobs/" + objectName
	}
	return ref, nil
}

func (f *fakeBlob) Download(_ context.Context, ref *models.ImageRef, localPath string) error {
	return os.WriteFile(localPath, []byte("image"), 0o644)
}

func (f *fakeBlob) Remove(_ context.Context, _ string) error { return nil }

var _ blobstore.Store = (*fakeBlob)(nil)

type workerEnv struct {
	store   *store.Store
	service *scheduler.Service
	client  *client.Client
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.CreateAccount("creator-1", "secret", models.RoleWorker); err != nil {
		t.Fatal(err)
	}

	svc := scheduler.NewService(s, nil, nil, 10*24*time.Hour)
	srv := api.NewServer(svc, nil, "test-secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &workerEnv{
		store:   s,
		service: svc,
		client:  client.New(ts.URL, client.Credentials{Username: "creator-1", Password: "secret"}),
	}
}

// buildScript writes an executable that copies its config arg to the
// image arg, standing in for the real image builder.
func buildScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "builder.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func submitOrder(t *testing.T, env *workerEnv, media models.MediaType) *models.Order {
	t.Helper()
	req := models.OrderRequest{
		Channel:   "web",
		Config:    `{"name":"demo"}`,
		MediaType: media,
		Quantity:  1,
		Recipient: models.Recipient{Name: "Ada"},
	}
	if media == models.MediaVirtual {
		req.Quantity = 0
	}
	order, err := env.service.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	return order
}

func TestCreatorBuildsAndUploads(t *testing.T) {
	env := newWorkerEnv(t)
	order := submitOrder(t, env, models.MediaPhysical)
	blob := &fakeBlob{}
	creator := NewCreator(blob, buildScript(t, `cp "$1" "$2"`), nil)

	rt := NewRuntime(env.client, creator, nil, Options{
		Slot:       "0",
		WorkDir:    t.TempDir(),
		CancelPoll: 50 * time.Millisecond,
	})
	ctx := context.Background()
	task, err := rt.claimNext(ctx, models.KindCreate)
	if err != nil || task == nil {
		t.Fatalf("claimNext = (%v, %v)", task, err)
	}
	rt.runTask(ctx, task)

	got, _ := env.store.GetTask(models.KindCreate, task.ID)
	if got.Status != models.TaskUploaded {
		t.Fatalf("expected uploaded, got %s (%+v)", got.Status, got.Statuses)
	}
	if got.Image == nil || got.Image.Checksum != "fake" {
		t.Errorf("image ref not recorded: %+v", got.Image)
	}
	if len(blob.uploads) != 1 || blob.public {
		t.Errorf("expected one private upload, got %+v public=%v", blob.uploads, blob.public)
	}
	if blob.expireOn.IsZero() {
		t.Error("upload should carry the task's expiry metadata")
	} else if d := time.Until(blob.expireOn); d < 9*24*time.Hour || d > 11*24*time.Hour {
		t.Errorf("artifact expiry not aligned with the retention window: %v away", d)
	}

	gotOrder, _ := env.store.GetOrder(order.ID)
	if gotOrder.Status != models.OrderPendingWriter {
		t.Errorf("expected pending_writer, got %s", gotOrder.Status)
	}
	if gotOrder.DownloadTaskID == "" {
		t.Error("expected a download task to follow the upload")
	}
}

func TestCreatorPublishesVirtualMedia(t *testing.T) {
	env := newWorkerEnv(t)
	order := submitOrder(t, env, models.MediaVirtual)
	blob := &fakeBlob{}
	creator := NewCreator(blob, buildScript(t, `cp "$1" "$2"`), nil)

	rt := NewRuntime(env.client, creator, nil, Options{WorkDir: t.TempDir()})
	ctx := context.Background()
	task, _ := rt.claimNext(ctx, models.KindCreate)
	if task == nil {
		t.Fatal("no claimable task")
	}
	rt.runTask(ctx, task)

	got, _ := env.store.GetTask(models.KindCreate, task.ID)
	if got.Status != models.TaskUploadedPublic {
		t.Fatalf("expected uploaded_public, got %s", got.Status)
	}
	if !blob.public {
		t.Error("virtual media should upload publicly")
	}
	gotOrder, _ := env.store.GetOrder(order.ID)
	if gotOrder.Status != models.OrderPendingExpiry {
		t.Errorf("expected pending_expiry, got %s", gotOrder.Status)
	}
}

func TestCreatorReportsBuildFailure(t *testing.T) {
	env := newWorkerEnv(t)
	order := submitOrder(t, env, models.MediaPhysical)
	creator := NewCreator(&fakeBlob{}, buildScript(t, `echo "no such layer" 1>&2; exit 1`), nil)

	rt := NewRuntime(env.client, creator, nil, Options{WorkDir: t.TempDir()})
	ctx := context.Background()
	task, _ := rt.claimNext(ctx, models.KindCreate)
	if task == nil {
		t.Fatal("no claimable task")
	}
	rt.runTask(ctx, task)

	got, _ := env.store.GetTask(models.KindCreate, task.ID)
	if got.Status != models.TaskFailedToBuild {
		t.Fatalf("expected failed_to_build, got %s", got.Status)
	}
	if last := got.Statuses.Last(); last.Payload == "" {
		t.Error("failure entry should carry an output excerpt")
	}
	gotOrder, _ := env.store.GetOrder(order.ID)
	if gotOrder.Status != models.OrderCreationFailed {
		t.Errorf("expected creation_failed, got %s", gotOrder.Status)
	}
}

func TestCreatorCancelBeatsFailure(t *testing.T) {
	env := newWorkerEnv(t)
	order := submitOrder(t, env, models.MediaPhysical)
	// The builder traps TERM and exits non-zero, like a real tool dying
	// noisily on shutdown.
	creator := NewCreator(&fakeBlob{}, buildScript(t, `trap 'exit 7' TERM; sleep 30`), nil)

	rt := NewRuntime(env.client, creator, nil, Options{
		WorkDir:    t.TempDir(),
		CancelPoll: 50 * time.Millisecond,
	})
	ctx := context.Background()
	task, _ := rt.claimNext(ctx, models.KindCreate)
	if task == nil {
		t.Fatal("no claimable task")
	}

	done := make(chan struct{})
	go func() {
		rt.runTask(ctx, task)
		close(done)
	}()

	// Let the build start, then flag the cooperative cancel.
	time.Sleep(300 * time.Millisecond)
	if err := env.store.RequestTaskCancel(models.KindCreate, task.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("task did not stop after cancel request")
	}

	got, _ := env.store.GetTask(models.KindCreate, task.ID)
	if got.Status != models.TaskCanceled {
		t.Fatalf("expected canceled to win over failure, got %s", got.Status)
	}
	gotOrder, _ := env.store.GetOrder(order.ID)
	if gotOrder.Status != models.OrderCanceled {
		t.Errorf("expected canceled order, got %s", gotOrder.Status)
	}
}

func TestBusyHeartbeatsStayFreshDuringRun(t *testing.T) {
	env := newWorkerEnv(t)
	submitOrder(t, env, models.MediaPhysical)
	creator := NewCreator(&fakeBlob{}, buildScript(t, `sleep 2; cp "$1" "$2"`), nil)

	rt := NewRuntime(env.client, creator, nil, Options{
		WorkDir:           t.TempDir(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	ctx := context.Background()
	task, _ := rt.claimNext(ctx, models.KindCreate)
	if task == nil {
		t.Fatal("no claimable task")
	}

	done := make(chan struct{})
	go func() {
		rt.runTask(ctx, task)
		close(done)
	}()

	busyAt := func() (time.Time, bool) {
		beats, err := env.store.ListHeartbeats()
		if err != nil {
			t.Fatal(err)
		}
		for _, hb := range beats {
			if hb.Status == models.HeartbeatBusy && hb.Payload == task.ID {
				return hb.On, true
			}
		}
		return time.Time{}, false
	}

	var first time.Time
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if on, ok := busyAt(); ok {
			first = on
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if first.IsZero() {
		t.Fatal("no busy heartbeat observed")
	}

	// A second, later busy beat must land while the build still runs.
	refreshed := false
	for time.Now().Before(deadline) {
		if on, ok := busyAt(); ok && on.After(first) {
			refreshed = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !refreshed {
		t.Error("busy heartbeat went stale during a long run")
	}
	<-done
}

func TestWriterBurnsCard(t *testing.T) {
	env := newWorkerEnv(t)
	imageDir := t.TempDir()

	// Seed a write task directly with a local image already in place.
	order := submitOrder(t, env, models.MediaPhysical)
	img := &models.ImageRef{Name: "demo.img", Checksum: "fake", Size: 5}
	os.MkdirAll(filepath.Join(imageDir, order.ID), 0o755)
	os.WriteFile(filepath.Join(imageDir, order.ID, "demo.img"), []byte("image"), 0o644)

	task := &models.Task{
		Kind:    models.KindWrite,
		OrderID: order.ID,
		Image:   img,
	}
	if err := env.store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	device := filepath.Join(t.TempDir(), "mmcblk0")
	os.WriteFile(device, nil, 0o644) // card already inserted

	writer := NewWriter(device, imageDir,
		buildScript(t, `: > "$1"`),          // wipe: truncate
		buildScript(t, `cp "$1" "$2"`), nil) // write: copy image
	rt := NewRuntime(env.client, writer, nil, Options{WorkDir: t.TempDir()})

	ctx := context.Background()
	claimed, err := rt.claimNext(ctx, models.KindWrite)
	if err != nil || claimed == nil {
		t.Fatalf("claimNext = (%v, %v)", claimed, err)
	}
	rt.runTask(ctx, claimed)

	got, _ := env.store.GetTask(models.KindWrite, task.ID)
	if got.Status != models.TaskWritten {
		t.Fatalf("expected written, got %s (%+v)", got.Status, got.Statuses)
	}
	if got.MediaID != device {
		t.Errorf("expected the device recorded as media id, got %q", got.MediaID)
	}
	data, _ := os.ReadFile(device)
	if string(data) != "image" {
		t.Errorf("device should hold the image bytes, got %q", data)
	}
}

func TestDownloaderVerifiesAndStores(t *testing.T) {
	env := newWorkerEnv(t)
	imageDir := t.TempDir()
	order := submitOrder(t, env, models.MediaPhysical)

	task := &models.Task{
		Kind:    models.KindDownload,
		OrderID: order.ID,
		Image:   &models.ImageRef{Name: "demo.img", Checksum: "fake", Size: 5},
	}
	if err := env.store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	dl := NewDownloader(&fakeBlob{}, imageDir, nil)
	rt := NewRuntime(env.client, dl, nil, Options{WorkDir: t.TempDir()})

	ctx := context.Background()
	claimed, _ := rt.claimNext(ctx, models.KindDownload)
	if claimed == nil {
		t.Fatal("no claimable task")
	}
	rt.runTask(ctx, claimed)

	got, _ := env.store.GetTask(models.KindDownload, task.ID)
	if got.Status != models.TaskDownloaded {
		t.Fatalf("expected downloaded, got %s", got.Status)
	}
	if _, err := os.Stat(filepath.Join(imageDir, order.ID, "demo.img")); err != nil {
		t.Errorf("image not stored on host: %v", err)
	}
}
