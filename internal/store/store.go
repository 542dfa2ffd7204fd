// Package store provides SQLite-backed persistence for cardforge.
//
// Every status transition goes through a conditional update: the status
// column is swapped with a `WHERE status = ?` guard and a RowsAffected
// check, so two concurrent callers can never both win a claim or
// double-append history.
package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cardforge/cardforge/internal/models"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a conditional update lost the race: the record's
// status no longer matches the expected value.
var ErrConflict = errors.New("status conflict")

// Store provides access to the cardforge SQLite database.
type Store struct {
	db *gorm.DB

	// now stamps history entries; overridable in tests.
	now func() time.Time

	// retention is the artifact retention window stamped onto create
	// tasks at order intake.
	retention time.Duration
}

// Open creates a Store at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}

	if err := db.AutoMigrate(
		&models.Order{},
		&models.Task{},
		&models.Heartbeat{},
		&models.AutoImage{},
		&models.Account{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}

	return &Store{
		db:        db,
		now:       func() time.Time { return time.Now().UTC() },
		retention: 10 * 24 * time.Hour,
	}, nil
}

// SetClock overrides the history timestamp source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetRetention overrides the artifact retention window.
func (s *Store) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// --- Order operations ---

// CreateOrder inserts an order together with its first `created` history
// entry and its pending create-task, atomically.
func (s *Store) CreateOrder(req models.OrderRequest) (*models.Order, *models.Task, error) {
	now := s.now()
	order := &models.Order{
		ID:        uuid.New().String(),
		Channel:   req.Channel,
		Config:    req.Config,
		MediaType: req.MediaType,
		MediaSize: req.MediaSize,
		Quantity:  req.Quantity,
		Recipient: req.Recipient,
		ClientID:  req.ClientID,
		AutoImage: req.AutoImage,
		Status:    models.OrderCreated,
		Statuses:  models.StatusHistory{{Status: string(models.OrderCreated), On: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	expireOn := now.Add(s.retention)
	task := &models.Task{
		ID:        uuid.New().String(),
		Kind:      models.KindCreate,
		OrderID:   order.ID,
		Channel:   req.Channel,
		Config:    req.Config,
		MediaSize: req.MediaSize,
		Publish:   req.MediaType == models.MediaVirtual,
		ExpireOn:  &expireOn,
		Status:    models.TaskPending,
		Statuses:  models.StatusHistory{{Status: string(models.TaskPending), On: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.CreateTaskID = task.ID

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return errors.Wrap(err, "insert order")
		}
		return errors.Wrap(tx.Create(task).Error, "insert create task")
	})
	if err != nil {
		return nil, nil, err
	}
	return order, task, nil
}

// GetOrder retrieves an order by id.
func (s *Store) GetOrder(id string) (*models.Order, error) {
	var order models.Order
	err := s.db.First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	return &order, nil
}

// ListOrders returns orders, optionally filtered by status.
func (s *Store) ListOrders(status models.OrderStatus) ([]models.Order, error) {
	q := s.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []models.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	return orders, nil
}

// TransitionOrder conditionally moves an order from expected to target
// status and appends one history entry. Returns ErrConflict if the order
// is no longer in the expected status.
func (s *Store) TransitionOrder(id string, expected, target models.OrderStatus, payload string) (*models.Order, error) {
	var out models.Order
	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", id, expected).
			Update("status", target)
		if res.Error != nil {
			return errors.Wrap(res.Error, "update order status")
		}
		if res.RowsAffected == 0 {
			var exists int64
			tx.Model(&models.Order{}).Where("id = ?", id).Count(&exists)
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return errors.Wrap(err, "reload order")
		}
		out.Statuses = append(out.Statuses, models.StatusEntry{
			Status: string(target), On: now, Payload: payload,
		})
		out.UpdatedAt = now
		return errors.Wrap(tx.Save(&out).Error, "save order")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateOrder applies fn to the order inside a transaction. Status and
// history must not be touched here; transitions go through
// TransitionOrder.
func (s *Store) UpdateOrder(id string, fn func(*models.Order)) (*models.Order, error) {
	var out models.Order
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errors.Wrap(err, "load order")
		}
		fn(&out)
		out.UpdatedAt = s.now()
		return errors.Wrap(tx.Save(&out).Error, "save order")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AnonymizeOrder redacts the order's PII fields in place. The record and
// its history are preserved.
func (s *Store) AnonymizeOrder(id string) (*models.Order, error) {
	return s.UpdateOrder(id, func(o *models.Order) {
		o.Recipient = models.Recipient{Name: "redacted"}
		o.ClientID = ""
	})
}

// --- Task operations ---

// CreateTask inserts a pending task with its first history entry.
func (s *Store) CreateTask(t *models.Task) error {
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = models.TaskPending
	t.Statuses = models.StatusHistory{{Status: string(models.TaskPending), On: now}}
	t.CreatedAt = now
	t.UpdatedAt = now
	return errors.Wrap(s.db.Create(t).Error, "insert task")
}

// GetTask retrieves a task by kind and id.
func (s *Store) GetTask(kind models.TaskKind, id string) (*models.Task, error) {
	var task models.Task
	err := s.db.First(&task, "id = ? AND kind = ?", id, kind).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query task")
	}
	return &task, nil
}

// ListTasks returns tasks of one kind, optionally filtered by status.
func (s *Store) ListTasks(kind models.TaskKind, status models.TaskStatus) ([]models.Task, error) {
	q := s.db.Where("kind = ?", kind).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	return tasks, nil
}

// ListTasksForOrder returns all tasks of one kind belonging to an order.
func (s *Store) ListTasksForOrder(kind models.TaskKind, orderID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.Where("kind = ? AND order_id = ?", kind, orderID).
		Order("created_at ASC").Find(&tasks).Error
	if err != nil {
		return nil, errors.Wrap(err, "query order tasks")
	}
	return tasks, nil
}

// ListInProgressTasks returns tasks whose status is neither pending nor
// terminal, for the reconciliation sweep.
func (s *Store) ListInProgressTasks() ([]models.Task, error) {
	terminal := []models.TaskStatus{
		models.TaskFailedToBuild, models.TaskUploaded, models.TaskUploadedPublic,
		models.TaskFailedToUpload, models.TaskFailedToDownload, models.TaskDownloaded,
		models.TaskFailedToInsert, models.TaskFailedToWipe, models.TaskFailedToWrite,
		models.TaskWritten, models.TaskCanceled, models.TaskTimedout,
	}
	var tasks []models.Task
	err := s.db.Where("status <> ?", models.TaskPending).
		Where("status NOT IN ?", terminal).
		Find(&tasks).Error
	if err != nil {
		return nil, errors.Wrap(err, "query in-progress tasks")
	}
	return tasks, nil
}

// ClaimTask atomically claims a pending task for a worker
// (pending -> received). A task pre-assigned to another identity or
// already claimed returns ErrConflict.
func (s *Store) ClaimTask(kind models.TaskKind, id, worker string) (*models.Task, error) {
	task, err := s.GetTask(kind, id)
	if err != nil {
		return nil, err
	}
	if task.AssignedTo != "" && task.AssignedTo != worker {
		return nil, ErrConflict
	}
	return s.TransitionTask(kind, id, models.TaskPending, models.TaskReceived, "", func(t *models.Task) {
		t.Worker = worker
	})
}

// AssignTask pins a pending task to one worker identity. Only that
// worker may claim it afterwards.
func (s *Store) AssignTask(kind models.TaskKind, id, worker string) error {
	res := s.db.Model(&models.Task{}).
		Where("id = ? AND kind = ? AND status = ?", id, kind, models.TaskPending).
		Update("assigned_to", worker)
	if res.Error != nil {
		return errors.Wrap(res.Error, "assign task")
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// TransitionTask conditionally moves a task from expected to target
// status, appends one history entry, and applies merge to fold extra
// reported fields into the document.
func (s *Store) TransitionTask(kind models.TaskKind, id string, expected, target models.TaskStatus, payload string, merge func(*models.Task)) (*models.Task, error) {
	var out models.Task
	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).
			Where("id = ? AND kind = ? AND status = ?", id, kind, expected).
			Update("status", target)
		if res.Error != nil {
			return errors.Wrap(res.Error, "update task status")
		}
		if res.RowsAffected == 0 {
			var exists int64
			tx.Model(&models.Task{}).Where("id = ? AND kind = ?", id, kind).Count(&exists)
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return errors.Wrap(err, "reload task")
		}
		out.Statuses = append(out.Statuses, models.StatusEntry{
			Status: string(target), On: now, Payload: payload,
		})
		if merge != nil {
			merge(&out)
		}
		out.UpdatedAt = now
		return errors.Wrap(tx.Save(&out).Error, "save task")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendTaskLog appends content to one of the task's named log streams.
func (s *Store) AppendTaskLog(kind models.TaskKind, id, name, content string) error {
	if content == "" {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, "id = ? AND kind = ?", id, kind).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errors.Wrap(err, "load task")
		}
		if task.Logs == nil {
			task.Logs = map[string]string{}
		}
		task.Logs[name] += content
		task.UpdatedAt = s.now()
		return errors.Wrap(tx.Save(&task).Error, "save task logs")
	})
}

// RequestTaskCancel sets the cooperative cancellation flag. The owning
// worker observes it and reports `canceled` itself.
func (s *Store) RequestTaskCancel(kind models.TaskKind, id string) error {
	res := s.db.Model(&models.Task{}).
		Where("id = ? AND kind = ?", id, kind).
		Update("cancel_requested", true)
	if res.Error != nil {
		return errors.Wrap(res.Error, "flag cancel")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkImageForDeletion flags the download task's image for deferred
// deletion once sibling writes complete.
func (s *Store) MarkImageForDeletion(id string) error {
	res := s.db.Model(&models.Task{}).
		Where("id = ? AND kind = ?", id, models.KindDownload).
		Update("delete_image_after", true)
	return errors.Wrap(res.Error, "mark image for deletion")
}

// --- Heartbeat operations ---

// UpsertHeartbeat records a liveness signal, keeping at most one row per
// (username, kind, slot).
func (s *Store) UpsertHeartbeat(hb models.Heartbeat) error {
	hb.On = s.now()
	return errors.Wrap(s.db.Save(&hb).Error, "save heartbeat")
}

// ListHeartbeats returns every known heartbeat record.
func (s *Store) ListHeartbeats() ([]models.Heartbeat, error) {
	var beats []models.Heartbeat
	if err := s.db.Order("username ASC").Find(&beats).Error; err != nil {
		return nil, errors.Wrap(err, "query heartbeats")
	}
	return beats, nil
}

// --- AutoImage operations ---

// SaveAutoImage creates or updates a subscription.
func (s *Store) SaveAutoImage(ai *models.AutoImage) error {
	now := s.now()
	if ai.CreatedAt.IsZero() {
		ai.CreatedAt = now
	}
	ai.UpdatedAt = now
	return errors.Wrap(s.db.Save(ai).Error, "save autoimage")
}

// GetAutoImage retrieves a subscription by slug.
func (s *Store) GetAutoImage(slug string) (*models.AutoImage, error) {
	var ai models.AutoImage
	err := s.db.First(&ai, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query autoimage")
	}
	return &ai, nil
}

// ListAutoImages returns every subscription.
func (s *Store) ListAutoImages() ([]models.AutoImage, error) {
	var ais []models.AutoImage
	if err := s.db.Order("slug ASC").Find(&ais).Error; err != nil {
		return nil, errors.Wrap(err, "query autoimages")
	}
	return ais, nil
}

// DeleteAutoImage removes a subscription.
func (s *Store) DeleteAutoImage(slug string) error {
	res := s.db.Delete(&models.AutoImage{}, "slug = ?", slug)
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete autoimage")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Account operations ---

// CreateAccount provisions an API credential with a bcrypt-hashed
// password.
func (s *Store) CreateAccount(username, password string, role models.AccountRole) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	account := &models.Account{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    s.now(),
	}
	if err := s.db.Create(account).Error; err != nil {
		return nil, errors.Wrap(err, "insert account")
	}
	return account, nil
}

// Authenticate verifies a username/password pair.
func (s *Store) Authenticate(username, password string) (*models.Account, error) {
	var account models.Account
	err := s.db.First(&account, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query account")
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return nil, ErrNotFound
	}
	return &account, nil
}
