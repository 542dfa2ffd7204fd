// Package models defines the core domain types for cardforge.
package models

import "time"

// TaskKind identifies one of the three pipeline stages.
type TaskKind string

const (
	KindCreate   TaskKind = "create"
	KindDownload TaskKind = "download"
	KindWrite    TaskKind = "write"
)

// Kinds lists every task kind, in pipeline order.
var Kinds = []TaskKind{KindCreate, KindDownload, KindWrite}

// TaskStatus is a per-kind task status value.
type TaskStatus string

// Statuses shared by all kinds.
const (
	TaskPending  TaskStatus = "pending"
	TaskReceived TaskStatus = "received"
	TaskCanceled TaskStatus = "canceled"
	TaskTimedout TaskStatus = "timedout"
)

// Create-task statuses.
const (
	TaskBuilding       TaskStatus = "building"
	TaskFailedToBuild  TaskStatus = "failed_to_build"
	TaskBuilt          TaskStatus = "built"
	TaskUploading      TaskStatus = "uploading"
	TaskFailedToUpload TaskStatus = "failed_to_upload"
	TaskUploaded       TaskStatus = "uploaded"
	TaskUploadedPublic TaskStatus = "uploaded_public"
)

// Download-task statuses.
const (
	TaskDownloading      TaskStatus = "downloading"
	TaskFailedToDownload TaskStatus = "failed_to_download"
	TaskDownloaded       TaskStatus = "downloaded"
)

// Write-task statuses.
const (
	TaskWaitingForCard TaskStatus = "waiting_for_card"
	TaskFailedToInsert TaskStatus = "failed_to_insert"
	TaskCardInserted   TaskStatus = "card_inserted"
	TaskWipingSDCard   TaskStatus = "wiping_sdcard"
	TaskFailedToWipe   TaskStatus = "failed_to_wipe"
	TaskCardWiped      TaskStatus = "card_wiped"
	TaskWriting        TaskStatus = "writing"
	TaskFailedToWrite  TaskStatus = "failed_to_write"
	TaskWritten        TaskStatus = "written"
)

// OrderStatus is the aggregate status cascaded from child tasks.
type OrderStatus string

const (
	OrderCreated         OrderStatus = "created"
	OrderCreating        OrderStatus = "creating"
	OrderCreationFailed  OrderStatus = "creation_failed"
	OrderPendingWriter   OrderStatus = "pending_writer"
	OrderPendingExpiry   OrderStatus = "pending_expiry"
	OrderDownloading     OrderStatus = "downloading"
	OrderDownloadFailed  OrderStatus = "download_failed"
	OrderWriting         OrderStatus = "writing"
	OrderWriteFailed     OrderStatus = "write_failed"
	OrderPendingShipment OrderStatus = "pending_shipment"
	OrderShipped         OrderStatus = "shipped"
	OrderExpired         OrderStatus = "expired"
	OrderCanceled        OrderStatus = "canceled"
)

// MediaType distinguishes shippable cards from download-only images.
type MediaType string

const (
	MediaPhysical MediaType = "physical"
	MediaVirtual  MediaType = "virtual"
)

// StatusEntry is one element of an append-only status history.
type StatusEntry struct {
	Status  string    `json:"status"`
	On      time.Time `json:"on"`
	Payload string    `json:"payload,omitempty"`
}

// StatusHistory is the ordered history of status changes.
type StatusHistory []StatusEntry

// Last returns the most recent entry, or a zero entry when empty.
func (h StatusHistory) Last() StatusEntry {
	if len(h) == 0 {
		return StatusEntry{}
	}
	return h[len(h)-1]
}

// Recipient holds the order's shipping and contact details (PII).
type Recipient struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Country string `json:"country,omitempty"`
}

// ImageRef identifies a built image artifact in the blob store.
type ImageRef struct {
	Name     string `json:"fname"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// Order is one customer request for a built image, possibly written to
// one or more physical media.
type Order struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Channel   string    `json:"channel"`
	Config    string    `json:"config"`
	MediaType MediaType `json:"media_type"`
	MediaSize int64     `json:"media_size"`
	Quantity  int       `json:"quantity"`
	Recipient Recipient `json:"recipient" gorm:"serializer:json"`
	ClientID  string    `json:"client_id,omitempty"`
	AutoImage string    `json:"auto_image,omitempty"`

	Status   OrderStatus   `json:"status" gorm:"index"`
	Statuses StatusHistory `json:"statuses" gorm:"serializer:json"`

	CreateTaskID   string   `json:"create_task_id,omitempty"`
	DownloadTaskID string   `json:"download_task_id,omitempty"`
	WriteTaskIDs   []string `json:"write_task_ids,omitempty" gorm:"serializer:json"`

	// ExpireOn bounds the retention window for virtual-media orders.
	ExpireOn  *time.Time `json:"expire_on,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal reports whether the order can no longer transition
// (except via an explicit anonymize/delete).
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderExpired, OrderShipped, OrderCanceled,
		OrderCreationFailed, OrderDownloadFailed, OrderWriteFailed:
		return true
	}
	return false
}

// Task is one stage of fulfilling an order. The three kinds share this
// shape; kind-specific payload fields are nullable.
type Task struct {
	ID      string   `json:"id" gorm:"primaryKey"`
	Kind    TaskKind `json:"kind" gorm:"index:idx_tasks_kind_status"`
	OrderID string   `json:"order" gorm:"index"`
	Channel string   `json:"channel"`

	// Worker is the assignee username, set on claim. AssignedTo
	// optionally pins a pending task to one identity up front.
	Worker     string `json:"worker,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`

	Status   TaskStatus    `json:"status" gorm:"index:idx_tasks_kind_status"`
	Statuses StatusHistory `json:"statuses" gorm:"serializer:json"`

	// Create payload: the build configuration. Download/write payload:
	// the image to fetch or burn.
	Config string    `json:"config,omitempty"`
	Image  *ImageRef `json:"image,omitempty" gorm:"serializer:json"`

	// Write payload: which physical unit this task burns.
	MediaID   string `json:"media_id,omitempty"`
	MediaSize int64  `json:"media_size,omitempty"`

	// Publish tells a creator to upload the image publicly instead of
	// into internal storage (virtual-media orders).
	Publish bool `json:"publish,omitempty"`
	// ExpireOn is the artifact retention deadline stamped at order
	// intake; creators assert it as object expiry metadata on upload.
	ExpireOn *time.Time `json:"expire_on,omitempty"`

	Logs map[string]string `json:"logs,omitempty" gorm:"serializer:json"`

	CancelRequested bool `json:"cancel_requested"`
	// DeleteImageAfter marks the download image for deferred deletion
	// once every sibling write task has completed.
	DeleteImageAfter bool `json:"delete_image_after,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HeartbeatStatus is a worker liveness state.
type HeartbeatStatus string

const (
	HeartbeatIdle        HeartbeatStatus = "idle"
	HeartbeatBusy        HeartbeatStatus = "busy"
	HeartbeatNotStarting HeartbeatStatus = "not_starting"
)

// Heartbeat records the last liveness signal per (worker, kind, slot).
// It is observability only; task ownership never depends on it.
type Heartbeat struct {
	Username string          `json:"username" gorm:"primaryKey"`
	Kind     TaskKind        `json:"kind" gorm:"primaryKey"`
	Slot     string          `json:"slot" gorm:"primaryKey"`
	Status   HeartbeatStatus `json:"status"`
	On       time.Time       `json:"on"`
	Payload  string          `json:"payload,omitempty"`
}

// AutoImageStatus is the lifecycle state of a recurring subscription.
type AutoImageStatus string

const (
	AutoImageNone     AutoImageStatus = ""
	AutoImageBuilding AutoImageStatus = "building"
	AutoImageReady    AutoImageStatus = "ready"
	AutoImageFailed   AutoImageStatus = "failed"
)

// AutoImage is a recurring subscription that periodically re-triggers an
// order to refresh a published artifact.
type AutoImage struct {
	Slug        string          `json:"slug" gorm:"primaryKey"`
	Config      string          `json:"config"`
	Manifest    string          `json:"manifest,omitempty"`
	Status      AutoImageStatus `json:"status"`
	OrderID     string          `json:"order,omitempty"`
	ArtifactURL string          `json:"artifact_url,omitempty"`
	ExpireOn    *time.Time      `json:"expire_on,omitempty"`
	Contact     string          `json:"contact,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AccountRole scopes what an authenticated account may do.
type AccountRole string

const (
	RoleWorker  AccountRole = "worker"
	RoleManager AccountRole = "manager"
)

// Account is an API credential for a worker or a manager.
type Account struct {
	Username     string      `json:"username" gorm:"primaryKey"`
	PasswordHash string      `json:"-"`
	Role         AccountRole `json:"role"`
	CreatedAt    time.Time   `json:"created_at"`
}

// OrderRequest is the submission payload for a new order.
type OrderRequest struct {
	Channel   string    `json:"channel"`
	Config    string    `json:"config"`
	MediaType MediaType `json:"media_type"`
	MediaSize int64     `json:"media_size"`
	Quantity  int       `json:"quantity"`
	Recipient Recipient `json:"recipient"`
	ClientID  string    `json:"client_id,omitempty"`
	AutoImage string    `json:"auto_image,omitempty"`
}
