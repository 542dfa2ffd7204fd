// Package cascade holds the pure status-transition logic for tasks and
// orders: per-kind transition tables, the task-to-order cascade lookup,
// and the timeout ceilings used by the reconciliation sweep.
package cascade

import (
	"time"

	"github.com/cardforge/cardforge/internal/models"
)

// taskNext maps, per kind, each status to the set of statuses a worker
// may report next. canceled/timedout are reachable from any non-terminal
// status and handled in CanTransition rather than listed here.
var taskNext = map[models.TaskKind]map[models.TaskStatus][]models.TaskStatus{
	models.KindCreate: {
		models.TaskPending:   {models.TaskReceived},
		models.TaskReceived:  {models.TaskBuilding},
		models.TaskBuilding:  {models.TaskFailedToBuild, models.TaskBuilt},
		models.TaskBuilt:     {models.TaskUploading},
		models.TaskUploading: {models.TaskFailedToUpload, models.TaskUploaded, models.TaskUploadedPublic},
	},
	models.KindDownload: {
		models.TaskPending:     {models.TaskReceived},
		models.TaskReceived:    {models.TaskDownloading},
		models.TaskDownloading: {models.TaskFailedToDownload, models.TaskDownloaded},
	},
	models.KindWrite: {
		models.TaskPending:        {models.TaskReceived},
		models.TaskReceived:       {models.TaskWaitingForCard},
		models.TaskWaitingForCard: {models.TaskFailedToInsert, models.TaskCardInserted},
		models.TaskCardInserted:   {models.TaskWipingSDCard},
		models.TaskWipingSDCard:   {models.TaskFailedToWipe, models.TaskCardWiped},
		models.TaskCardWiped:      {models.TaskWriting},
		models.TaskWriting:        {models.TaskFailedToWrite, models.TaskWritten},
	},
}

// taskTerminal is the set of statuses that end a task attempt.
var taskTerminal = map[models.TaskStatus]bool{
	models.TaskFailedToBuild:    true,
	models.TaskUploaded:         true,
	models.TaskUploadedPublic:   true,
	models.TaskFailedToUpload:   true,
	models.TaskFailedToDownload: true,
	models.TaskDownloaded:       true,
	models.TaskFailedToInsert:   true,
	models.TaskFailedToWipe:     true,
	models.TaskFailedToWrite:    true,
	models.TaskWritten:          true,
	models.TaskCanceled:         true,
	models.TaskTimedout:         true,
}

// TaskTerminal reports whether status ends the task attempt.
func TaskTerminal(status models.TaskStatus) bool {
	return taskTerminal[status]
}

// CanTransition reports whether a task of the given kind may move from
// one status to another. canceled and timedout are reachable from every
// non-terminal status.
func CanTransition(kind models.TaskKind, from, to models.TaskStatus) bool {
	if TaskTerminal(from) {
		return false
	}
	if to == models.TaskCanceled || to == models.TaskTimedout {
		return true
	}
	for _, s := range taskNext[kind][from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskFailure returns the sweep-facing failure status the order cascades
// to when a task of this kind times out or fails.
func TaskFailure(kind models.TaskKind) models.OrderStatus {
	switch kind {
	case models.KindCreate:
		return models.OrderCreationFailed
	case models.KindDownload:
		return models.OrderDownloadFailed
	default:
		return models.OrderWriteFailed
	}
}

// OrderStatusFor is the cascade lookup: given a task kind and the status
// it reported, it yields the order status to cascade to. The second
// return is false for statuses that do not drive the order (pending).
// Note: write `written` maps to pending_shipment here; the caller gates
// it on every sibling write task having reported `written`.
func OrderStatusFor(kind models.TaskKind, status models.TaskStatus) (models.OrderStatus, bool) {
	switch status {
	case models.TaskPending:
		return "", false
	case models.TaskCanceled:
		return models.OrderCanceled, true
	case models.TaskTimedout:
		return TaskFailure(kind), true
	}
	switch kind {
	case models.KindCreate:
		switch status {
		case models.TaskReceived, models.TaskBuilding, models.TaskBuilt, models.TaskUploading:
			return models.OrderCreating, true
		case models.TaskFailedToBuild, models.TaskFailedToUpload:
			return models.OrderCreationFailed, true
		case models.TaskUploaded:
			return models.OrderPendingWriter, true
		case models.TaskUploadedPublic:
			return models.OrderPendingExpiry, true
		}
	case models.KindDownload:
		switch status {
		case models.TaskReceived, models.TaskDownloading:
			return models.OrderDownloading, true
		case models.TaskFailedToDownload:
			return models.OrderDownloadFailed, true
		case models.TaskDownloaded:
			return models.OrderWriting, true
		}
	case models.KindWrite:
		switch status {
		case models.TaskReceived, models.TaskWaitingForCard, models.TaskCardInserted,
			models.TaskWipingSDCard, models.TaskCardWiped, models.TaskWriting:
			return models.OrderWriting, true
		case models.TaskFailedToInsert, models.TaskFailedToWipe, models.TaskFailedToWrite:
			return models.OrderWriteFailed, true
		case models.TaskWritten:
			return models.OrderPendingShipment, true
		}
	}
	return "", false
}

// OrderTerminal reports whether an order status is terminal.
func OrderTerminal(status models.OrderStatus) bool {
	switch status {
	case models.OrderExpired, models.OrderShipped, models.OrderCanceled,
		models.OrderCreationFailed, models.OrderDownloadFailed, models.OrderWriteFailed:
		return true
	}
	return false
}

// ApplyOrder computes the effective order status after cascading target
// onto current. The cascade is idempotent (same status is a no-op) and
// never resurrects a terminal order.
func ApplyOrder(current, target models.OrderStatus) (models.OrderStatus, bool) {
	if current == target {
		return current, false
	}
	if OrderTerminal(current) {
		return current, false
	}
	return target, true
}

// Timeout ceilings for the reconciliation sweep.
const (
	// BuildCeiling bounds the image-build stage.
	BuildCeiling = 12 * time.Hour
	// WipeCeiling bounds the card-wipe stage.
	WipeCeiling = 30 * time.Minute
	// InsertCeiling bounds how long a write task may wait for a human
	// to insert the card.
	InsertCeiling = 24 * time.Hour
	// StageCeiling bounds the bookkeeping statuses between stages
	// (received, built, card_inserted, card_wiped).
	StageCeiling = time.Hour

	// MinThroughput is the slowest acceptable transfer rate used to
	// derive upload/download/write ceilings from artifact size.
	MinThroughput = int64(512 * 1024) // bytes per second

	// transferFloor keeps throughput ceilings sane for tiny artifacts.
	transferFloor = 10 * time.Minute
)

// ThroughputCeiling derives a stage ceiling from artifact size and a
// minimum acceptable throughput in bytes per second.
func ThroughputCeiling(size, bytesPerSec int64) time.Duration {
	if bytesPerSec <= 0 {
		bytesPerSec = MinThroughput
	}
	d := time.Duration(size/bytesPerSec) * time.Second
	if d < transferFloor {
		return transferFloor
	}
	return d
}

// Ceiling returns the expected-duration ceiling for a task sitting in
// the given status, or false for statuses the sweep does not time out
// (pending and terminal statuses).
func Ceiling(kind models.TaskKind, status models.TaskStatus, size int64) (time.Duration, bool) {
	if status == models.TaskPending || TaskTerminal(status) {
		return 0, false
	}
	switch status {
	case models.TaskBuilding:
		return BuildCeiling, true
	case models.TaskWipingSDCard:
		return WipeCeiling, true
	case models.TaskWaitingForCard:
		return InsertCeiling, true
	case models.TaskUploading, models.TaskDownloading, models.TaskWriting:
		return ThroughputCeiling(size, MinThroughput), true
	}
	return StageCeiling, true
}
