// Package notify delivers order lifecycle events to external sinks.
// Rendering and delivery of customer email is out of scope; this package
// only triggers the side effects the order state machine requires.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/cardforge/cardforge/internal/models"
)

// Event names the order transitions that trigger notifications.
type Event string

const (
	EventOrderCreated    Event = "order-created"
	EventOrderFailed     Event = "order-failed"
	EventImageReady      Event = "image-ready"
	EventShipmentPending Event = "shipment-pending"
	EventOrderShipped    Event = "order-shipped"
	EventOrderCanceled   Event = "order-canceled"
	EventOrderExpired    Event = "order-expired"
)

// Notifier receives order lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event Event, order *models.Order)
}

// LogNotifier writes events to the structured log. It is the default
// sink and always safe.
type LogNotifier struct {
	Log *logrus.Logger
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, event Event, order *models.Order) {
	log := n.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"event":  string(event),
		"order":  order.ID,
		"status": string(order.Status),
	}).Info("order notification")
}

// WebhookNotifier POSTs events as JSON to a configured endpoint, e.g.
// the mailer service that renders customer email.
type WebhookNotifier struct {
	client *resty.Client
	log    *logrus.Logger
}

// NewWebhookNotifier builds a notifier for the given endpoint URL.
func NewWebhookNotifier(url string, log *logrus.Logger) *WebhookNotifier {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	return &WebhookNotifier{client: client, log: log}
}

type webhookPayload struct {
	Event     Event              `json:"event"`
	OrderID   string             `json:"order_id"`
	Status    models.OrderStatus `json:"status"`
	Recipient models.Recipient   `json:"recipient"`
	On        time.Time          `json:"on"`
}

// Notify implements Notifier. Delivery failures are logged, never
// propagated: a lost notification must not fail a status update.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event, order *models.Order) {
	payload := webhookPayload{
		Event:     event,
		OrderID:   order.ID,
		Status:    order.Status,
		Recipient: order.Recipient,
		On:        time.Now().UTC(),
	}
	_, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post("")
	if err != nil && n.log != nil {
		n.log.WithError(err).WithField("order", order.ID).Warn("notification delivery failed")
	}
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, event Event, order *models.Order) {
	for _, n := range m {
		n.Notify(ctx, event, order)
	}
}
