// Package client is the HTTP client workers and CLI commands use to
// talk to the scheduler API.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
)

// ErrConflict mirrors a 409 from the scheduler: a lost claim race or a
// stale status expectation. Callers treat it as a normal miss.
var ErrConflict = errors.New("conflict")

// ErrNotFound mirrors a 404 from the scheduler.
var ErrNotFound = errors.New("not found")

// Credentials authenticate a worker or manager account.
type Credentials struct {
	Username string
	Password string
}

// Client wraps the scheduler HTTP API with token handling and retries
// for transient transport errors.
type Client struct {
	http  *resty.Client
	creds Credentials

	mu      sync.Mutex
	access  string
	refresh string
}

// New builds a client for the given base URL.
func New(baseURL string, creds Credentials) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second),
		creds: creds,
	}
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type apiError struct {
	Error string `json:"error"`
}

// Authorize fetches a fresh token pair with the configured credentials.
func (c *Client) Authorize(ctx context.Context) error {
	var pair tokenPair
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"username": c.creds.Username,
			"password": c.creds.Password,
		}).
		SetResult(&pair).
		Post("/auth/authorize")
	if err != nil {
		return errors.Wrap(err, "authorize")
	}
	if resp.StatusCode() != http.StatusOK {
		return errors.Errorf("authorize: %s", resp.Status())
	}
	c.mu.Lock()
	c.access, c.refresh = pair.AccessToken, pair.RefreshToken
	c.mu.Unlock()
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// do runs one authenticated request. Transient transport failures are
// retried with backoff; a 401 triggers exactly one re-authorization.
func (c *Client) do(ctx context.Context, build func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if c.token() == "" {
		if err := c.Authorize(ctx); err != nil {
			return nil, err
		}
	}

	var resp *resty.Response
	err := retry.Do(
		func() error {
			var err error
			resp, err = build(c.http.R().SetContext(ctx).SetAuthToken(c.token()))
			if err != nil {
				return err
			}
			if resp.StatusCode() >= 500 {
				return errors.Errorf("server error: %s", resp.Status())
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		if err := c.Authorize(ctx); err != nil {
			return nil, err
		}
		resp, err = build(c.http.R().SetContext(ctx).SetAuthToken(c.token()))
		if err != nil {
			return nil, err
		}
	}
	return resp, checkStatus(resp)
}

func checkStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() < 400:
		return nil
	case resp.StatusCode() == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	default:
		var e apiError
		if err := json.Unmarshal(resp.Body(), &e); err == nil && e.Error != "" {
			return errors.Errorf("%s: %s", resp.Status(), e.Error)
		}
		return errors.Errorf("request failed: %s", resp.Status())
	}
}

// ListTasks returns the claimable tasks of one kind.
func (c *Client) ListTasks(ctx context.Context, kind models.TaskKind) ([]models.Task, error) {
	var tasks []models.Task
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&tasks).Get("/tasks/" + string(kind))
	})
	return tasks, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, kind models.TaskKind, id string) (*models.Task, error) {
	var task models.Task
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&task).Get("/tasks/" + string(kind) + "/" + id)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask attempts to claim a pending task. A lost race returns
// ErrConflict.
func (c *Client) ClaimTask(ctx context.Context, kind models.TaskKind, id string) (*models.Task, error) {
	var task models.Task
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&task).Patch("/tasks/" + string(kind) + "/" + id + "/request")
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ReportStatus pushes a status transition with optional extra fields.
func (c *Client) ReportStatus(ctx context.Context, kind models.TaskKind, id string, status models.TaskStatus, payload string, extra scheduler.ExtraFields) (*models.Task, error) {
	var task models.Task
	body := map[string]interface{}{
		"status":  status,
		"payload": payload,
		"extra":   extra,
	}
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&task).Patch("/tasks/" + string(kind) + "/" + id + "/status")
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// AppendLog pushes an incremental chunk of a named log stream.
func (c *Client) AppendLog(ctx context.Context, kind models.TaskKind, id, name, content string) error {
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{"name": name, "content": content}).
			Post("/tasks/" + string(kind) + "/" + id + "/logs")
	})
	return err
}

// Heartbeat reports worker liveness.
func (c *Client) Heartbeat(ctx context.Context, kind models.TaskKind, slot string, status models.HeartbeatStatus, payload string) error {
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]interface{}{
			"kind":    kind,
			"slot":    slot,
			"status":  status,
			"payload": payload,
		}).Post("/workers/sos")
	})
	return err
}

// CreateOrder submits a new order. Manager accounts only.
func (c *Client) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	var order models.Order
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).SetResult(&order).Post("/orders")
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&order).Get("/orders/" + id)
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders fetches orders, optionally filtered by status.
func (c *Client) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var orders []models.Order
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		req := r.SetResult(&orders)
		if status != "" {
			req.SetQueryParam("status", string(status))
		}
		return req.Get("/orders")
	})
	return orders, err
}

// CancelOrder requests cancellation of a running order.
func (c *Client) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&order).Post("/orders/" + id + "/cancel")
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkShipped records shipment of a pending_shipment order.
func (c *Client) MarkShipped(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&order).Patch("/orders/" + id + "/shipped")
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListHeartbeats fetches the fleet's liveness table. Manager accounts
// only.
func (c *Client) ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error) {
	var beats []models.Heartbeat
	_, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&beats).Get("/workers")
	})
	return beats, err
}
