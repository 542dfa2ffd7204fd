package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/scheduler"
	"github.com/cardforge/cardforge/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.CreateAccount("writer-1", "wpass", models.RoleWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAccount("boss", "mpass", models.RoleManager); err != nil {
		t.Fatal(err)
	}

	svc := scheduler.NewService(s, nil, nil, 10*24*time.Hour)
	return &testEnv{
		server: NewServer(svc, nil, "test-secret"),
		store:  s,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T, username, password string) tokenPair {
	t.Helper()
	w := e.do(t, "POST", "/auth/authorize", "", map[string]string{
		"username": username, "password": password,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var pair tokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatal(err)
	}
	return pair
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) models.Order {
	t.Helper()
	var order models.Order
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode order: %v (%s)", err, w.Body.String())
	}
	return order
}

func TestAuthorizeAndRefresh(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/auth/authorize", "", map[string]string{
		"username": "writer-1", "password": "bad",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password should yield 401, got %d", w.Code)
	}

	pair := e.login(t, "writer-1", "wpass")
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	w = e.do(t, "POST", "/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if w.Code != http.StatusOK {
		t.Errorf("refresh failed: %d %s", w.Code, w.Body.String())
	}

	// An access token is not a refresh token.
	w = e.do(t, "POST", "/auth/refresh", "", map[string]string{
		"refresh_token": pair.AccessToken,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("access token should not refresh, got %d", w.Code)
	}

	// A refresh token cannot authenticate a request.
	w = e.do(t, "GET", "/tasks/create", pair.RefreshToken, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("refresh token should not authorize requests, got %d", w.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	e := newTestEnv(t)
	worker := e.login(t, "writer-1", "wpass")

	w := e.do(t, "POST", "/orders", worker.AccessToken, map[string]interface{}{
		"config": "{}", "media_type": "virtual",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("worker creating orders should yield 403, got %d", w.Code)
	}

	w = e.do(t, "GET", "/tasks/create", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous task list should yield 401, got %d", w.Code)
	}
}

func TestOrderAndTaskFlow(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.login(t, "boss", "mpass")
	worker := e.login(t, "writer-1", "wpass")

	w := e.do(t, "POST", "/orders", mgr.AccessToken, models.OrderRequest{
		Channel:   "web",
		Config:    `{"name":"demo"}`,
		MediaType: models.MediaPhysical,
		MediaSize: 1 << 30,
		Quantity:  1,
		Recipient: models.Recipient{Name: "Ada", Email: "ada@example.org"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create order failed: %d %s", w.Code, w.Body.String())
	}
	order := decodeOrder(t, w)

	w = e.do(t, "GET", "/tasks/create", worker.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list tasks failed: %d", w.Code)
	}
	var tasks []models.Task
	json.Unmarshal(w.Body.Bytes(), &tasks)
	if len(tasks) != 1 || tasks[0].ID != order.CreateTaskID {
		t.Fatalf("expected the pending create task, got %d", len(tasks))
	}

	w = e.do(t, "PATCH", "/tasks/create/"+order.CreateTaskID+"/request", worker.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim failed: %d %s", w.Code, w.Body.String())
	}

	// A second claim of the same task is a conflict.
	w = e.do(t, "PATCH", "/tasks/create/"+order.CreateTaskID+"/request", worker.AccessToken, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second claim should yield 409, got %d", w.Code)
	}

	w = e.do(t, "PATCH", "/tasks/create/"+order.CreateTaskID+"/status", worker.AccessToken, map[string]interface{}{
		"status": "building",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status report failed: %d %s", w.Code, w.Body.String())
	}

	// Skipping ahead in the pipeline is rejected.
	w = e.do(t, "PATCH", "/tasks/create/"+order.CreateTaskID+"/status", worker.AccessToken, map[string]interface{}{
		"status": "uploaded",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("illegal transition should yield 400, got %d", w.Code)
	}

	w = e.do(t, "POST", "/tasks/create/"+order.CreateTaskID+"/logs", worker.AccessToken, map[string]string{
		"name": "builder", "content": "compiling\n",
	})
	if w.Code != http.StatusNoContent {
		t.Errorf("log append failed: %d", w.Code)
	}

	w = e.do(t, "GET", "/orders/"+order.ID, mgr.AccessToken, nil)
	got := decodeOrder(t, w)
	if got.Status != models.OrderCreating {
		t.Errorf("expected creating after claim, got %s", got.Status)
	}
}

func TestUnknownTaskKind(t *testing.T) {
	e := newTestEnv(t)
	worker := e.login(t, "writer-1", "wpass")

	w := e.do(t, "GET", "/tasks/burn", worker.AccessToken, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown kind should yield 404, got %d", w.Code)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	e := newTestEnv(t)
	worker := e.login(t, "writer-1", "wpass")
	mgr := e.login(t, "boss", "mpass")

	w := e.do(t, "POST", "/workers/sos", worker.AccessToken, map[string]string{
		"kind": "write", "slot": "0", "status": "idle",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("heartbeat failed: %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, "GET", "/workers", mgr.AccessToken, nil)
	var beats []models.Heartbeat
	json.Unmarshal(w.Body.Bytes(), &beats)
	if len(beats) != 1 || beats[0].Username != "writer-1" {
		t.Errorf("expected one heartbeat for writer-1, got %+v", beats)
	}
}

func TestAutoImageRedirect(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.login(t, "boss", "mpass")

	w := e.do(t, "POST", "/auto-images", mgr.AccessToken, map[string]string{
		"slug": "nightly", "config": `{"name":"nightly"}`,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("save auto-image failed: %d %s", w.Code, w.Body.String())
	}

	// Nothing published yet.
	w = e.do(t, "GET", "/auto-images/nightly/redirect", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unpublished subscription should yield 404, got %d", w.Code)
	}

	ai, err := e.store.GetAutoImage("nightly")
	if err != nil {
		t.Fatal(err)
	}
	ai.Status = models.AutoImageReady
	ai.ArtifactURL = "https://blobs/nightly.img"
	if err := e.store.SaveAutoImage(ai); err != nil {
		t.Fatal(err)
	}

	w = e.do(t, "GET", "/auto-images/nightly/redirect", "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://blobs/nightly.img" {
		t.Errorf("unexpected redirect target: %s", loc)
	}
}

func TestOrderPatchUpdatesFields(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.login(t, "boss", "mpass")

	w := e.do(t, "POST", "/orders", mgr.AccessToken, models.OrderRequest{
		Channel: "web", Config: "{}", MediaType: models.MediaPhysical, Quantity: 1,
		Recipient: models.Recipient{Name: "Ada", Address: "Old Street 1"},
	})
	order := decodeOrder(t, w)

	w = e.do(t, "PATCH", "/orders/"+order.ID, mgr.AccessToken, map[string]interface{}{
		"recipient": models.Recipient{Name: "Ada", Address: "New Street 2"},
		"channel":   "phone",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("order patch failed: %d %s", w.Code, w.Body.String())
	}
	got := decodeOrder(t, w)
	if got.Recipient.Address != "New Street 2" || got.Channel != "phone" {
		t.Errorf("patched fields not applied: %+v channel=%s", got.Recipient, got.Channel)
	}
	if got.Status != order.Status || len(got.Statuses) != len(order.Statuses) {
		t.Errorf("patch must not move status: %s (%d entries)", got.Status, len(got.Statuses))
	}

	// Omitted fields stay untouched.
	if got.Config != order.Config || got.Quantity != order.Quantity {
		t.Errorf("unrelated fields changed: %+v", got)
	}

	w = e.do(t, "PATCH", "/orders/missing", mgr.AccessToken, map[string]string{"channel": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("patching an unknown order should yield 404, got %d", w.Code)
	}
}

func TestCancelViaPatch(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.login(t, "boss", "mpass")

	w := e.do(t, "POST", "/orders", mgr.AccessToken, models.OrderRequest{
		Channel: "web", Config: "{}", MediaType: models.MediaPhysical, Quantity: 1,
		Recipient: models.Recipient{Name: "Ada"},
	})
	order := decodeOrder(t, w)

	w = e.do(t, "PATCH", "/orders/"+order.ID+"/cancel", mgr.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}
	if got := decodeOrder(t, w); got.Status != models.OrderCanceled {
		t.Errorf("expected canceled, got %s", got.Status)
	}
}

func TestCancelAndShipEndpoints(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.login(t, "boss", "mpass")

	w := e.do(t, "POST", "/orders", mgr.AccessToken, models.OrderRequest{
		Channel: "web", Config: "{}", MediaType: models.MediaPhysical, Quantity: 1,
		Recipient: models.Recipient{Name: "Ada"},
	})
	order := decodeOrder(t, w)

	// Shipping an order that is not pending_shipment is a conflict.
	w = e.do(t, "PATCH", "/orders/"+order.ID+"/shipped", mgr.AccessToken, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("premature shipped should yield 409, got %d", w.Code)
	}

	w = e.do(t, "POST", "/orders/"+order.ID+"/cancel", mgr.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}
	if got := decodeOrder(t, w); got.Status != models.OrderCanceled {
		t.Errorf("expected canceled, got %s", got.Status)
	}

	// Canceling again is rejected.
	w = e.do(t, "POST", "/orders/"+order.ID+"/cancel", mgr.AccessToken, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("second cancel should yield 400, got %d", w.Code)
	}

	w = e.do(t, "DELETE", "/orders/"+order.ID, mgr.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("anonymize failed: %d", w.Code)
	}
	if got := decodeOrder(t, w); got.Recipient.Name != "redacted" {
		t.Errorf("expected redacted recipient, got %+v", got.Recipient)
	}
}
