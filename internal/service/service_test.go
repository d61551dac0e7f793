package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kyawswar/orderpad/internal/access"
	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/compress"
	"github.com/kyawswar/orderpad/internal/crypto"
	"github.com/kyawswar/orderpad/internal/httpexec"
	"github.com/kyawswar/orderpad/internal/models"
	"github.com/kyawswar/orderpad/internal/store"
	"github.com/kyawswar/orderpad/internal/sync/conflict"
	"github.com/kyawswar/orderpad/internal/sync/engine"
	"github.com/kyawswar/orderpad/internal/sync/queue"
	"github.com/kyawswar/orderpad/internal/validate"
)

type memberProvider struct {
	restaurants []string
}

func (p *memberProvider) Session(ctx context.Context) (*access.Session, error) {
	return &access.Session{UserID: "user-1", RestaurantIDs: p.restaurants}, nil
}

func (p *memberProvider) BearerToken() (string, error) { return "token", nil }

type scriptedExecutor struct {
	mu     sync.Mutex
	calls  int
	status int
	err    error
}

func (e *scriptedExecutor) Execute(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*httpexec.Response, error) {
	e.mu.Lock()
	e.calls++
	status, err := e.status, e.err
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = http.StatusOK
	}
	return &httpexec.Response{StatusCode: status}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type passLookup struct{}

func (passLookup) Version(ctx context.Context, endpoint string) (*conflict.VersionInfo, error) {
	return &conflict.VersionInfo{Found: true}, nil
}

func (passLookup) Fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type serviceFixture struct {
	svc      *OfflineService
	queue    *queue.Manager
	engine   *engine.Engine
	resolver *conflict.Resolver
	exec     *scriptedExecutor
	crypto   *crypto.Provider
	audit    *audit.Log
	kv       store.KV
}

func newServiceFixture(t *testing.T, opts Options) *serviceFixture {
	t.Helper()

	kv, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	auditLog := audit.New(kv, 100, true)
	q := queue.NewManager(kv, auditLog, queue.Config{})
	controller := access.NewController(&memberProvider{restaurants: []string{"rest-1"}}, auditLog, time.Minute, time.Minute)
	t.Cleanup(controller.Close)

	keyring, err := crypto.NewFileKeyring(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKeyring failed: %v", err)
	}
	provider, err := crypto.NewProvider(keyring)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	exec := &scriptedExecutor{}
	resolver := conflict.NewResolver(passLookup{}, kv, auditLog)
	eng := engine.New(q, resolver, exec, controller, provider, auditLog, engine.Config{BaseDelay: time.Millisecond})
	t.Cleanup(eng.Close)

	svc := New(validate.New(), controller, q, eng, resolver, provider, auditLog, exec, opts)
	return &serviceFixture{
		svc:      svc,
		queue:    q,
		engine:   eng,
		resolver: resolver,
		exec:     exec,
		crypto:   provider,
		audit:    auditLog,
		kv:       kv,
	}
}

func orderInput() QueueInput {
	return QueueInput{
		EntityType:   models.EntityOrder,
		Action:       models.ActionCreate,
		Endpoint:     "/api/orders",
		Payload:      json.RawMessage(`{"total":12.5}`),
		RestaurantID: "rest-1",
		UserID:       "user-1",
	}
}

func TestQueueRequestHappyPath(t *testing.T) {
	f := newServiceFixture(t, Options{})

	id, err := f.svc.QueueRequest(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}

	got, ok := f.queue.Get(id)
	if !ok {
		t.Fatal("Expected request in the queue")
	}
	if got.Method != http.MethodPost {
		t.Errorf("Expected POST derived from create, got %s", got.Method)
	}
	if got.Priority != models.PriorityHigh {
		t.Errorf("Expected default order priority, got %s", got.Priority.String())
	}
	if got.Encrypted || got.Compressed {
		t.Error("Expected plain payload without feature flags")
	}
	if got.LocalModified == 0 {
		t.Error("Expected local-modified snapshot defaulted to enqueue time")
	}
}

func TestQueueRequestValidation(t *testing.T) {
	f := newServiceFixture(t, Options{})
	ctx := context.Background()

	missingTenant := orderInput()
	missingTenant.RestaurantID = ""
	if _, err := f.svc.QueueRequest(ctx, missingTenant); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error without restaurant id, got %v", err)
	}

	badEntity := orderInput()
	badEntity.EntityType = "spaceship"
	if _, err := f.svc.QueueRequest(ctx, badEntity); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for unknown entity, got %v", err)
	}

	badAction := orderInput()
	badAction.Action = "teleport"
	if _, err := f.svc.QueueRequest(ctx, badAction); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for unknown action, got %v", err)
	}

	badEndpoint := orderInput()
	badEndpoint.Endpoint = "/api/../../etc/passwd"
	if _, err := f.svc.QueueRequest(ctx, badEndpoint); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for traversal endpoint, got %v", err)
	}

	badPayload := orderInput()
	badPayload.Payload = json.RawMessage(`{"broken":`)
	if _, err := f.svc.QueueRequest(ctx, badPayload); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for malformed payload, got %v", err)
	}

	badTenantChars := orderInput()
	badTenantChars.RestaurantID = "rest'; DROP TABLE--"
	if _, err := f.svc.QueueRequest(ctx, badTenantChars); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for malicious tenant id, got %v", err)
	}

	badPriority := models.Priority(9)
	badPriorityInput := orderInput()
	badPriorityInput.Priority = &badPriority
	if _, err := f.svc.QueueRequest(ctx, badPriorityInput); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for unknown priority, got %v", err)
	}

	if f.queue.Size() != 0 {
		t.Errorf("Expected nothing queued after rejections, got %d", f.queue.Size())
	}
}

func TestQueueRequestAuthorization(t *testing.T) {
	f := newServiceFixture(t, Options{})

	foreign := orderInput()
	foreign.RestaurantID = "rest-other"
	if _, err := f.svc.QueueRequest(context.Background(), foreign); !apperrors.Is(err, apperrors.ErrAuthorization) {
		t.Errorf("Expected authorization error for foreign tenant, got %v", err)
	}

	events := f.audit.Recent(1)
	if len(events) != 1 || events[0].Event != audit.EventAccessDenied {
		t.Error("Expected denial recorded in the audit log")
	}
}

func TestSensitivePayloadEncrypted(t *testing.T) {
	f := newServiceFixture(t, Options{EnableEncryption: true})

	plaintext := `{"card_last4":"4242","amount":20}`
	input := QueueInput{
		EntityType:   models.EntityPayment,
		Action:       models.ActionCreate,
		Endpoint:     "/api/payments",
		Payload:      json.RawMessage(plaintext),
		RestaurantID: "rest-1",
		UserID:       "user-1",
	}

	id, err := f.svc.QueueRequest(context.Background(), input)
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}

	got, _ := f.queue.Get(id)
	if !got.Encrypted {
		t.Fatal("Expected payment payload to be encrypted")
	}
	if strings.Contains(string(got.Payload), "4242") {
		t.Error("Ciphertext leaks plaintext content")
	}
	// Checksum and idempotency key are derived over the plaintext.
	if got.Checksum != models.PayloadChecksum(json.RawMessage(plaintext)) {
		t.Error("Expected checksum over the plaintext payload")
	}

	var ciphertext string
	if err := json.Unmarshal(got.Payload, &ciphertext); err != nil {
		t.Fatalf("Unmarshal ciphertext envelope failed: %v", err)
	}
	decrypted, err := f.crypto.DecryptPayload(ciphertext)
	if err != nil {
		t.Fatalf("DecryptPayload failed: %v", err)
	}
	if string(decrypted) != plaintext {
		t.Errorf("Round trip mismatch: got %q", decrypted)
	}
}

func TestNonSensitivePayloadStaysPlain(t *testing.T) {
	f := newServiceFixture(t, Options{EnableEncryption: true})

	id, err := f.svc.QueueRequest(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	got, _ := f.queue.Get(id)
	if got.Encrypted {
		t.Error("Expected order payload to stay plaintext")
	}
}

func TestLargePayloadCompressed(t *testing.T) {
	f := newServiceFixture(t, Options{EnableCompression: true})

	big := `{"notes":"` + strings.Repeat("a", compress.MinSize) + `"}`
	input := orderInput()
	input.Payload = json.RawMessage(big)

	id, err := f.svc.QueueRequest(context.Background(), input)
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	got, _ := f.queue.Get(id)
	if !got.Compressed {
		t.Fatal("Expected large payload to be compressed")
	}

	var encoded string
	if err := json.Unmarshal(got.Payload, &encoded); err != nil {
		t.Fatalf("Unmarshal compressed envelope failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("DecodeString failed: %v", err)
	}
	decompressed, err := compress.Gunzip(raw)
	if err != nil {
		t.Fatalf("Gunzip failed: %v", err)
	}
	if string(decompressed) != big {
		t.Error("Compression round trip mismatch")
	}

	// Small payloads skip compression.
	smallID, err := f.svc.QueueRequest(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	small, _ := f.queue.Get(smallID)
	if small.Compressed {
		t.Error("Expected small payload to skip compression")
	}
}

func TestConflictOverridesApplied(t *testing.T) {
	f := newServiceFixture(t, Options{
		ConflictOverrides: map[models.EntityType]models.ConflictStrategy{
			models.EntityOrder: models.StrategyManual,
		},
	})

	id, err := f.svc.QueueRequest(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	got, _ := f.queue.Get(id)
	if got.Conflict != models.StrategyManual {
		t.Errorf("Expected configured override, got %s", got.Conflict)
	}

	// An explicit per-request strategy beats the override.
	explicit := orderInput()
	explicit.Payload = json.RawMessage(`{"total":99}`)
	explicit.Strategy = models.StrategyClientWins
	id2, err := f.svc.QueueRequest(context.Background(), explicit)
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	got2, _ := f.queue.Get(id2)
	if got2.Conflict != models.StrategyClientWins {
		t.Errorf("Expected explicit strategy, got %s", got2.Conflict)
	}
}

func TestUpdateDerivesPut(t *testing.T) {
	f := newServiceFixture(t, Options{})

	input := orderInput()
	input.Action = models.ActionUpdate
	input.Endpoint = "/api/orders/1"

	id, err := f.svc.QueueRequest(context.Background(), input)
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	got, _ := f.queue.Get(id)
	if got.Method != http.MethodPut {
		t.Errorf("Expected PUT derived from update, got %s", got.Method)
	}
}

func TestExecuteWithOfflineFallbackOffline(t *testing.T) {
	f := newServiceFixture(t, Options{})

	fallback := &httpexec.Response{StatusCode: http.StatusAccepted, Body: []byte(`{"queued":true}`)}
	resp, id, err := f.svc.ExecuteWithOfflineFallback(context.Background(), orderInput(), fallback)
	if err != nil {
		t.Fatalf("ExecuteWithOfflineFallback failed: %v", err)
	}
	if resp != fallback {
		t.Error("Expected the caller's fallback response while offline")
	}
	if id == "" {
		t.Fatal("Expected request queued while offline")
	}
	if f.exec.callCount() != 0 {
		t.Errorf("Expected no network attempt while offline, got %d", f.exec.callCount())
	}
	if _, ok := f.queue.Get(id); !ok {
		t.Error("Expected queued request to be retrievable")
	}
}

func TestExecuteWithOfflineFallbackDirect(t *testing.T) {
	f := newServiceFixture(t, Options{})
	f.engine.SetOnline(true)

	fallback := &httpexec.Response{StatusCode: http.StatusAccepted}
	resp, id, err := f.svc.ExecuteWithOfflineFallback(context.Background(), orderInput(), fallback)
	if err != nil {
		t.Fatalf("ExecuteWithOfflineFallback failed: %v", err)
	}
	if resp == nil || !resp.OK() || resp == fallback {
		t.Fatal("Expected the server's response on direct success, not the fallback")
	}
	if id != "" {
		t.Error("Expected no queueing on direct success")
	}
	if f.queue.Size() != 0 {
		t.Errorf("Expected empty queue, got %d", f.queue.Size())
	}
}

func TestExecuteWithOfflineFallbackRetryableFailure(t *testing.T) {
	f := newServiceFixture(t, Options{})
	f.engine.SetOnline(true)
	f.exec.status = http.StatusServiceUnavailable

	fallback := &httpexec.Response{StatusCode: http.StatusAccepted}
	resp, id, err := f.svc.ExecuteWithOfflineFallback(context.Background(), orderInput(), fallback)
	if err != nil {
		t.Fatalf("ExecuteWithOfflineFallback failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected fallback to the queue on a 503")
	}
	if resp != fallback {
		t.Error("Expected the caller's fallback response when queued")
	}
}

func TestExecuteWithOfflineFallbackTerminalFailure(t *testing.T) {
	f := newServiceFixture(t, Options{})
	f.engine.SetOnline(true)
	f.exec.status = http.StatusBadRequest

	resp, id, err := f.svc.ExecuteWithOfflineFallback(context.Background(), orderInput(), nil)
	if !apperrors.Is(err, apperrors.ErrClient) {
		t.Fatalf("Expected client error surfaced, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Error("Expected the rejecting response returned to the caller")
	}
	if id != "" || f.queue.Size() != 0 {
		t.Error("Expected no queueing for a terminal client error")
	}
}

func TestResolveManualConflictKeepLocal(t *testing.T) {
	f := newServiceFixture(t, Options{})

	// Park a request in the conflict-held state with a recorded
	// conflict, the way a sync pass would.
	req, err := models.NewQueuedRequest(models.EntityOrder, models.ActionUpdate, "PUT", "/api/orders/1", json.RawMessage(`{"name":"local"}`), "rest-1", "user-1")
	if err != nil {
		t.Fatalf("NewQueuedRequest failed: %v", err)
	}
	req.Conflict = models.StrategyManual
	if _, err := f.queue.Enqueue(req); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	f.queue.MarkInProgress(req.ID)
	f.queue.SetConflict(req.ID)

	info := models.NewConflictInfo(req, models.ConflictConcurrentUpdate, models.StrategyManual,
		json.RawMessage(`{"name":"local"}`), json.RawMessage(`{"name":"server"}`))
	data, _ := json.Marshal(info)
	if err := f.kv.Set(store.ConflictKey(info.RestaurantID, info.ID), data); err != nil {
		t.Fatalf("seeding conflict failed: %v", err)
	}

	if err := f.svc.ResolveManualConflict(context.Background(), info.ID, conflict.ManualKeepLocal, nil); err != nil {
		t.Fatalf("ResolveManualConflict failed: %v", err)
	}

	got, ok := f.queue.Get(req.ID)
	if !ok {
		t.Fatal("Expected request requeued")
	}
	if got.Status != models.StatusPending {
		t.Errorf("Expected pending status, got %s", got.Status)
	}
	if string(got.Payload) != `{"name":"local"}` {
		t.Errorf("Expected local payload restored, got %s", got.Payload)
	}
	if got.Conflict != models.StrategyClientWins {
		t.Errorf("Expected client_wins on requeue, got %s", got.Conflict)
	}
}

func TestResolveManualConflictKeepServer(t *testing.T) {
	f := newServiceFixture(t, Options{})

	req, err := models.NewQueuedRequest(models.EntityOrder, models.ActionUpdate, "PUT", "/api/orders/1", json.RawMessage(`{"name":"local"}`), "rest-1", "user-1")
	if err != nil {
		t.Fatalf("NewQueuedRequest failed: %v", err)
	}
	req.Conflict = models.StrategyManual
	f.queue.Enqueue(req)
	f.queue.MarkInProgress(req.ID)
	f.queue.SetConflict(req.ID)

	info := models.NewConflictInfo(req, models.ConflictConcurrentUpdate, models.StrategyManual,
		json.RawMessage(`{"name":"local"}`), json.RawMessage(`{"name":"server"}`))
	data, _ := json.Marshal(info)
	if err := f.kv.Set(store.ConflictKey(info.RestaurantID, info.ID), data); err != nil {
		t.Fatalf("seeding conflict failed: %v", err)
	}

	if err := f.svc.ResolveManualConflict(context.Background(), info.ID, conflict.ManualKeepServer, nil); err != nil {
		t.Fatalf("ResolveManualConflict failed: %v", err)
	}
	if _, ok := f.queue.Get(req.ID); ok {
		t.Error("Expected request abandoned when server state is kept")
	}
}

func TestRetryFailedAndClear(t *testing.T) {
	f := newServiceFixture(t, Options{})

	id, err := f.svc.QueueRequest(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("QueueRequest failed: %v", err)
	}
	f.queue.FailTerminal(id, "gave up")

	if count := f.svc.RetryFailedRequests(); count != 1 {
		t.Errorf("Expected 1 reset, got %d", count)
	}
	got, _ := f.queue.Get(id)
	if got.Status != models.StatusPending || got.RetryCount != 0 {
		t.Errorf("Expected fresh pending request, got %s/%d", got.Status, got.RetryCount)
	}

	if removed := f.svc.ClearQueue("rest-1"); removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	stats := f.svc.GetStatistics()
	if stats.Total != 0 {
		t.Errorf("Expected empty queue stats, got %d", stats.Total)
	}
}

func TestRotateEncryptionKey(t *testing.T) {
	f := newServiceFixture(t, Options{EnableEncryption: true})

	if err := f.svc.RotateEncryptionKey(); err != nil {
		t.Fatalf("RotateEncryptionKey failed: %v", err)
	}
	events := f.audit.Recent(1)
	if len(events) != 1 || events[0].Event != audit.EventKeyRotated {
		t.Error("Expected rotation recorded in the audit log")
	}
}
