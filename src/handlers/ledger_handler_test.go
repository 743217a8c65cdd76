package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/username/cashledger/src/events"
	"github.com/username/cashledger/src/models"
	"github.com/username/cashledger/src/parsers"
	"github.com/username/cashledger/src/processors"
	"github.com/username/cashledger/src/security"
	"github.com/username/cashledger/src/services"
	"github.com/username/cashledger/src/storage/memory"
)

const (
	testJWTSecret = "test-secret-key-at-least-32-bytes-long!!"
	testAdminKey  = "letmein-admin"
)

var handlerBase = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

type testServer struct {
	mux    *http.ServeMux
	store  *memory.Store
	writer *services.BatchWriter
	auth   *security.AuthService
}

// newTestServer wires the full API surface the way the entrypoint does,
// minus CORS and rate limiting.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New()
	readCache := cache.New(time.Minute, time.Minute)
	currencies := parsers.DefaultCurrencyTable()

	writer := services.NewBatchWriter(store, events.NoopPublisher{}, readCache, time.Hour, 64, 3)
	writer.Start()
	t.Cleanup(func() { writer.Stop(context.Background()) })

	ledgerService := services.NewLedgerService(
		store,
		writer,
		parsers.NewClassifier(currencies, "отчет"),
		parsers.NewScopeResolver(nil),
		processors.NewSettlementCalculator(currencies),
		readCache,
		"report-desk",
		"отчет",
		24*time.Hour,
	)

	authService := security.NewAuthService(testJWTSecret, time.Hour)
	adminKeyHash, err := security.HashKey(testAdminKey)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}

	ledgerHandler := NewLedgerHandler(ledgerService, authService)
	adminHandler := NewAdminHandler(ledgerService, adminKeyHash)
	authHandler := NewAuthHandler(authService, adminKeyHash)

	withAuth := func(handler http.HandlerFunc) http.Handler {
		return ledgerHandler.AuthMiddleware(handler)
	}
	withAdminKey := func(handler http.HandlerFunc) http.Handler {
		return ledgerHandler.AuthMiddleware(adminHandler.AdminKeyMiddleware(handler))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", ledgerHandler.HandleHealth)
	mux.HandleFunc("POST /api/auth/token", authHandler.HandleMintToken)
	mux.Handle("POST /api/messages", withAuth(ledgerHandler.HandleSubmitMessage))
	mux.Handle("POST /api/intents", withAuth(ledgerHandler.HandleSubmitIntent))
	mux.Handle("GET /api/scopes", withAuth(ledgerHandler.HandleGetScopes))
	mux.Handle("GET /api/balances/{scope}", withAuth(ledgerHandler.HandleGetBalances))
	mux.Handle("GET /api/balances/{scope}/{currency}", withAuth(ledgerHandler.HandleGetBalance))
	mux.Handle("GET /api/history/{scope}", withAuth(ledgerHandler.HandleGetHistory))
	mux.Handle("GET /api/stats/{scope}", withAuth(ledgerHandler.HandleGetStats))
	mux.Handle("GET /api/audit", withAuth(ledgerHandler.HandleAudit))
	mux.Handle("POST /api/admin/recompute", withAdminKey(adminHandler.HandleRecompute))
	mux.Handle("POST /api/admin/reverse", withAdminKey(adminHandler.HandleReverse))
	mux.Handle("POST /api/admin/clear", withAdminKey(adminHandler.HandleClear))

	return &testServer{mux: mux, store: store, writer: writer, auth: authService}
}

func (ts *testServer) token(t *testing.T, privileged bool) string {
	t.Helper()
	token, err := ts.auth.GenerateToken("test-actor", privileged)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, method, target, token, adminKey string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	var body map[string]string
	decodeJSON(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/balances/s1", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status got=%d want=401", rec.Code)
	}
	var body map[string]string
	decodeJSON(t, rec, &body)
	if body["error"] != "Authorization header required" {
		t.Errorf("error = %q", body["error"])
	}

	rec = ts.do(t, http.MethodGet, "/api/balances/s1", "garbage-token", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status got=%d want=401 for invalid token", rec.Code)
	}
}

func TestSubmitMessageEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	rec := ts.do(t, http.MethodPost, "/api/messages", token, "", models.Message{
		Text:       "Поступили 5 000,00 руб от ООО Ромашка",
		ScopeHint:  "-1001",
		ScopeName:  "Узбекистан основной",
		Privileged: true,
		Timestamp:  handlerBase,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var receipt models.SubmitReceipt
	decodeJSON(t, rec, &receipt)
	if receipt.Status != models.SubmitAccepted {
		t.Fatalf("receipt status got=%s want=accepted", receipt.Status)
	}

	if err := ts.writer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/api/balances/-1001/rub", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	var balance struct {
		Scope    string          `json:"scope"`
		Currency string          `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
	}
	decodeJSON(t, rec, &balance)
	if balance.Currency != "RUB" {
		t.Errorf("currency got=%s want=RUB", balance.Currency)
	}
	if !balance.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("amount got=%s want=5000", balance.Amount)
	}

	rec = ts.do(t, http.MethodGet, "/api/scopes", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	var scopes struct {
		Scopes []models.ScopeInfo `json:"scopes"`
	}
	decodeJSON(t, rec, &scopes)
	if len(scopes.Scopes) != 1 || scopes.Scopes[0].Name != "Узбекистан основной" {
		t.Errorf("scopes = %+v, want the hinted scope", scopes.Scopes)
	}
}

func TestSubmitMessagePrivilegeNeverElevates(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, false)

	// The body claims privilege but the token does not carry it, so the
	// manual-operation rules must stay out of reach.
	rec := ts.do(t, http.MethodPost, "/api/messages", token, "", models.Message{
		Text:       "выдача 5000 usd",
		ScopeHint:  "-1001",
		Privileged: true,
		Timestamp:  handlerBase,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var receipt models.SubmitReceipt
	decodeJSON(t, rec, &receipt)
	if receipt.Status != models.SubmitIgnored {
		t.Errorf("receipt status got=%s want=ignored for stripped privilege", receipt.Status)
	}
}

func TestSubmitMessageScopeRequired(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	rec := ts.do(t, http.MethodPost, "/api/messages", token, "", models.Message{
		Text:       "выдача 5000 usd",
		Privileged: true,
		Timestamp:  handlerBase,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status got=%d want=422, body %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitIntentRequiresPrivilegedToken(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, false)

	rec := ts.do(t, http.MethodPost, "/api/intents", token, "", models.OperationIntent{
		Scope: "s1",
		Legs: []models.Leg{
			{Kind: models.KindIncome, Currency: "USD", Amount: decimal.NewFromInt(100)},
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status got=%d want=403, body %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitIntentValidationSurfacesAs422(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	rec := ts.do(t, http.MethodPost, "/api/intents", token, "", models.OperationIntent{
		Scope: "s1",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status got=%d want=422, body %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitIntentAccepted(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	rec := ts.do(t, http.MethodPost, "/api/intents", token, "", models.OperationIntent{
		Scope: "s1",
		Legs: []models.Leg{
			{Kind: models.KindIncome, Currency: "USD", Amount: decimal.NewFromInt(100)},
		},
		Description: "подтверждено оператором",
		Timestamp:   handlerBase,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var receipt models.SubmitReceipt
	decodeJSON(t, rec, &receipt)
	if receipt.Status != models.SubmitAccepted || len(receipt.LegIDs) != 1 {
		t.Errorf("receipt = %+v, want accepted single leg", receipt)
	}
}

func TestGetBalancesETag(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	if _, err := ts.store.CommitBatch(context.Background(), []models.LedgerEntry{
		{Scope: "s1", Kind: models.KindIncome, Currency: "RUB", Amount: decimal.NewFromInt(1000), Timestamp: handlerBase},
	}); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/balances/s1", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, private" {
		t.Errorf("Cache-Control = %q", cc)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, `"`) {
		t.Fatalf("ETag = %q, want quoted hash", etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/balances/s1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusNotModified {
		t.Fatalf("status got=%d want=304", rec2.Code)
	}
	if rec2.Body.Len() != 0 {
		t.Errorf("304 response carries a body: %s", rec2.Body.String())
	}
}

func TestGetBalanceUntouchedCurrency(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	rec := ts.do(t, http.MethodGet, "/api/balances/ghost/CHF", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	var balance struct {
		Amount decimal.Decimal `json:"amount"`
	}
	decodeJSON(t, rec, &balance)
	if !balance.Amount.IsZero() {
		t.Errorf("amount got=%s want=0", balance.Amount)
	}
}

func TestGetHistoryQueryValidation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	tests := []struct {
		name   string
		target string
	}{
		{name: "bad limit", target: "/api/history/s1?limit=abc"},
		{name: "negative limit", target: "/api/history/s1?limit=-1"},
		{name: "unknown kind", target: "/api/history/s1?kind=teleport"},
		{name: "bad from", target: "/api/history/s1?from=yesterday"},
		{name: "bad to", target: "/api/history/s1?to=2026-13-99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.target, token, "", nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status got=%d want=400, body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetHistoryFiltered(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)
	ctx := context.Background()

	if _, err := ts.store.CommitBatch(ctx, []models.LedgerEntry{
		{Scope: "s1", Kind: models.KindIncome, Currency: "RUB", Amount: decimal.NewFromInt(1000), Timestamp: handlerBase},
		{Scope: "s1", Kind: models.KindCashWithdrawal, Currency: "RUB", Amount: decimal.NewFromInt(-300), Timestamp: handlerBase.Add(time.Hour)},
		{Scope: "s1", Kind: models.KindIncome, Currency: "USD", Amount: decimal.NewFromInt(50), Timestamp: handlerBase.Add(2 * time.Hour)},
	}); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/history/s1?kind=income&currency=rub", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Scope   string               `json:"scope"`
		Entries []models.LedgerEntry `json:"entries"`
	}
	decodeJSON(t, rec, &body)
	if len(body.Entries) != 1 {
		t.Fatalf("entries = %+v, want the single RUB income", body.Entries)
	}
	if body.Entries[0].Kind != models.KindIncome || body.Entries[0].Currency != "RUB" {
		t.Errorf("entry = %+v, want RUB income", body.Entries[0])
	}

	// Unknown scope reads as an empty list, not an error.
	rec = ts.do(t, http.MethodGet, "/api/history/ghost", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	decodeJSON(t, rec, &body)
	if body.Entries == nil || len(body.Entries) != 0 {
		t.Errorf("entries = %v, want empty list", body.Entries)
	}
}

func TestGetStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	if _, err := ts.store.CommitBatch(context.Background(), []models.LedgerEntry{
		{Scope: "s1", Kind: models.KindIncome, Currency: "RUB", Amount: decimal.NewFromInt(1000), Timestamp: handlerBase},
		{Scope: "s1", Kind: models.KindIncome, Currency: "RUB", Amount: decimal.NewFromInt(500), Timestamp: handlerBase.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/stats/s1", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var stats struct {
		Scope   string                                `json:"scope"`
		Entries int                                   `json:"entries"`
		Totals  map[string]map[string]decimal.Decimal `json:"totals"`
	}
	decodeJSON(t, rec, &stats)
	if stats.Entries != 2 {
		t.Errorf("entries got=%d want=2", stats.Entries)
	}
	if !stats.Totals["income"]["RUB"].Equal(decimal.NewFromInt(1500)) {
		t.Errorf("income RUB total = %s, want 1500", stats.Totals["income"]["RUB"])
	}
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)

	rec := ts.do(t, http.MethodGet, "/api/audit", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200", rec.Code)
	}
	var body struct {
		Issues []models.AuditIssue `json:"issues"`
		Count  int                 `json:"count"`
	}
	decodeJSON(t, rec, &body)
	if body.Count != 0 || len(body.Issues) != 0 {
		t.Errorf("body = %+v, want clean audit", body)
	}
}

func TestAdminKeyGating(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)
	payload := map[string]string{"scope": "all"}

	rec := ts.do(t, http.MethodPost, "/api/admin/recompute", "", "", payload)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status got=%d want=401", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/admin/recompute", token, "", payload)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no admin key: status got=%d want=401", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/admin/recompute", token, "wrong-key", payload)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong admin key: status got=%d want=403", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/admin/recompute", token, testAdminKey, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeJSON(t, rec, &body)
	if body["status"] != "recomputed" {
		t.Errorf("body = %v", body)
	}
}

func TestAdminReverseEntry(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)
	ctx := context.Background()

	ids, err := ts.store.CommitBatch(ctx, []models.LedgerEntry{
		{Scope: "s1", Kind: models.KindIncome, Currency: "RUB", Amount: decimal.NewFromInt(1000), Timestamp: handlerBase},
	})
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/admin/reverse", token, testAdminKey, map[string]interface{}{
		"scope":    "s1",
		"entry_id": ids[0],
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}

	b, err := ts.store.Balance(ctx, "s1", "RUB")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !b.Amount.IsZero() {
		t.Errorf("balance after reverse = %s, want 0", b.Amount)
	}

	rec = ts.do(t, http.MethodPost, "/api/admin/reverse", token, testAdminKey, map[string]interface{}{
		"scope":    "s1",
		"entry_id": ids[0],
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second reverse: status got=%d want=404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/admin/reverse", token, testAdminKey, map[string]interface{}{
		"scope": "s1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing entry_id: status got=%d want=400", rec.Code)
	}
}

func TestAdminClearRequiresConfirm(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, true)
	ctx := context.Background()

	if _, err := ts.store.CommitBatch(ctx, []models.LedgerEntry{
		{Scope: "s1", Kind: models.KindIncome, Currency: "RUB", Amount: decimal.NewFromInt(1000), Timestamp: handlerBase},
	}); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/admin/clear", token, testAdminKey, map[string]bool{"confirm": false})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed clear: status got=%d want=400", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/admin/clear", token, testAdminKey, map[string]bool{"confirm": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}

	entries, err := ts.store.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries after clear = %d, want 0", len(entries))
	}
}

func TestMintToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/token", "", "", map[string]interface{}{
		"actor_id": "ocr-extractor", "privileged": true,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no admin key: status got=%d want=401", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/token", "", testAdminKey, map[string]interface{}{
		"actor_id": "", "privileged": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty actor_id: status got=%d want=400", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/token", "", testAdminKey, map[string]interface{}{
		"actor_id": "ocr-extractor", "privileged": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=200, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeJSON(t, rec, &body)
	if body.Token == "" {
		t.Fatalf("no token in response")
	}
	if body.ExpiresIn != 3600 {
		t.Errorf("expires_in got=%d want=3600", body.ExpiresIn)
	}

	actorID, privileged, err := ts.auth.ValidateToken(body.Token)
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if actorID != "ocr-extractor" || !privileged {
		t.Errorf("claims = (%s, %v), want (ocr-extractor, true)", actorID, privileged)
	}
}

func TestAdminDisabledWithoutKeyHash(t *testing.T) {
	admin := NewAdminHandler(nil, "")
	handler := admin.AdminKeyMiddleware(http.HandlerFunc(admin.HandleRecompute))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/recompute", strings.NewReader(`{"scope":"all"}`))
	req.Header.Set("X-Admin-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status got=%d want=503, body %s", rec.Code, rec.Body.String())
	}
}
