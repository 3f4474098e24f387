/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Caller resolution and service-token guarding
- The full flow: program -> disbursement -> wallet -> payment -> reports
- Error kind to status mapping
- Ledger API idempotency and operation keys
- walletclient against the real router
- Rate limiting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/identity"
	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/reporting"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/store/sqlite"
	"github.com/warp/benefits-engine/wallet"
	"github.com/warp/benefits-engine/walletclient"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const serviceToken = "svc-token"

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type apiEnv struct {
	router  http.Handler
	handler *Handler
	ledger  *wallet.Ledger
}

func profile(id string, role benefit.Role, company string) benefit.Profile {
	p := benefit.Profile{ID: benefit.PrincipalID(id), Name: id, Role: role, IsActive: true}
	if company != "" {
		p.CompanyID = benefit.Ptr(benefit.CompanyID(company))
	}
	return p
}

func newAPIEnv(t *testing.T, limiter *RateLimiter) apiEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := func() time.Time { return testNow }
	dir := identity.NewDirectory(
		profile("hr-1", benefit.RoleHR, "acme"),
		profile("hr-2", benefit.RoleHR, "globex"),
		profile("worker-1", benefit.RoleWorker, "acme"),
		profile("worker-2", benefit.RoleWorker, "acme"),
		profile("est-1", benefit.RoleEstablishment, ""),
		profile("est-2", benefit.RoleEstablishment, ""),
	)

	ledger := wallet.NewLedger(store, wallet.WithClock(clock))
	registry := program.NewRegistry(store, program.WithIdentity(dir), program.WithRegistryClock(clock))
	disburser := program.NewDisburser(registry, store, ledger, program.DisburserConfig{Concurrency: 2, CreditTimeout: time.Second}, nil)
	settle := settlement.NewService(store, ledger, settlement.Config{DebitTimeout: time.Second}, settlement.WithClock(clock))

	h := &Handler{
		Ledger:     ledger,
		Registry:   registry,
		Disburser:  disburser,
		Settlement: settle,
		Reports:    reporting.NewReporter(ledger, settle),
	}
	router := NewRouter(h, RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		ServiceToken:   serviceToken,
		Identities:     dir,
		RateLimiter:    limiter,
		Health:         store.Ping,
	})
	return apiEnv{router: router, handler: h, ledger: ledger}
}

func (e apiEnv) request(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// as sends a request on behalf of a principal.
func (e apiEnv) as(t *testing.T, principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.request(t, method, path, body, http.Header{PrincipalHeader: {principal}})
}

// service sends a request to the ledger API with the service token.
func (e apiEnv) service(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.request(t, method, path, body, http.Header{"Authorization": {"Bearer " + serviceToken}})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
}

// fundedFoodProgram creates a monthly Food program for acme paying 300 to
// worker-1 and funds the pool with 1000.
func (e apiEnv) fundedFoodProgram(t *testing.T) ProgramDTO {
	t.Helper()
	rec := e.as(t, "hr-1", http.MethodPost, "/api/programs", map[string]any{
		"name":              "Meal allowance",
		"company_id":        "acme",
		"category":          "food",
		"amount_per_worker": "300",
		"frequency":         "monthly",
		"payment_day":       5,
	})
	requireStatus(t, rec, http.StatusCreated)
	p := decode[ProgramDTO](t, rec)

	rec = e.as(t, "hr-1", http.MethodPost, "/api/companies/acme/pool/deposits", map[string]any{"amount": 1000})
	requireStatus(t, rec, http.StatusOK)

	rec = e.as(t, "hr-1", http.MethodPost, "/api/programs/"+string(p.ID)+"/assignments", map[string]any{"worker_id": "worker-1"})
	requireStatus(t, rec, http.StatusCreated)
	return p
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestRouter_RequiresPrincipal(t *testing.T) {
	env := newAPIEnv(t, nil)

	rec := env.request(t, http.MethodGet, "/api/establishments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.as(t, "nobody", http.MethodGet, "/api/establishments", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.as(t, "worker-1", http.MethodGet, "/api/establishments", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_HealthReflectsStore(t *testing.T) {
	h := &Handler{}
	down := NewRouter(h, RouterConfig{Health: func(context.Context) error { return errors.New("database is locked") }})

	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLedgerAPI_RequiresServiceToken(t *testing.T) {
	env := newAPIEnv(t, nil)

	rec := env.as(t, "worker-1", http.MethodGet, "/api/ledger/wallets/worker-1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a principal is not a service")

	rec = env.request(t, http.MethodGet, "/api/ledger/wallets/worker-1", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// END TO END
// =============================================================================

func TestFlow_ProgramToPayment(t *testing.T) {
	// GIVEN: A funded Food program with worker-1 assigned and a registered
	//        restaurant accepting Food
	// WHEN: HR disburses March, and the restaurant charges worker-1 25.50
	// THEN: The wallet, the payment history and both reports agree

	env := newAPIEnv(t, nil)
	p := env.fundedFoodProgram(t)

	rec := env.as(t, "hr-1", http.MethodPost, "/api/programs/"+string(p.ID)+"/disbursements", map[string]any{"period": "monthly:2026-03"})
	requireStatus(t, rec, http.StatusOK)
	run := decode[DisbursementDTO](t, rec)
	assert.Equal(t, []benefit.PrincipalID{"worker-1"}, run.Credited)
	assert.Equal(t, program.RunCompleted, run.Run.Status)

	rec = env.as(t, "hr-1", http.MethodGet, "/api/companies/acme/pool", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, benefit.Units(700), decode[PoolDTO](t, rec).Available)

	rec = env.as(t, "worker-1", http.MethodGet, "/api/wallets/worker-1", nil)
	requireStatus(t, rec, http.StatusOK)
	wal := decode[walletclient.WalletBody](t, rec)
	assert.Equal(t, benefit.Units(300), wal.Balances[benefit.CategoryFood])

	rec = env.as(t, "est-1", http.MethodPost, "/api/establishments", map[string]any{
		"name":                "Cafe One",
		"country":             "BR",
		"accepted_categories": []string{"Food"},
	})
	requireStatus(t, rec, http.StatusCreated)

	rec = env.as(t, "est-1", http.MethodGet, "/api/establishments/me/validate?worker_id=worker-1&category=Food&amount=25.50", nil)
	requireStatus(t, rec, http.StatusOK)
	v := decode[ValidationDTO](t, rec)
	assert.True(t, v.IsValid)
	assert.Equal(t, "Cafe One", v.EstablishmentName)

	rec = env.as(t, "est-1", http.MethodPost, "/api/establishments/me/payments", map[string]any{
		"worker_id": "worker-1",
		"category":  "Food",
		"amount":    "25.50",
	})
	requireStatus(t, rec, http.StatusCreated)
	payment := decode[PaymentDTO](t, rec)
	assert.Equal(t, settlement.StatusCompleted, payment.Status)
	assert.Contains(t, rec.Body.String(), `"amount":"25.5000"`)

	rec = env.as(t, "worker-1", http.MethodGet, "/api/wallets/worker-1/transactions?limit=1", nil)
	requireStatus(t, rec, http.StatusOK)
	history := decode[[]walletclient.TransactionBody](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, wallet.TxDebit, history[0].Type)

	rec = env.as(t, "est-1", http.MethodGet, "/api/reports/establishments/est-1/reconciliation", nil)
	requireStatus(t, rec, http.StatusOK)
	recon := decode[ReconciliationDTO](t, rec)
	assert.True(t, recon.Balanced)
	assert.Equal(t, 1, recon.Matched)

	rec = env.as(t, "worker-1", http.MethodGet, "/api/reports/workers/worker-1/statement", nil)
	requireStatus(t, rec, http.StatusOK)
	st := decode[StatementDTO](t, rec)
	assert.Equal(t, benefit.Units(300), st.Credited)
	assert.Equal(t, benefit.MustParseAmount("25.5"), st.Debited)

	rec = env.as(t, "worker-1", http.MethodGet, "/api/workers/worker-1/benefits", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decode[[]AssignmentDTO](t, rec), 1)
}

func TestTriggerDisbursement_EmptyBodyUsesCurrentPeriod(t *testing.T) {
	env := newAPIEnv(t, nil)
	p := env.fundedFoodProgram(t)

	rec := env.as(t, "hr-1", http.MethodPost, "/api/programs/"+string(p.ID)+"/disbursements", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Equal(t, "monthly:2026-03", decode[DisbursementDTO](t, rec).Run.Period)

	rec = env.as(t, "hr-1", http.MethodGet, "/api/programs/"+string(p.ID)+"/disbursements", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decode[[]RunDTO](t, rec), 1)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	env := newAPIEnv(t, nil)
	p := env.fundedFoodProgram(t)
	programPath := "/api/programs/" + string(p.ID)

	rec := env.as(t, "est-1", http.MethodPost, "/api/establishments", map[string]any{
		"name": "Cafe One", "accepted_categories": []string{"Food", "Culture"},
	})
	requireStatus(t, rec, http.StatusCreated)

	tests := []struct {
		name      string
		principal string
		method    string
		path      string
		body      any
		status    int
		code      benefit.Kind
	}{
		{"worker creates program", "worker-1", http.MethodPost, "/api/programs",
			map[string]any{"name": "x", "company_id": "acme", "category": "Food", "amount_per_worker": 1, "frequency": "Weekly", "payment_day": 1},
			http.StatusForbidden, benefit.KindUnauthorized},
		{"unknown category", "hr-1", http.MethodPost, "/api/programs",
			map[string]any{"name": "x", "company_id": "acme", "category": "Fuel", "amount_per_worker": 1, "frequency": "Weekly", "payment_day": 1},
			http.StatusBadRequest, benefit.KindValidation},
		{"unknown field", "hr-1", http.MethodPost, "/api/companies/acme/pool/deposits",
			map[string]any{"amount": 1, "currency": "EUR"},
			http.StatusBadRequest, benefit.KindValidation},
		{"unknown program", "hr-1", http.MethodGet, "/api/programs/nope", nil,
			http.StatusNotFound, benefit.KindNotFound},
		{"other company's pool", "hr-2", http.MethodGet, "/api/companies/acme/pool", nil,
			http.StatusForbidden, benefit.KindUnauthorized},
		{"bad period key", "hr-1", http.MethodPost, programPath + "/disbursements",
			map[string]any{"period": "monthly:March"},
			http.StatusBadRequest, benefit.KindValidation},
		{"another worker's wallet", "worker-2", http.MethodGet, "/api/wallets/worker-1", nil,
			http.StatusForbidden, benefit.KindUnauthorized},
		{"worker validates a payment", "worker-2", http.MethodGet,
			"/api/establishments/me/validate?worker_id=worker-1&category=Food&amount=137", nil,
			http.StatusForbidden, benefit.KindUnauthorized},
		{"other company's assignments", "hr-2", http.MethodGet, programPath + "/assignments", nil,
			http.StatusForbidden, benefit.KindUnauthorized},
		{"worker lists assignments", "worker-1", http.MethodGet, programPath + "/assignments", nil,
			http.StatusForbidden, benefit.KindUnauthorized},
		{"other company's disbursements", "hr-2", http.MethodGet, programPath + "/disbursements", nil,
			http.StatusForbidden, benefit.KindUnauthorized},
		{"registering twice", "est-1", http.MethodPost, "/api/establishments",
			map[string]any{"name": "Cafe One", "accepted_categories": []string{"Food"}},
			http.StatusConflict, benefit.KindInvalidState},
		{"bad limit", "est-1", http.MethodGet, "/api/establishments/me/payments?limit=ten", nil,
			http.StatusBadRequest, benefit.KindValidation},
		{"unknown payment", "est-1", http.MethodPost, "/api/establishments/me/payments/nope/cancel", nil,
			http.StatusNotFound, benefit.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.as(t, tt.principal, tt.method, tt.path, tt.body)
			requireStatus(t, rec, tt.status)
			assert.Equal(t, tt.code, decode[walletclient.ErrorBody](t, rec).Code)
		})
	}
}

func TestPayment_InsufficientFundsKeepsFailedRecord(t *testing.T) {
	// GIVEN: A worker with no Culture balance
	// WHEN: An establishment charges Culture
	// THEN: 422 with the Failed payment attached, and it shows in history

	env := newAPIEnv(t, nil)
	rec := env.as(t, "est-1", http.MethodPost, "/api/establishments", map[string]any{
		"name": "Cinema", "accepted_categories": []string{"Culture"},
	})
	requireStatus(t, rec, http.StatusCreated)

	rec = env.as(t, "est-1", http.MethodPost, "/api/establishments/me/payments", map[string]any{
		"worker_id": "worker-1", "category": "Culture", "amount": 12,
	})
	requireStatus(t, rec, http.StatusUnprocessableEntity)
	body := decode[PaymentErrorDTO](t, rec)
	assert.Equal(t, benefit.KindInsufficientFunds, body.Code)
	assert.Equal(t, settlement.StatusFailed, body.Payment.Status)

	rec = env.as(t, "est-1", http.MethodGet, "/api/establishments/me/payments", nil)
	requireStatus(t, rec, http.StatusOK)
	assert.Len(t, decode[[]PaymentDTO](t, rec), 1)
}

func TestPayment_IntentToken(t *testing.T) {
	env := newAPIEnv(t, nil)
	rec := env.as(t, "est-1", http.MethodPost, "/api/establishments", map[string]any{
		"name": "Cafe One", "accepted_categories": []string{"Food"},
	})
	requireStatus(t, rec, http.StatusCreated)
	_, err := env.ledger.Credit(context.Background(), wallet.CreditRequest{OwnerID: "worker-1", Category: benefit.CategoryFood, Amount: benefit.Units(50)})
	require.NoError(t, err)

	token, err := benefit.PaymentIntent{
		EstablishmentID: "est-1",
		Amount:          benefit.MustParseAmount("12.5"),
		Category:        benefit.CategoryFood,
		Description:     "espresso",
	}.Encode()
	require.NoError(t, err)

	rec = env.as(t, "est-1", http.MethodPost, "/api/establishments/me/intents", map[string]any{
		"worker_id": "worker-1", "token": string(token),
	})
	requireStatus(t, rec, http.StatusCreated)
	assert.Equal(t, benefit.MustParseAmount("12.5"), decode[PaymentDTO](t, rec).Amount)

	rec = env.as(t, "est-2", http.MethodPost, "/api/establishments/me/intents", map[string]any{
		"worker_id": "worker-1", "token": string(token),
	})
	requireStatus(t, rec, http.StatusForbidden)
}

// =============================================================================
// LEDGER API
// =============================================================================

func TestLedgerAPI_DuplicateCreditReturnsOriginal(t *testing.T) {
	env := newAPIEnv(t, nil)
	body := map[string]any{
		"owner_id": "worker-1", "category": "Health", "amount": "40", "idempotency_key": "manual:1",
	}

	rec := env.service(t, http.MethodPost, "/api/ledger/credits", body)
	requireStatus(t, rec, http.StatusCreated)
	first := decode[walletclient.TransactionBody](t, rec)

	rec = env.service(t, http.MethodPost, "/api/ledger/credits", body)
	requireStatus(t, rec, http.StatusOK)
	dup := decode[walletclient.ErrorBody](t, rec)
	assert.Equal(t, benefit.KindDuplicate, dup.Code)
	require.NotNil(t, dup.Transaction)
	assert.Equal(t, first.ID, dup.Transaction.ID)

	w, err := env.ledger.GetWallet(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(40), w.TotalBalance, "applied once")
}

func TestLedgerAPI_OperationKeysWithColons(t *testing.T) {
	env := newAPIEnv(t, nil)
	key := "disburse:prog-1:monthly:2026-03:worker-1"

	rec := env.service(t, http.MethodPost, "/api/ledger/credits", map[string]any{
		"owner_id": "worker-1", "category": "Food", "amount": 10, "idempotency_key": key,
	})
	requireStatus(t, rec, http.StatusCreated)

	for _, path := range []string{"/api/ledger/operations/" + key, "/api/ledger/operations/" + url.PathEscape(key)} {
		rec = env.service(t, http.MethodGet, path, nil)
		requireStatus(t, rec, http.StatusOK)
		require.NotNil(t, decode[walletclient.OperationBody](t, rec).Transaction, path)
	}

	rec = env.service(t, http.MethodPost, "/api/ledger/operations/payment:p-9/fence", map[string]any{"owner_id": "worker-1"})
	requireStatus(t, rec, http.StatusOK)
	assert.Nil(t, decode[walletclient.OperationBody](t, rec).Transaction)

	rec = env.service(t, http.MethodPost, "/api/ledger/debits", map[string]any{
		"owner_id": "worker-1", "category": "Food", "amount": 1, "counterparty_id": "est-1", "idempotency_key": "payment:p-9",
	})
	requireStatus(t, rec, http.StatusConflict)
}

func TestWalletClient_AgainstRouter(t *testing.T) {
	// GIVEN: The ledger API served over HTTP
	// WHEN: Using walletclient as the program and settlement services would
	// THEN: Every call round-trips with the same semantics as in-process

	env := newAPIEnv(t, nil)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	client := walletclient.New(srv.URL, serviceToken)
	ctx := context.Background()

	key := "disburse:prog-1:monthly:2026-03:worker-1"
	tx, err := client.Credit(ctx, wallet.CreditRequest{
		OwnerID: "worker-1", Category: benefit.CategoryFood, Amount: benefit.Units(80), IdempotencyKey: &key,
	})
	require.NoError(t, err)

	again, err := client.Credit(ctx, wallet.CreditRequest{
		OwnerID: "worker-1", Category: benefit.CategoryFood, Amount: benefit.Units(80), IdempotencyKey: &key,
	})
	assert.True(t, benefit.IsDuplicate(err))
	assert.Equal(t, tx.ID, again.ID)

	found, err := client.LookupOperation(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tx.ID, found.ID)

	_, err = client.Debit(ctx, wallet.DebitRequest{
		OwnerID: "worker-1", Category: benefit.CategoryFood, Amount: benefit.Units(100), CounterpartyID: "est-1",
	})
	assert.ErrorIs(t, err, benefit.ErrInsufficientFunds)

	ok, err := client.CanMakePayment(ctx, "worker-1", benefit.CategoryFood, benefit.Units(80))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = client.Debit(ctx, wallet.DebitRequest{
		OwnerID: "worker-1", Category: benefit.CategoryFood, Amount: benefit.Units(30), CounterpartyID: "est-1",
	})
	require.NoError(t, err)

	w, err := client.GetWallet(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, benefit.Units(50), w.Balance(benefit.CategoryFood))

	byEst, err := client.TransactionsByCounterparty(ctx, "est-1", nil)
	require.NoError(t, err)
	assert.Len(t, byEst, 1)

	_, err = client.GetWallet(ctx, "worker-2")
	assert.True(t, benefit.IsNotFound(err))

	removed, err := client.CleanupOldTransactions(ctx, wallet.RetentionPolicy{MaxPerWallet: benefit.Ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimiter_PerPrincipal(t *testing.T) {
	env := newAPIEnv(t, NewRateLimiter(0.001, 2, nil))

	for i := 0; i < 2; i++ {
		rec := env.as(t, "worker-1", http.MethodGet, "/api/establishments", nil)
		requireStatus(t, rec, http.StatusOK)
	}
	rec := env.as(t, "worker-1", http.MethodGet, "/api/establishments", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.as(t, "worker-2", http.MethodGet, "/api/establishments", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "other principals have their own bucket")
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := testNow
	rl.now = func() time.Time { return now }

	rl.limiter("principal:a")
	rl.limiter("principal:b")
	now = now.Add(2 * time.Minute)
	rl.limiter("principal:b")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, rl.Sweep())
	assert.Len(t, rl.visitors, 1)
}
