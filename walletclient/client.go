/*
Package walletclient talks to a Wallet Ledger over HTTP.

It implements the ledger ports of the program and settlement packages so
either can run against a ledger in another process. Every call is
authenticated with a bearer service token.

OUTCOME CLASSIFICATION:

	transport error, timeout, 5xx  on a mutation  -> UnknownOutcomeError
	error body with a code                        -> RemoteError of that Kind
	200 + duplicate_operation                     -> original entry + DuplicateOperationError

Reads never produce an UnknownOutcomeError of their own; a failed read is
simply an error.
*/
package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/wallet"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New returns a client for the ledger at baseURL, e.g. "http://ledger:8080".
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (c *Client) Credit(ctx context.Context, req wallet.CreditRequest) (wallet.Transaction, error) {
	body := CreditBody{
		OwnerID:        req.OwnerID,
		Category:       req.Category,
		Amount:         req.Amount,
		SourceRef:      req.SourceRef,
		ProgramID:      req.ProgramID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	}
	return c.apply(ctx, "credit", keyOf(req.IdempotencyKey), "/api/ledger/credits", body)
}

func (c *Client) Debit(ctx context.Context, req wallet.DebitRequest) (wallet.Transaction, error) {
	body := DebitBody{
		OwnerID:        req.OwnerID,
		Category:       req.Category,
		Amount:         req.Amount,
		CounterpartyID: req.CounterpartyID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	}
	return c.apply(ctx, "debit", keyOf(req.IdempotencyKey), "/api/ledger/debits", body)
}

// apply posts a credit or debit. 201 carries the new entry; 200 carries a
// duplicate envelope with the original entry.
func (c *Client) apply(ctx context.Context, op, key, path string, body any) (wallet.Transaction, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return wallet.Transaction{}, c.unknown(op, key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var tx TransactionBody
		if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
			return wallet.Transaction{}, c.unknown(op, key, fmt.Errorf("decode reply: %w", err))
		}
		return tx.Transaction(), nil

	case resp.StatusCode == http.StatusOK:
		var dup ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&dup); err != nil {
			return wallet.Transaction{}, c.unknown(op, key, fmt.Errorf("decode reply: %w", err))
		}
		if dup.Code != benefit.KindDuplicate || dup.Transaction == nil {
			return wallet.Transaction{}, c.unknown(op, key, fmt.Errorf("unexpected reply code %q", dup.Code))
		}
		tx := dup.Transaction.Transaction()
		return tx, &benefit.DuplicateOperationError{Key: key, TransactionID: string(tx.ID)}

	case resp.StatusCode >= 500:
		return wallet.Transaction{}, c.unknown(op, key, decodeError(resp))

	default:
		return wallet.Transaction{}, decodeError(resp)
	}
}

// FenceOperation returns the entry applied under key, or makes sure nothing
// ever will be.
func (c *Client) FenceOperation(ctx context.Context, owner benefit.PrincipalID, key string) (*wallet.Transaction, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/ledger/operations/"+url.PathEscape(key)+"/fence", FenceBody{OwnerID: owner})
	if err != nil {
		return nil, c.unknown("fence", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, c.unknown("fence", key, decodeError(resp))
	}
	return decodeOperation(resp)
}

// =============================================================================
// READS
// =============================================================================

func (c *Client) LookupOperation(ctx context.Context, key string) (*wallet.Transaction, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/ledger/operations/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	defer resp.Body.Close()
	return decodeOperation(resp)
}

func (c *Client) CanMakePayment(ctx context.Context, owner benefit.PrincipalID, category benefit.Category, amount benefit.Amount) (bool, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("amount", amount.String())
	var out CanPayBody
	if err := c.get(ctx, "/api/ledger/wallets/"+url.PathEscape(string(owner))+"/can-pay?"+q.Encode(), &out); err != nil {
		return false, err
	}
	return out.CanPay, nil
}

func (c *Client) GetWallet(ctx context.Context, owner benefit.PrincipalID) (wallet.Wallet, error) {
	var out WalletBody
	if err := c.get(ctx, "/api/ledger/wallets/"+url.PathEscape(string(owner)), &out); err != nil {
		return wallet.Wallet{}, err
	}
	return out.Wallet(), nil
}

func (c *Client) GetTransactionHistory(ctx context.Context, owner benefit.PrincipalID, limit *int) ([]wallet.Transaction, error) {
	return c.transactions(ctx, "/api/ledger/wallets/"+url.PathEscape(string(owner))+"/transactions", limit)
}

func (c *Client) TransactionsByCounterparty(ctx context.Context, counterparty benefit.PrincipalID, limit *int) ([]wallet.Transaction, error) {
	return c.transactions(ctx, "/api/ledger/counterparties/"+url.PathEscape(string(counterparty))+"/transactions", limit)
}

func (c *Client) transactions(ctx context.Context, path string, limit *int) ([]wallet.Transaction, error) {
	if limit != nil {
		path += "?limit=" + strconv.Itoa(*limit)
	}
	var body []TransactionBody
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	out := make([]wallet.Transaction, len(body))
	for i, b := range body {
		out[i] = b.Transaction()
	}
	return out, nil
}

// CleanupOldTransactions asks the ledger to prune its journal.
func (c *Client) CleanupOldTransactions(ctx context.Context, policy wallet.RetentionPolicy) (int, error) {
	var body CleanupBody
	if policy.MaxAge != nil {
		secs := int64(policy.MaxAge.Seconds())
		body.MaxAgeSeconds = &secs
	}
	body.MaxPerWallet = policy.MaxPerWallet

	resp, err := c.do(ctx, http.MethodPost, "/api/ledger/cleanup", body)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	var out CleanupResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode cleanup reply: %w", err)
	}
	return out.Removed, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) unknown(op, key string, err error) error {
	c.logger.Warn("ledger outcome unknown", zap.String("operation", op), zap.String("key", key), zap.Error(err))
	return &benefit.UnknownOutcomeError{Operation: op, Key: key, Err: err}
}

func decodeOperation(resp *http.Response) (*wallet.Transaction, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out OperationBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if out.Transaction == nil {
		return nil, nil
	}
	tx := out.Transaction.Transaction()
	return &tx, nil
}

// decodeError rebuilds the typed error of a non-success reply.
func decodeError(resp *http.Response) error {
	var body ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return &benefit.RemoteError{
			Kind:    benefit.KindInternal,
			Message: fmt.Sprintf("ledger replied %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}
	msg := body.Error
	if body.Details != "" {
		msg += ": " + body.Details
	}
	return &benefit.RemoteError{Kind: body.Code, Message: msg}
}

func keyOf(k *string) string {
	if k == nil {
		return ""
	}
	return *k
}
