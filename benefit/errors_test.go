package benefit_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/benefits-engine/benefit"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want benefit.Kind
	}{
		{"nil", nil, ""},
		{"validation", &benefit.ValidationError{Field: "amount", Reason: "negative"}, benefit.KindValidation},
		{"wrapped not found", fmt.Errorf("load: %w", &benefit.NotFoundError{Resource: "wallet", ID: "w1"}), benefit.KindNotFound},
		{"unauthorized", &benefit.AuthorizationError{Caller: "w1", Reason: "no"}, benefit.KindUnauthorized},
		{"insufficient", &benefit.InsufficientFundsError{Holder: "w1", Requested: 2, Available: 1}, benefit.KindInsufficientFunds},
		{"duplicate", &benefit.DuplicateOperationError{Key: "k", TransactionID: "t"}, benefit.KindDuplicate},
		{"fenced", benefit.ErrOperationFenced, benefit.KindInvalidState},
		{"unknown outcome", &benefit.UnknownOutcomeError{Operation: "debit", Key: "k", Err: io.EOF}, benefit.KindOutcomeUnknown},
		{"deadline", context.DeadlineExceeded, benefit.KindOutcomeUnknown},
		{"plain", errors.New("disk on fire"), benefit.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, benefit.KindOf(tt.err))
		})
	}
}

func TestUnknownOutcomeError_KeepsCause(t *testing.T) {
	err := &benefit.UnknownOutcomeError{Operation: "credit", Key: "disburse:p:2026-03:w1", Err: io.ErrUnexpectedEOF}

	assert.ErrorIs(t, err, benefit.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, benefit.IsOutcomeUnknown(err))
	assert.False(t, benefit.IsClientError(err))
}

func TestRemoteError(t *testing.T) {
	// GIVEN: Error kinds received from a remote ledger
	// WHEN: Rebuilding them
	// THEN: Known kinds unwrap to their sentinel, unknown ones stay internal

	err := &benefit.RemoteError{Kind: benefit.KindInsufficientFunds, Message: "insufficient funds"}
	assert.ErrorIs(t, err, benefit.ErrInsufficientFunds)
	assert.True(t, benefit.IsClientError(err))

	err = &benefit.RemoteError{Kind: benefit.KindDuplicate, Message: "again"}
	assert.True(t, benefit.IsDuplicate(err))

	err = &benefit.RemoteError{Kind: "teapot", Message: "?"}
	assert.Equal(t, benefit.KindInternal, benefit.KindOf(err))
}

func TestInsufficientFundsError_Message(t *testing.T) {
	err := &benefit.InsufficientFundsError{
		Holder:    "w1",
		Category:  benefit.CategoryFood,
		Available: benefit.Units(10),
		Requested: benefit.Units(25),
	}
	assert.Equal(t, benefit.Units(15), err.Shortfall())
	assert.Contains(t, err.Error(), "w1/Food")
	assert.Contains(t, err.Error(), "shortfall 15.0000")
	assert.True(t, benefit.IsClientError(err))
}
