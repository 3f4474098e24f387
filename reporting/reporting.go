// Package reporting cross-checks the settlement mirror against the wallet
// journal and produces worker statements.
//
// RECONCILIATION:
//
//	Every completed payment owns exactly one wallet debit whose counterparty
//	is the establishment. Matching is done in two passes:
//
//	  1. by the ledger transaction id recorded on the payment
//	  2. by the payment's idempotency key ("payment:<id>"), which catches
//	     debits that landed while the payment was still Pending
//
//	Whatever is left on either side is a discrepancy. Journal pruning makes
//	old debits disappear from the ledger side, so reports are meaningful for
//	windows younger than the retention age.
package reporting

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/wallet"
)

type Reporter struct {
	ledger     LedgerReader
	settlement SettlementReader
}

func NewReporter(ledger LedgerReader, settlement SettlementReader) *Reporter {
	return &Reporter{ledger: ledger, settlement: settlement}
}

// =============================================================================
// ESTABLISHMENT RECONCILIATION
// =============================================================================

type AmountMismatch struct {
	PaymentID     string
	TransactionID wallet.TransactionID
	Mirror        benefit.Amount
	Ledger        benefit.Amount
}

type Reconciliation struct {
	EstablishmentID benefit.PrincipalID
	Matched         int

	// Ledger debits towards the establishment with no payment record.
	MissingFromMirror []wallet.Transaction
	// Completed payments whose debit cannot be found in the journal.
	MirrorWithoutLedger []settlement.Payment
	AmountMismatches    []AmountMismatch
	// Pending payments whose debit already landed; the resolver will
	// complete them.
	AwaitingResolution []settlement.Payment

	LedgerTotal   benefit.Amount
	TotalReceived benefit.Amount
	Balanced      bool
}

// ReconcileEstablishment compares an establishment's payment records with
// the debits the ledger attributes to it. Only the establishment itself may
// ask.
func (r *Reporter) ReconcileEstablishment(ctx context.Context, caller benefit.Profile, id benefit.PrincipalID) (Reconciliation, error) {
	if err := benefit.RequireEstablishment(caller); err != nil {
		return Reconciliation{}, err
	}
	if err := benefit.RequireSelf(caller, id); err != nil {
		return Reconciliation{}, err
	}

	est, err := r.settlement.GetEstablishment(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	payments, err := r.settlement.Payments(ctx, id)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load payments: %w", err)
	}
	debits, err := r.ledger.TransactionsByCounterparty(ctx, id, nil)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load ledger debits: %w", err)
	}

	rep := Reconciliation{
		EstablishmentID:     id,
		TotalReceived:       est.TotalReceived,
		MissingFromMirror:   []wallet.Transaction{},
		MirrorWithoutLedger: []settlement.Payment{},
		AmountMismatches:    []AmountMismatch{},
		AwaitingResolution:  []settlement.Payment{},
	}

	byID := make(map[wallet.TransactionID]wallet.Transaction, len(debits))
	byKey := make(map[string]wallet.Transaction, len(debits))
	for _, tx := range debits {
		if tx.Type != wallet.TxDebit {
			continue
		}
		byID[tx.ID] = tx
		if tx.IdempotencyKey != nil {
			byKey[*tx.IdempotencyKey] = tx
		}
	}
	used := make(map[wallet.TransactionID]bool, len(debits))

	for _, p := range payments {
		tx, ok := matchDebit(p, byID, byKey)
		if ok && used[tx.ID] {
			ok = false
		}

		switch p.Status {
		case settlement.StatusCompleted:
			if !ok {
				rep.MirrorWithoutLedger = append(rep.MirrorWithoutLedger, p)
				continue
			}
			used[tx.ID] = true
			rep.Matched++
			rep.LedgerTotal += tx.Amount
			if tx.Amount != p.Amount {
				rep.AmountMismatches = append(rep.AmountMismatches, AmountMismatch{
					PaymentID: p.ID, TransactionID: tx.ID, Mirror: p.Amount, Ledger: tx.Amount,
				})
			}
		case settlement.StatusPending:
			if ok {
				used[tx.ID] = true
				rep.AwaitingResolution = append(rep.AwaitingResolution, p)
			}
		case settlement.StatusFailed, settlement.StatusCancelled:
			// A terminal non-completed payment must not own a debit. If one
			// matches, it stays unused and surfaces as missing from the mirror.
		}
	}

	for _, tx := range debits {
		if tx.Type == wallet.TxDebit && !used[tx.ID] {
			rep.MissingFromMirror = append(rep.MissingFromMirror, tx)
		}
	}
	sort.Slice(rep.MissingFromMirror, func(i, j int) bool {
		return rep.MissingFromMirror[i].Timestamp.Before(rep.MissingFromMirror[j].Timestamp)
	})

	rep.Balanced = len(rep.MissingFromMirror) == 0 &&
		len(rep.MirrorWithoutLedger) == 0 &&
		len(rep.AmountMismatches) == 0 &&
		rep.LedgerTotal == rep.TotalReceived
	return rep, nil
}

func matchDebit(p settlement.Payment, byID map[wallet.TransactionID]wallet.Transaction, byKey map[string]wallet.Transaction) (wallet.Transaction, bool) {
	if p.LedgerTxID != nil {
		if tx, ok := byID[wallet.TransactionID(*p.LedgerTxID)]; ok {
			return tx, true
		}
	}
	tx, ok := byKey[p.LedgerKey()]
	return tx, ok
}

// =============================================================================
// WORKER STATEMENT
// =============================================================================

type CategoryLine struct {
	Category benefit.Category
	Balance  benefit.Amount
	Credited benefit.Amount
	Debited  benefit.Amount
}

// Statement summarises a wallet over the journal entries still retained.
// Credited/Debited cover the returned Transactions only; the wallet's
// lifetime totals are on Wallet.
type Statement struct {
	Wallet       wallet.Wallet
	Transactions []wallet.Transaction
	Credited     benefit.Amount
	Debited      benefit.Amount
	Categories   []CategoryLine
}

func (r *Reporter) WorkerStatement(ctx context.Context, caller benefit.Profile, worker benefit.PrincipalID, limit *int) (Statement, error) {
	if err := benefit.RequireSelf(caller, worker); err != nil {
		return Statement{}, err
	}
	w, err := r.ledger.GetWallet(ctx, worker)
	if err != nil {
		return Statement{}, err
	}
	txs, err := r.ledger.GetTransactionHistory(ctx, worker, limit)
	if err != nil {
		return Statement{}, err
	}

	lines := make(map[benefit.Category]*CategoryLine)
	for _, c := range benefit.Categories() {
		lines[c] = &CategoryLine{Category: c, Balance: w.Balance(c)}
	}

	st := Statement{Wallet: w, Transactions: txs}
	for _, tx := range txs {
		line, ok := lines[tx.Category]
		if !ok {
			continue
		}
		switch tx.Type {
		case wallet.TxCredit:
			line.Credited += tx.Amount
			st.Credited += tx.Amount
		case wallet.TxDebit:
			line.Debited += tx.Amount
			st.Debited += tx.Amount
		}
	}
	for _, c := range benefit.Categories() {
		st.Categories = append(st.Categories, *lines[c])
	}
	return st, nil
}
