package reporting

import (
	"context"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/wallet"
)

// LedgerReader is the read side of the Wallet Ledger. *wallet.Ledger and
// *walletclient.Client both satisfy it.
//
//go:generate mockgen -destination=mocks/mock_sources.go -package=mocks -source=sources.go
type LedgerReader interface {
	GetWallet(ctx context.Context, owner benefit.PrincipalID) (wallet.Wallet, error)
	GetTransactionHistory(ctx context.Context, owner benefit.PrincipalID, limit *int) ([]wallet.Transaction, error)
	TransactionsByCounterparty(ctx context.Context, counterparty benefit.PrincipalID, limit *int) ([]wallet.Transaction, error)
}

// SettlementReader is the read side of Establishment Settlement.
type SettlementReader interface {
	GetEstablishment(ctx context.Context, id benefit.PrincipalID) (settlement.Establishment, error)
	Payments(ctx context.Context, establishmentID benefit.PrincipalID) ([]settlement.Payment, error)
}
