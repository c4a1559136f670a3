package exchange

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// AccountValidator answers read-only questions about ledger state. It is
// consulted before every instruction that moves tokens, so a would-be
// program-level revert becomes a typed client-side error before a network
// write is spent on a doomed transaction.
type AccountValidator struct {
	conn Connection
}

func NewAccountValidator(conn Connection) *AccountValidator {
	return &AccountValidator{conn: conn}
}

// AccountExists reports whether the ledger holds account data at address.
func (v *AccountValidator) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	info, err := v.conn.GetAccountInfo(ctx, address)
	if err != nil {
		return false, wrapError(ErrConnectionFailed, err, "look up account %s", address)
	}
	return info != nil, nil
}

// TokenBalance returns the base-unit balance of a holding account, or nil
// when the account does not exist.
func (v *AccountValidator) TokenBalance(ctx context.Context, holding solana.PublicKey) (*uint64, error) {
	balance, err := v.conn.GetTokenAccountBalance(ctx, holding)
	if err != nil {
		return nil, wrapError(ErrConnectionFailed, err, "fetch balance of %s", holding)
	}
	if balance == nil {
		return nil, nil
	}
	amount := balance.Amount
	return &amount, nil
}

// HasSufficientBalance reports whether the holding account exists and holds
// at least required base units.
func (v *AccountValidator) HasSufficientBalance(ctx context.Context, holding solana.PublicKey, required uint64) (bool, error) {
	balance, err := v.TokenBalance(ctx, holding)
	if err != nil {
		return false, err
	}
	if balance == nil {
		return false, nil
	}
	return *balance >= required, nil
}
