// Package escrow moves value between caller accounts and per-job holdings.
// It has no notion of job states; the lifecycle decides when to hold and release.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// Ledger applies fund movements through a store.FundStore.
type Ledger struct {
	clock func() time.Time
}

// New creates a Ledger.
func New() *Ledger {
	return &Ledger{clock: time.Now}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Hold debits from and places amount in escrow under job id.
func (l *Ledger) Hold(ctx context.Context, fs store.FundStore, id contracts.JobID, from contracts.AccountID, amount finance.Amount) error {
	if err := amount.Validate(); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidAmount, err)
	}
	if amount.IsZero() {
		return nil
	}
	acct, err := fs.GetAccount(ctx, from)
	if err != nil {
		return err
	}
	if acct.Frozen {
		return fmt.Errorf("%s: %w", from, contracts.ErrAccountFrozen)
	}
	remaining, err := acct.Balance.Sub(amount)
	if err != nil {
		return fmt.Errorf("%s has %d, needs %d: %w", from, acct.Balance, amount, contracts.ErrInsufficientFunds)
	}
	acct.Balance = remaining
	held, err := fs.GetEscrow(ctx, id)
	if err != nil {
		return err
	}
	held, err = held.Add(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidAmount, err)
	}
	acct.UpdatedAt = l.clock().UTC()
	if err := fs.PutAccount(ctx, acct); err != nil {
		return err
	}
	return fs.PutEscrow(ctx, id, held)
}

// Release pays amount out of job id's holding to the destination account.
// Any failure is reported as contracts.ErrEscrowTransferFailed.
func (l *Ledger) Release(ctx context.Context, fs store.FundStore, id contracts.JobID, to contracts.AccountID, amount finance.Amount) error {
	if err := l.release(ctx, fs, id, to, amount); err != nil {
		if errors.Is(err, contracts.ErrEscrowTransferFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", contracts.ErrEscrowTransferFailed, err)
	}
	return nil
}

func (l *Ledger) release(ctx context.Context, fs store.FundStore, id contracts.JobID, to contracts.AccountID, amount finance.Amount) error {
	if err := amount.Validate(); err != nil {
		return err
	}
	held, err := fs.GetEscrow(ctx, id)
	if err != nil {
		return err
	}
	remaining, err := held.Sub(amount)
	if err != nil {
		return fmt.Errorf("job %d holds %d, release of %d: %w", id, held, amount, err)
	}
	if amount.IsZero() {
		return nil
	}
	acct, err := fs.GetAccount(ctx, to)
	if err != nil {
		return err
	}
	if acct.Frozen {
		return fmt.Errorf("destination %s: %w", to, contracts.ErrAccountFrozen)
	}
	if acct.Balance, err = acct.Balance.Add(amount); err != nil {
		return err
	}
	acct.UpdatedAt = l.clock().UTC()
	if err := fs.PutAccount(ctx, acct); err != nil {
		return err
	}
	return fs.PutEscrow(ctx, id, remaining)
}

// Held returns the amount escrowed under job id.
func (l *Ledger) Held(ctx context.Context, fs store.FundStore, id contracts.JobID) (finance.Amount, error) {
	return fs.GetEscrow(ctx, id)
}

// Balance returns the account record for id.
func (l *Ledger) Balance(ctx context.Context, fs store.FundStore, id contracts.AccountID) (*contracts.Account, error) {
	return fs.GetAccount(ctx, id)
}

// Deposit credits a positive amount to an account.
func (l *Ledger) Deposit(ctx context.Context, fs store.FundStore, to contracts.AccountID, amount finance.Amount) (*contracts.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be positive", contracts.ErrInvalidAmount)
	}
	acct, err := fs.GetAccount(ctx, to)
	if err != nil {
		return nil, err
	}
	if acct.Frozen {
		return nil, fmt.Errorf("%s: %w", to, contracts.ErrAccountFrozen)
	}
	if acct.Balance, err = acct.Balance.Add(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidAmount, err)
	}
	acct.UpdatedAt = l.clock().UTC()
	if err := fs.PutAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Withdraw debits a positive amount from an account.
func (l *Ledger) Withdraw(ctx context.Context, fs store.FundStore, from contracts.AccountID, amount finance.Amount) (*contracts.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal must be positive", contracts.ErrInvalidAmount)
	}
	acct, err := fs.GetAccount(ctx, from)
	if err != nil {
		return nil, err
	}
	if acct.Frozen {
		return nil, fmt.Errorf("%s: %w", from, contracts.ErrAccountFrozen)
	}
	remaining, err := acct.Balance.Sub(amount)
	if err != nil {
		return nil, fmt.Errorf("%s has %d, withdrawing %d: %w", from, acct.Balance, amount, contracts.ErrInsufficientFunds)
	}
	acct.Balance = remaining
	acct.UpdatedAt = l.clock().UTC()
	if err := fs.PutAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// SetFrozen freezes or unfreezes an account.
func (l *Ledger) SetFrozen(ctx context.Context, fs store.FundStore, id contracts.AccountID, frozen bool) (*contracts.Account, error) {
	acct, err := fs.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	acct.Frozen = frozen
	acct.UpdatedAt = l.clock().UTC()
	if err := fs.PutAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}
