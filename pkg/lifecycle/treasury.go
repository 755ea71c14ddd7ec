package lifecycle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/finance"
	"github.com/Mindburn-Labs/jobledger/pkg/store"
)

// Deposit credits amount to account.
func (m *Machine) Deposit(ctx context.Context, account contracts.AccountID, amount finance.Amount) (*contracts.Account, error) {
	return m.treasury(ctx, "deposit", account, func(tx store.Tx) (*contracts.Account, *contracts.JournalEntry, error) {
		a, err := m.escrow.Deposit(ctx, tx, account, amount)
		if err != nil {
			return nil, nil, err
		}
		e, err := m.append(ctx, tx, contracts.EntryFundsDeposited, nil, account, map[string]any{
			"amount":  amount.String(),
			"balance": a.Balance.String(),
		})
		return a, e, err
	})
}

// Withdraw debits amount from account.
func (m *Machine) Withdraw(ctx context.Context, account contracts.AccountID, amount finance.Amount) (*contracts.Account, error) {
	return m.treasury(ctx, "withdraw", account, func(tx store.Tx) (*contracts.Account, *contracts.JournalEntry, error) {
		a, err := m.escrow.Withdraw(ctx, tx, account, amount)
		if err != nil {
			return nil, nil, err
		}
		e, err := m.append(ctx, tx, contracts.EntryFundsWithdrawn, nil, account, map[string]any{
			"amount":  amount.String(),
			"balance": a.Balance.String(),
		})
		return a, e, err
	})
}

// Freeze blocks all fund movement into and out of account.
func (m *Machine) Freeze(ctx context.Context, admin, account contracts.AccountID) (*contracts.Account, error) {
	return m.setFrozen(ctx, admin, account, true)
}

// Unfreeze lifts a freeze.
func (m *Machine) Unfreeze(ctx context.Context, admin, account contracts.AccountID) (*contracts.Account, error) {
	return m.setFrozen(ctx, admin, account, false)
}

func (m *Machine) setFrozen(ctx context.Context, admin, account contracts.AccountID, frozen bool) (*contracts.Account, error) {
	op, typ := "unfreeze", contracts.EntryAccountUnfrozen
	if frozen {
		op, typ = "freeze", contracts.EntryAccountFrozen
	}
	return m.treasury(ctx, op, account, func(tx store.Tx) (*contracts.Account, *contracts.JournalEntry, error) {
		a, err := m.escrow.SetFrozen(ctx, tx, account, frozen)
		if err != nil {
			return nil, nil, err
		}
		e, err := m.append(ctx, tx, typ, nil, admin, map[string]any{"account": string(account)})
		return a, e, err
	})
}

func (m *Machine) treasury(ctx context.Context, op string, account contracts.AccountID, fn func(tx store.Tx) (*contracts.Account, *contracts.JournalEntry, error)) (acct *contracts.Account, err error) {
	ctx, done := m.track(ctx, op, attribute.String("account", string(account)))
	defer func() { done(err) }()

	if err := checkCaller(account); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var entry *contracts.JournalEntry
	err = m.store.Update(ctx, func(tx store.Tx) error {
		var err error
		acct, entry, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, account, err)
	}
	m.committed(ctx, "", "", entry)
	m.logger.InfoContext(ctx, "account updated", "op", op, "account", account, "balance", acct.Balance, "frozen", acct.Frozen)
	return acct, nil
}

// Balance returns the account record for account.
func (m *Machine) Balance(ctx context.Context, account contracts.AccountID) (*contracts.Account, error) {
	var acct *contracts.Account
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		acct, err = m.escrow.Balance(ctx, tx, account)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account, err)
	}
	return acct, nil
}
