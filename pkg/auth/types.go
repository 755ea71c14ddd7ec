package auth

import (
	"slices"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
)

// Roles recognized by the API.
const (
	// RoleAdmin may freeze accounts and act on any account.
	RoleAdmin = "admin"
	// RoleTreasury may credit accounts.
	RoleTreasury = "treasury"
)

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
	// Account is the ledger account the principal acts as.
	Account() contracts.AccountID
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

// HasRole reports whether the principal carries role. Admins carry every role.
func (b *BasePrincipal) HasRole(role string) bool {
	return slices.Contains(b.Roles, role) || slices.Contains(b.Roles, RoleAdmin)
}

func (b *BasePrincipal) Account() contracts.AccountID {
	return contracts.AccountID(b.ID)
}
