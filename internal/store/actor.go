package store

import "github.com/safar/marketplace-core/internal/models"

// Actor is the already-authenticated identity performing an operation.
// Authentication itself happens upstream; the store only checks ownership
// and role.
type Actor struct {
	ID   int64
	Role string
}

func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

func (a Actor) IsSeller() bool {
	return a.Role == models.RoleSeller
}
