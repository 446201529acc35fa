package service

import (
	"context"

	"carevault/internal/consent/models"
	"carevault/pkg/domain"
)

// Store is the consent ledger persistence port. Grants are never updated or deleted.
type Store interface {
	Append(ctx context.Context, grant *models.Grant) error
	// ListByOwner returns the owner's grants in append order.
	ListByOwner(ctx context.Context, owner domain.OwnerID) ([]*models.Grant, error)
}
