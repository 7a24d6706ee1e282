package account

import "context"

// Repository defines the interface for account data access.
// Accounts live in the finance backend; the implementation is its REST client.
type Repository interface {
	// ListByCompany retrieves all accounts of a company
	ListByCompany(ctx context.Context, companyID string) ([]*Account, error)

	// Create creates a new account
	Create(ctx context.Context, params CreateParams) (*Account, error)
}

// Cache is the slice of the query cache the service needs.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Invalidate(prefix string)
}
