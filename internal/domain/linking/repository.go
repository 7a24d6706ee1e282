package linking

import (
	"context"

	"finlink/internal/domain/account"
	"finlink/internal/domain/connector"
	"finlink/internal/domain/item"
)

// ConnectorSource lists the connectors a company may link.
type ConnectorSource interface {
	ListConnectors(ctx context.Context, q connector.Query) ([]connector.Connector, error)
}

// ItemAPI creates and relinks items on the finance backend.
type ItemAPI interface {
	CreateItem(ctx context.Context, params item.CreateParams) (*item.Item, error)
	ResyncItem(ctx context.Context, params item.ResyncParams) (*item.Item, error)
}

// Accounts finds or creates the account a new connection attaches to.
type Accounts interface {
	Ensure(ctx context.Context, companyID, institution string) (*account.EnsureResult, error)
	ListAccounts(ctx context.Context, companyID string) ([]*account.Account, error)
}

// LinkStore persists the items a company has linked.
type LinkStore interface {
	SaveLink(ctx context.Context, link Link) error
	UpdateLinkStatus(ctx context.Context, itemID string, status item.Status) error
	ListLinks(ctx context.Context, companyID string) ([]Link, error)
}

// Cache is the slice of the query cache the workflow reads connectors from.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// LinksCacheKey is the invalidation key of a company's stored links.
func LinksCacheKey(companyID string) string {
	return "links:" + companyID
}
