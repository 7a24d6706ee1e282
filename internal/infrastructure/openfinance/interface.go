package openfinance

import (
	"context"

	"finlink/internal/domain/account"
	"finlink/internal/domain/connector"
	"finlink/internal/domain/item"
)

// ClientInterface defines the methods required from the finance backend client
type ClientInterface interface {
	ListConnectors(ctx context.Context, q connector.Query) ([]connector.Connector, error)
	ListByCompany(ctx context.Context, companyID string) ([]*account.Account, error)
	Create(ctx context.Context, params account.CreateParams) (*account.Account, error)
	CreateItem(ctx context.Context, params item.CreateParams) (*item.Item, error)
	ResyncItem(ctx context.Context, params item.ResyncParams) (*item.Item, error)
	ImportAccounts(ctx context.Context, companyID, itemID string) (*ImportResult, error)
}
