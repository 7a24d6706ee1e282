package linking

import (
	"time"

	"finlink/internal/domain/connector"
	"finlink/internal/domain/document"
	"finlink/internal/domain/item"
)

// Options are supplied by the host when it opens the wizard.
type Options struct {
	CompanyID       string `json:"companyId"`
	CompanyDocument string `json:"companyDocument,omitempty"`
	// TenantID is the holder's banking tenant, known once a first connection
	// succeeded.
	TenantID       string `json:"openiTenantId,omitempty"`
	HolderDocument string `json:"holderDocument,omitempty"`
	ConnectorType  string `json:"connectorType,omitempty"`
}

// Session is the mutable state of one wizard run.
type Session struct {
	Step             Step
	Document         string
	Connector        *connector.Connector
	AccountID        string
	ItemID           string
	ItemStatus       item.Status
	Auth             *item.Auth
	Generation       uint64
	LastEvent        *item.StreamEvent
	ConnectionStatus ConnectionStatus
}

// Snapshot is a read-only view of a session for transports.
type Snapshot struct {
	Open              bool                 `json:"open"`
	Step              Step                 `json:"step"`
	Generation        uint64               `json:"generation"`
	Document          string               `json:"document,omitempty"`
	DocumentType      document.Type        `json:"documentType,omitempty"`
	Connector         *connector.Connector `json:"connector,omitempty"`
	AccountID         string               `json:"accountId,omitempty"`
	ItemID            string               `json:"itemId,omitempty"`
	ItemStatus        item.Status          `json:"itemStatus,omitempty"`
	AuthURL           string               `json:"authUrl,omitempty"`
	AuthExpiresAt     string               `json:"authExpiresAt,omitempty"`
	LastEvent         *item.StreamEvent    `json:"lastEvent,omitempty"`
	ConnectionStatus  ConnectionStatus     `json:"connectionStatus,omitempty"`
	Indicator         *Indicator           `json:"indicator,omitempty"`
	StreamArmed       bool                 `json:"streamArmed"`
	Loading           bool                 `json:"loading"`
	LoadingConnectors bool                 `json:"loadingConnectors"`
	QueryEnabled      bool                 `json:"queryEnabled"`
	CanShowExisting   bool                 `json:"canShowExisting"`
	CanClose          bool                 `json:"canClose"`
}

// Link is a persisted record of an item linked by a company. Saving a link
// with an empty Status keeps the stored one.
type Link struct {
	ItemID         string      `json:"itemId"`
	CompanyID      string      `json:"companyId"`
	TenantID       string      `json:"tenantId,omitempty"`
	ConnectorID    int64       `json:"connectorId,omitempty"`
	ConnectorName  string      `json:"connectorName,omitempty"`
	AccountID      string      `json:"accountId,omitempty"`
	Status         item.Status `json:"status"`
	HolderDocument string      `json:"-"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// NeedsResync reports whether the user should be offered a relink.
func (l Link) NeedsResync() bool {
	return l.Status == item.StatusOutOfSync || l.Status == item.StatusError
}

// ImportRequest asks for the accounts of a freshly connected item to be
// imported into the finance backend.
type ImportRequest struct {
	CompanyID     string `json:"companyId"`
	TenantID      string `json:"tenantId,omitempty"`
	ItemID        string `json:"itemId"`
	AccountID     string `json:"accountId,omitempty"`
	ConnectorName string `json:"connectorName,omitempty"`
	Status        string `json:"status"`
}
