package account

import (
	"errors"
	"strings"
	"time"
)

const (
	// OpenFinanceBankCode marks accounts created by the linking flow.
	OpenFinanceBankCode = "OPENI"

	openFinanceType  = "CHECKING"
	openFinanceColor = "#6366F1"
	openFinanceIcon  = "bank"
	namePrefix       = "Open Finance - "
	dateLayout       = "2006-01-02"
)

var accountTypes = map[string]struct{}{
	"CHECKING":   {},
	"SAVINGS":    {},
	"CREDIT":     {},
	"INVESTMENT": {},
	"CASH":       {},
}

// Domain errors
var (
	ErrInvalidAccountType = errors.New("invalid account type")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAccountNotFound    = errors.New("account not found")
)

// Account is a financial account owned by the finance backend. The linking
// flow only reads it back or creates a placeholder for a new connection.
type Account struct {
	ID                    string  `json:"id"`
	CompanyID             string  `json:"companyId"`
	Name                  string  `json:"name"`
	Type                  string  `json:"type"`
	Institution           string  `json:"institution"`
	BankCode              string  `json:"bankCode"`
	Color                 string  `json:"color"`
	Icon                  string  `json:"icon"`
	InitialBalance        float64 `json:"initialBalance"`
	OpeniItemID           string  `json:"openiItemId,omitempty"`
	OpeniTenantID         string  `json:"openiTenantId,omitempty"`
	HasBankingIntegration bool    `json:"hasBankingIntegration"`
}

// IsLinkable reports whether the account can host a new connection: it has
// no item and no banking tenant yet.
func (a *Account) IsLinkable() bool {
	return a.OpeniItemID == "" && a.OpeniTenantID == ""
}

// CreateParams is the create-account request body.
type CreateParams struct {
	CompanyID                   string  `json:"companyId"`
	Name                        string  `json:"name"`
	Type                        string  `json:"type"`
	Institution                 string  `json:"institution"`
	BankCode                    string  `json:"bankCode"`
	Color                       string  `json:"color"`
	Icon                        string  `json:"icon"`
	InitialBalance              float64 `json:"initialBalance"`
	InitialBalanceDate          string  `json:"initialBalanceDate"`
	UseInitialBalanceInExtract  bool    `json:"useInitialBalanceInExtract"`
	UseInitialBalanceInCashFlow bool    `json:"useInitialBalanceInCashFlow"`
	HasBankingIntegration       bool    `json:"hasBankingIntegration"`
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.CompanyID == "" {
		return errors.New("company ID is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("account name is required")
	}
	if p.Type == "" {
		return errors.New("account type is required")
	}
	if !IsValidAccountType(p.Type) {
		return ErrInvalidAccountType
	}
	if p.InitialBalanceDate == "" {
		return errors.New("initial balance date is required")
	}
	return nil
}

// NewOpenFinanceParams builds the placeholder account for a connection to
// the named institution. Banking integration stays false until the item is
// fully connected.
func NewOpenFinanceParams(companyID, institution string, now time.Time) CreateParams {
	return CreateParams{
		CompanyID:                   companyID,
		Name:                        namePrefix + institution,
		Type:                        openFinanceType,
		Institution:                 institution,
		BankCode:                    OpenFinanceBankCode,
		Color:                       openFinanceColor,
		Icon:                        openFinanceIcon,
		InitialBalance:              0,
		InitialBalanceDate:          now.Format(dateLayout),
		UseInitialBalanceInExtract:  false,
		UseInitialBalanceInCashFlow: false,
		HasBankingIntegration:       false,
	}
}

// IsValidAccountType checks if the provided account type is valid.
func IsValidAccountType(t string) bool {
	_, ok := accountTypes[t]
	return ok
}

// CacheKey is the query-cache key of a company's account list.
func CacheKey(companyID string) string {
	return "accounts:" + companyID
}
