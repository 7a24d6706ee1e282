package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
)

// EnsureResult tells which account hosts the new connection.
type EnsureResult struct {
	AccountID string
	Created   bool
}

// Service contains the business logic for account operations
type Service struct {
	repo  Repository
	cache Cache
	now   func() time.Time

	// Concurrent cache misses for one company share a single backend call.
	fetches singleflight.Group
}

// NewService creates a new account service. cache may be nil.
func NewService(repo Repository, cache Cache) *Service {
	return &Service{repo: repo, cache: cache, now: time.Now}
}

// ListAccounts returns the company's accounts, from the cache when fresh.
func (s *Service) ListAccounts(ctx context.Context, companyID string) ([]*Account, error) {
	if companyID == "" {
		return nil, errors.New("company ID is required")
	}

	key := CacheKey(companyID)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			if accounts, ok := v.([]*Account); ok {
				return accounts, nil
			}
		}
	}

	// Shared fetches ignore the first caller's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := s.fetches.Do(key, func() (any, error) {
		accounts, err := s.repo.ListByCompany(fetchCtx, companyID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(key, accounts)
		}
		return accounts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Account), nil
}

// FindLinkable returns the first account that has neither an item nor a
// banking tenant, or nil.
func FindLinkable(accounts []*Account) *Account {
	for _, acc := range accounts {
		if acc != nil && acc.IsLinkable() {
			return acc
		}
	}
	return nil
}

// CreateAccount creates a new account with business validation and
// invalidates the company's cached account list.
func (s *Service) CreateAccount(ctx context.Context, params CreateParams) (*Account, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	acc, err := s.repo.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if acc == nil || acc.ID == "" {
		return nil, fmt.Errorf("%w: backend returned no account id", ErrInvalidInput)
	}

	if s.cache != nil {
		s.cache.Invalidate(CacheKey(params.CompanyID))
	}
	return acc, nil
}

// Ensure returns an account able to host a connection to institution:
// an existing linkable account when there is one, otherwise a newly created
// Open Finance placeholder.
func (s *Service) Ensure(ctx context.Context, companyID, institution string) (*EnsureResult, error) {
	accounts, err := s.ListAccounts(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	if acc := FindLinkable(accounts); acc != nil {
		log.Printf("Company %s: reusing account %s for %s", companyID, acc.ID, institution)
		return &EnsureResult{AccountID: acc.ID}, nil
	}

	acc, err := s.CreateAccount(ctx, NewOpenFinanceParams(companyID, institution, s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	log.Printf("Company %s: created account %s for %s", companyID, acc.ID, institution)
	return &EnsureResult{AccountID: acc.ID, Created: true}, nil
}
