package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"finlink/internal/domain/item"
	"finlink/internal/domain/linking"
	"finlink/internal/infrastructure/openfinance"
	"finlink/internal/shared/messages"
)

// AccountImporter triggers the backend's account import for an item.
type AccountImporter interface {
	ImportAccounts(ctx context.Context, companyID, itemID string) (*openfinance.ImportResult, error)
}

// LinkStatusUpdater records the status of a stored link.
type LinkStatusUpdater interface {
	UpdateLinkStatus(ctx context.Context, itemID string, status item.Status) error
}

// Pusher notifies a company's devices.
type Pusher interface {
	Push(ctx context.Context, companyID, title, body string, data map[string]string) error
}

// ImportDeps are shared by every import job. Links and Pusher may be nil.
type ImportDeps struct {
	Importer AccountImporter
	Links    LinkStatusUpdater
	Pusher   Pusher
	Message  messages.MessageText
}

// ImportJob imports the accounts of a newly connected item.
type ImportJob struct {
	req  linking.ImportRequest
	deps ImportDeps
}

// NewImportJob creates an import job for req.
func NewImportJob(req linking.ImportRequest, deps ImportDeps) *ImportJob {
	return &ImportJob{req: req, deps: deps}
}

// Execute calls the import endpoint, marks the link as syncing and tells the
// company's devices. Only the import call decides the job's outcome.
func (j *ImportJob) Execute(ctx context.Context) error {
	res, err := j.deps.Importer.ImportAccounts(ctx, j.req.CompanyID, j.req.ItemID)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	log.Printf("Company %s: imported %d accounts from item %s", j.req.CompanyID, res.Imported, j.req.ItemID)

	if j.deps.Links != nil {
		err := j.deps.Links.UpdateLinkStatus(ctx, j.req.ItemID, item.StatusSyncing)
		switch {
		case errors.Is(err, linking.ErrLinkNotFound):
			log.Printf("Company %s: item %s has no stored link", j.req.CompanyID, j.req.ItemID)
		case err != nil:
			log.Printf("Company %s: failed to mark item %s syncing: %v", j.req.CompanyID, j.req.ItemID, err)
		}
	}

	if j.deps.Pusher != nil {
		text := j.deps.Message.With(j.institution())
		data := map[string]string{"type": "import_completed", "itemId": j.req.ItemID}
		if err := j.deps.Pusher.Push(ctx, j.req.CompanyID, text.Title, text.Body, data); err != nil {
			log.Printf("Company %s: failed to push import notice: %v", j.req.CompanyID, err)
		}
	}
	return nil
}

func (j *ImportJob) institution() string {
	if j.req.ConnectorName != "" {
		return j.req.ConnectorName
	}
	return "seu banco"
}

// Key returns the company the import belongs to.
func (j *ImportJob) Key() string {
	return j.req.CompanyID
}

// Description returns a human-readable description of the job.
func (j *ImportJob) Description() string {
	return fmt.Sprintf("Account import for item %s", j.req.ItemID)
}

// ImportQueue dispatches import requests onto a worker pool.
type ImportQueue struct {
	pool *WorkerPool
	deps ImportDeps
}

// NewImportQueue creates a queue submitting to pool.
func NewImportQueue(pool *WorkerPool, deps ImportDeps) *ImportQueue {
	return &ImportQueue{pool: pool, deps: deps}
}

// Enqueue submits an import job for req.
func (q *ImportQueue) Enqueue(ctx context.Context, req linking.ImportRequest) error {
	if req.CompanyID == "" || req.ItemID == "" {
		return errors.New("company ID and item ID are required")
	}
	if err := q.pool.Submit(NewImportJob(req, q.deps)); err != nil {
		return fmt.Errorf("failed to queue import for item %s: %w", req.ItemID, err)
	}
	return nil
}
