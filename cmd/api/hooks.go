package main

import (
	"context"
	"errors"
	"log"
	"time"

	"finlink/internal/domain/account"
	"finlink/internal/domain/item"
	"finlink/internal/domain/linking"
	"finlink/internal/infrastructure/postgres/listener"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/messages"
)

const hookTimeout = 15 * time.Second

// importDispatcher hands an import request to the pool or the queue.
type importDispatcher interface {
	Enqueue(ctx context.Context, req linking.ImportRequest) error
}

// linkHooks are the workflow callbacks. Each runs its backend calls on its
// own goroutine.
type linkHooks struct {
	links     scheduler.LinkStatusUpdater
	pusher    scheduler.Pusher
	imports   importDispatcher
	connected messages.MessageText
}

func (h *linkHooks) onSuccess(link linking.Link) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		h.markConnected(ctx, link)
	}()
}

func (h *linkHooks) markConnected(ctx context.Context, link linking.Link) {
	if h.links != nil {
		// The link row may not be written yet; SaveLink stores the same status.
		err := h.links.UpdateLinkStatus(ctx, link.ItemID, item.StatusConnected)
		if err != nil && !errors.Is(err, linking.ErrLinkNotFound) {
			log.Printf("Company %s: failed to mark item %s connected: %v", link.CompanyID, link.ItemID, err)
		}
	}

	if h.pusher == nil {
		return
	}
	name := link.ConnectorName
	if name == "" {
		name = "seu banco"
	}
	msg := h.connected.With(name)
	data := map[string]string{"type": "link_connected", "itemId": link.ItemID}
	if err := h.pusher.Push(ctx, link.CompanyID, msg.Title, msg.Body, data); err != nil {
		log.Printf("Company %s: failed to push connection of item %s: %v", link.CompanyID, link.ItemID, err)
	}
}

func (h *linkHooks) onImportAccounts(req linking.ImportRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		h.dispatchImport(ctx, req)
	}()
}

func (h *linkHooks) dispatchImport(ctx context.Context, req linking.ImportRequest) {
	if err := h.imports.Enqueue(ctx, req); err != nil {
		log.Printf("Company %s: failed to dispatch import of item %s: %v", req.CompanyID, req.ItemID, err)
	}
}

// linkInvalidator is the part of the query cache a link change clears.
type linkInvalidator interface {
	Invalidate(prefix string)
}

// linkChangeHandler drops the cached links and accounts of the changed
// company and tells its open sessions to refetch them.
func linkChangeHandler(cache linkInvalidator, registry *linking.Registry) listener.Handler {
	return func(ctx context.Context, change listener.LinkChange) {
		linksKey := linking.LinksCacheKey(change.CompanyID)
		cache.Invalidate(linksKey)
		cache.Invalidate(account.CacheKey(change.CompanyID))

		n := registry.ForOwner(change.CompanyID, func(wf *linking.Workflow, feed *linking.Feed) {
			feed.Invalidate(linksKey)
		})
		log.Printf("Company %s: item %s is now %s (%d open sessions)", change.CompanyID, change.ItemID, change.Status, n)
	}
}
