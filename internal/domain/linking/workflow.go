package linking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"finlink/internal/domain/account"
	"finlink/internal/domain/connector"
	"finlink/internal/domain/document"
	"finlink/internal/domain/item"
	"finlink/internal/shared/messages"
)

// DefaultStreamDelay is how long an item id must stay current before the
// event stream is opened for it.
const DefaultStreamDelay = 100 * time.Millisecond

const hookTimeout = 10 * time.Second

// Config wires a Workflow to its collaborators. Links, Cache, Invalidator
// and the hooks are optional.
type Config struct {
	Connectors  ConnectorSource
	Items       ItemAPI
	Accounts    Accounts
	Stream      Subscriber
	Links       LinkStore
	Cache       Cache
	Notifier    Notifier
	Opener      URLOpener
	Invalidator Invalidator
	Messages    *messages.Messages

	// OnSuccess runs once per item when item creation reports a connected
	// item.
	OnSuccess func(link Link)
	// OnImportAccounts runs once per item when the event stream reports the
	// item connected.
	OnImportAccounts func(req ImportRequest)
	// OnState receives a snapshot after every state change.
	OnState func(s Snapshot)

	StreamDelay time.Duration
}

// Workflow drives one wizard run. All methods are safe for concurrent use;
// the lock is never held across backend calls or notifications.
type Workflow struct {
	cfg         Config
	toasts      messages.Toasts
	streamDelay time.Duration
	now         func() time.Time

	mu              sync.Mutex
	opts            Options
	open            bool
	session         Session
	pendingQueries  int
	creatingAccount bool
	creatingItem    bool
	connectors      []connector.Connector
	successFired    map[string]bool
	importFired     map[string]bool
	streamTimer     *time.Timer
	streamCancel    context.CancelFunc
}

// NewWorkflow creates a closed workflow.
func NewWorkflow(cfg Config) *Workflow {
	if cfg.Messages == nil {
		cfg.Messages = messages.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = discardNotifier{}
	}
	if cfg.Opener == nil {
		cfg.Opener = discardNotifier{}
	}
	delay := cfg.StreamDelay
	if delay <= 0 {
		delay = DefaultStreamDelay
	}

	w := &Workflow{
		cfg:         cfg,
		toasts:      cfg.Messages.Toasts,
		streamDelay: delay,
		now:         time.Now,
	}
	w.session.Step = StepDocumentInput
	return w
}

// effects are side effects collected under the lock and run after it is
// released.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

func (w *Workflow) update(fn func(fx *effects) error) error {
	var fx effects
	w.mu.Lock()
	err := fn(&fx)
	w.mu.Unlock()
	fx.run()
	return err
}

// Open starts a run for the host. Reopening resets the session.
func (w *Workflow) Open(opts Options) {
	w.update(func(fx *effects) error {
		w.opts = opts
		w.open = true
		w.resetLocked()
		log.Printf("Company %s: link session opened at %s", opts.CompanyID, w.session.Step)
		w.stateLocked(fx)
		return nil
	})
}

// Close is the host closing the wizard. In-flight results are discarded.
func (w *Workflow) Close() {
	w.update(func(fx *effects) error {
		if !w.open {
			return nil
		}
		w.open = false
		w.resetLocked()
		w.stateLocked(fx)
		return nil
	})
}

// RequestClose is the user dismissing the wizard; it is refused while a
// request is in flight.
func (w *Workflow) RequestClose() error {
	w.mu.Lock()
	ok := CanClose(w.session.Step, w.loadingLocked())
	w.mu.Unlock()
	if !ok {
		return ErrCannotClose
	}
	w.Close()
	return nil
}

// StartOver returns to the initial step.
func (w *Workflow) StartOver() error {
	return w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		w.resetLocked()
		w.stateLocked(fx)
		return nil
	})
}

// SubmitDocument accepts the holder's CPF or CNPJ.
func (w *Workflow) SubmitDocument(doc string) error {
	return w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		if w.session.Step != StepDocumentInput {
			return fmt.Errorf("%w: document submitted in %s", ErrInvalidTransition, w.session.Step)
		}
		if !document.Validate(doc) {
			w.errorLocked(fx, w.toasts.InvalidDocument)
			return ErrInvalidDocument
		}
		w.session.Document = document.Clean(doc)
		if err := w.fireLocked(EventDocumentAccepted); err != nil {
			return err
		}
		w.stateLocked(fx)
		return nil
	})
}

// Connectors returns the connectors matching search. The query only runs in
// connector-selection once the document type or the tenant is known.
func (w *Workflow) Connectors(ctx context.Context, search string) ([]connector.Connector, error) {
	var (
		query  connector.Query
		gen    uint64
		cached []connector.Connector
		hit    bool
	)
	err := w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		if !w.queryEnabledLocked() {
			return ErrQueryDisabled
		}
		query = connector.Query{
			CompanyID:    w.opts.CompanyID,
			Type:         w.opts.ConnectorType,
			DocumentType: document.TypeOf(w.session.Document),
		}
		gen = w.session.Generation

		if w.cfg.Cache != nil {
			if v, ok := w.cfg.Cache.Get(query.CacheKey()); ok {
				if list, ok := v.([]connector.Connector); ok {
					cached, hit = list, true
					w.connectors = list
					return nil
				}
			}
		}
		w.pendingQueries++
		w.stateLocked(fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if hit {
		return connector.Filter(cached, search), nil
	}

	list, fetchErr := w.cfg.Connectors.ListConnectors(ctx, query)

	err = w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return w.staleLocked("connectors")
		}
		w.pendingQueries--
		if fetchErr == nil {
			w.connectors = list
			if w.cfg.Cache != nil {
				w.cfg.Cache.Set(query.CacheKey(), list)
			}
		}
		w.stateLocked(fx)
		return nil
	})
	if fetchErr != nil {
		log.Printf("Company %s: failed to list connectors: %v", query.CompanyID, fetchErr)
		return []connector.Connector{}, fmt.Errorf("failed to list connectors: %w", fetchErr)
	}
	if err != nil {
		return nil, err
	}
	return connector.Filter(list, search), nil
}

// SelectConnector runs the connection attempt for a connector from the last
// query: ensure an account, create the item and interpret its status.
func (w *Workflow) SelectConnector(ctx context.Context, connectorID int64) error {
	var (
		c         *connector.Connector
		gen       uint64
		accountID string
		companyID string
		params    item.CreateParams
	)
	err := w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		if w.session.Step != StepConnectorSelection {
			return fmt.Errorf("%w: connector selected in %s", ErrInvalidTransition, w.session.Step)
		}
		found, err := connector.Find(w.connectors, connectorID)
		if err != nil {
			return err
		}
		if err := w.fireLocked(EventConnectorSelected); err != nil {
			return err
		}
		c = found
		w.session.Connector = found
		gen = w.session.Generation
		accountID = w.session.AccountID
		companyID = w.opts.CompanyID
		params = item.CreateParams{
			ConnectorID: found.ID,
			Parameters:  connector.BuildParameters(found, w.session.Document, w.opts.CompanyDocument),
		}
		if accountID == "" {
			w.creatingAccount = true
		} else {
			w.creatingItem = true
		}
		w.stateLocked(fx)
		return nil
	})
	if err != nil {
		return err
	}

	ctx, span := linkTracer.Start(ctx, "linking.SelectConnector", trace.WithAttributes(
		attribute.String("company.id", companyID),
		attribute.Int64("connector.id", c.ID),
	))
	defer span.End()

	if accountID == "" {
		res, ensureErr := w.cfg.Accounts.Ensure(ctx, companyID, c.Name)
		err = w.update(func(fx *effects) error {
			if gen != w.session.Generation {
				return w.staleLocked("account")
			}
			w.creatingAccount = false
			if ensureErr != nil {
				w.errorLocked(fx, userMessage(ensureErr, w.toasts.AccountCreateFailed))
				w.fireLocked(EventItemFailed)
				w.stateLocked(fx)
				return nil
			}
			w.session.AccountID = res.AccountID
			if res.Created {
				w.invalidateLocked(fx, account.CacheKey(companyID))
			}
			w.creatingItem = true
			w.stateLocked(fx)
			return nil
		})
		if err != nil {
			return err
		}
		if ensureErr != nil {
			itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeAccountFailed)))
			span.RecordError(ensureErr)
			span.SetStatus(codes.Error, ensureErr.Error())
			return fmt.Errorf("failed to ensure account: %w", ensureErr)
		}
		accountID = res.AccountID
	}

	params.AccountID = accountID
	created, createErr := w.cfg.Items.CreateItem(ctx, params)
	if createErr == nil && (created == nil || created.ID == "") {
		createErr = errors.New("backend returned no item id")
	}
	if createErr != nil {
		span.RecordError(createErr)
		return w.handleCreateFailure(ctx, gen, companyID, accountID, createErr)
	}

	itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeCreated)))
	span.SetAttributes(attribute.String("item.id", created.ID), attribute.String("item.status", string(created.Status)))
	log.Printf("Company %s: created item %s with status %s", companyID, created.ID, created.Status)

	return w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return w.staleLocked("item")
		}
		w.creatingItem = false
		if err := w.itemKnownLocked(created.ID); err != nil {
			return err
		}
		w.applyItemLocked(fx, created)
		w.saveLinkLocked(fx)
		w.stateLocked(fx)
		return nil
	})
}

// handleCreateFailure resumes an already-active item when the failure is a
// duplicate-connection conflict, and otherwise returns to connector
// selection.
func (w *Workflow) handleCreateFailure(ctx context.Context, gen uint64, companyID, accountID string, cause error) error {
	info := ClassifyError(cause)
	if !info.Conflict {
		itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeFailed)))
		log.Printf("Company %s: item creation failed: %v", companyID, cause)
		return w.failItem(gen, userMessage(cause, w.toasts.ItemCreateFailed), cause)
	}

	itemID := info.ItemID
	if itemID == "" {
		accounts, err := w.cfg.Accounts.ListAccounts(ctx, companyID)
		if err != nil {
			log.Printf("Company %s: failed to list accounts for conflict recovery: %v", companyID, err)
		} else {
			itemID = ItemIDFromAccounts(accounts, accountID)
		}
	}
	if itemID == "" {
		itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeConflictLost)))
		log.Printf("Company %s: duplicate item reported but no item id recovered (status %d)", companyID, info.Status)
		return w.failItem(gen, w.toasts.ConflictNotFound, cause)
	}

	itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeConflictResolved)))
	log.Printf("Company %s: resuming existing item %s", companyID, itemID)

	return w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return w.staleLocked("conflict")
		}
		w.creatingItem = false
		if err := w.itemKnownLocked(itemID); err != nil {
			return err
		}
		if info.Detail != nil {
			detail := *info.Detail
			detail.ID = itemID
			w.applyItemLocked(fx, &detail)
		} else {
			w.infoLocked(fx, w.toasts.ConflictWaiting)
		}
		w.saveLinkLocked(fx)
		w.stateLocked(fx)
		return nil
	})
}

func (w *Workflow) failItem(gen uint64, msg string, cause error) error {
	err := w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return w.staleLocked("item failure")
		}
		w.creatingItem = false
		w.errorLocked(fx, msg)
		if err := w.fireLocked(EventItemFailed); err != nil {
			return err
		}
		w.stateLocked(fx)
		return nil
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("failed to create item: %w", cause)
}

// ShowExistingConnections lists the company's linked items. It requires a
// known banking tenant.
func (w *Workflow) ShowExistingConnections(ctx context.Context) ([]Link, error) {
	var companyID string
	err := w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		if w.opts.TenantID == "" {
			return ErrTenantUnknown
		}
		if err := w.fireLocked(EventShowExisting); err != nil {
			return err
		}
		companyID = w.opts.CompanyID
		w.stateLocked(fx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.existingLinks(ctx, companyID)
}

// existingLinks merges the stored links with the accounts that already carry
// an item id.
func (w *Workflow) existingLinks(ctx context.Context, companyID string) ([]Link, error) {
	var links []Link
	if w.cfg.Links != nil {
		stored, err := w.cfg.Links.ListLinks(ctx, companyID)
		if err != nil {
			return nil, fmt.Errorf("failed to list links: %w", err)
		}
		links = stored
	}

	seen := make(map[string]bool, len(links))
	for _, l := range links {
		seen[l.ItemID] = true
	}

	accounts, err := w.cfg.Accounts.ListAccounts(ctx, companyID)
	if err != nil {
		if len(links) > 0 {
			log.Printf("Company %s: failed to list accounts for existing links: %v", companyID, err)
			return links, nil
		}
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, acc := range accounts {
		if acc == nil || acc.OpeniItemID == "" || seen[acc.OpeniItemID] {
			continue
		}
		seen[acc.OpeniItemID] = true
		links = append(links, Link{
			ItemID:        acc.OpeniItemID,
			CompanyID:     companyID,
			TenantID:      acc.OpeniTenantID,
			ConnectorName: acc.Institution,
			AccountID:     acc.ID,
		})
	}
	return links, nil
}

// NewConnection leaves the existing-connections list for connector
// selection.
func (w *Workflow) NewConnection() error {
	return w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		if err := w.fireLocked(EventNewConnection); err != nil {
			return err
		}
		w.stateLocked(fx)
		return nil
	})
}

// Resync relinks an existing item from the existing-connections list.
func (w *Workflow) Resync(ctx context.Context, itemID, accountID string) error {
	if itemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidTransition)
	}

	var (
		gen       uint64
		companyID string
	)
	err := w.update(func(fx *effects) error {
		if !w.open {
			return ErrSessionClosed
		}
		if err := w.fireLocked(EventResyncRequested); err != nil {
			return err
		}
		gen = w.session.Generation
		companyID = w.opts.CompanyID
		w.session.AccountID = accountID
		w.creatingItem = true
		w.stateLocked(fx)
		return nil
	})
	if err != nil {
		return err
	}

	ctx, span := linkTracer.Start(ctx, "linking.Resync", trace.WithAttributes(
		attribute.String("company.id", companyID),
		attribute.String("item.id", itemID),
	))
	defer span.End()

	resynced, resyncErr := w.cfg.Items.ResyncItem(ctx, item.ResyncParams{
		CompanyID: companyID,
		AccountID: accountID,
		ItemID:    itemID,
	})
	if resyncErr != nil {
		itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeFailed)))
		span.RecordError(resyncErr)
		log.Printf("Company %s: resync of item %s failed: %v", companyID, itemID, resyncErr)
		return w.failItem(gen, userMessage(resyncErr, w.toasts.ResyncFailed), resyncErr)
	}
	if resynced == nil {
		resynced = &item.Item{Status: item.StatusPending}
	}
	if resynced.ID == "" {
		resynced.ID = itemID
	}
	itemOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeResynced)))

	return w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return w.staleLocked("resync")
		}
		w.creatingItem = false
		if err := w.itemKnownLocked(resynced.ID); err != nil {
			return err
		}
		w.applyItemLocked(fx, resynced)
		w.saveLinkLocked(fx)
		w.stateLocked(fx)
		return nil
	})
}

// HandleStreamEvent applies an event of the current item. Events of any
// other item are stale and ignored.
func (w *Workflow) HandleStreamEvent(ev item.StreamEvent) {
	w.update(func(fx *effects) error {
		w.streamEventLocked(fx, ev)
		return nil
	})
}

// HandleConnectionStatus records the stream transport state.
func (w *Workflow) HandleConnectionStatus(status ConnectionStatus) {
	w.update(func(fx *effects) error {
		w.connectionStatusLocked(fx, status)
		return nil
	})
}

func (w *Workflow) streamEventLocked(fx *effects, ev item.StreamEvent) {
	if !w.open || w.session.Step != StepOAuthWaiting {
		return
	}
	if ev.ItemID != "" && ev.ItemID != w.session.ItemID {
		log.Printf("Item %s: ignoring event %q for item %s", w.session.ItemID, ev.Event, ev.ItemID)
		return
	}

	kind := ev.Kind()
	status := ev.ItemStatus()
	streamEventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))

	w.session.LastEvent = &ev
	if status != "" {
		w.session.ItemStatus = status
	}
	if ev.Auth != nil {
		w.session.Auth = ev.Auth
	}

	switch {
	case kind == item.EventWaitingUserInput || status == item.StatusWaitingUserInput:
		if url := ev.AuthURL(); url != "" {
			w.openLocked(fx, url)
			w.infoLocked(fx, w.toasts.ItemWaitingUserInput)
		}
	case kind == item.EventError || status == item.StatusError:
		w.errorLocked(fx, w.toasts.StreamItemError)
	case kind == item.EventConnected || status.IsConnectedLike():
		if status == "" {
			status = item.StatusConnected
		}
		w.successLocked(fx, w.toasts.StreamImporting)
		w.invalidateLocked(fx, account.CacheKey(w.opts.CompanyID))
		w.importLocked(fx, status)
	}

	if status != "" {
		w.updateLinkStatusLocked(fx, status)
	}
	w.stateLocked(fx)
}

func (w *Workflow) connectionStatusLocked(fx *effects, status ConnectionStatus) {
	if !w.open || w.session.Step != StepOAuthWaiting {
		return
	}
	w.session.ConnectionStatus = status
	if status == ConnError {
		w.errorLocked(fx, w.toasts.StreamReconnecting)
	}
	w.stateLocked(fx)
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// CanClose reports whether RequestClose would succeed.
func (w *Workflow) CanClose() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return CanClose(w.session.Step, w.loadingLocked())
}

// StreamArmed reports whether the event stream subscription is open.
func (w *Workflow) StreamArmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streamCancel != nil
}

func (w *Workflow) snapshotLocked() Snapshot {
	s := Snapshot{
		Open:              w.open,
		Step:              w.session.Step,
		Generation:        w.session.Generation,
		DocumentType:      document.TypeOf(w.session.Document),
		Connector:         w.session.Connector,
		AccountID:         w.session.AccountID,
		ItemID:            w.session.ItemID,
		ItemStatus:        w.session.ItemStatus,
		LastEvent:         w.session.LastEvent,
		ConnectionStatus:  w.session.ConnectionStatus,
		StreamArmed:       w.streamCancel != nil,
		Loading:           w.loadingLocked(),
		LoadingConnectors: w.pendingQueries > 0,
		QueryEnabled:      w.queryEnabledLocked(),
		CanShowExisting:   w.opts.TenantID != "",
		CanClose:          CanClose(w.session.Step, w.loadingLocked()),
	}
	if w.session.Document != "" {
		s.Document = document.Format(w.session.Document)
	}
	if w.session.Auth != nil {
		s.AuthURL = w.session.Auth.AuthURL
		s.AuthExpiresAt = w.session.Auth.ExpiresAt
	}
	if s.ConnectionStatus != "" {
		if ind, ok := IndicatorFor(s.ConnectionStatus, s.ItemStatus); ok {
			s.Indicator = &ind
		}
	}
	return s
}

func (w *Workflow) resetLocked() {
	w.disarmStreamLocked()
	w.session = Session{
		Step:       InitialStep(w.opts.TenantID != ""),
		Document:   document.Clean(w.opts.HolderDocument),
		Generation: w.session.Generation + 1,
	}
	w.pendingQueries = 0
	w.creatingAccount = false
	w.creatingItem = false
	w.connectors = nil
	w.successFired = make(map[string]bool)
	w.importFired = make(map[string]bool)
}

func (w *Workflow) loadingLocked() bool {
	return w.pendingQueries > 0 || w.creatingAccount || w.creatingItem
}

func (w *Workflow) queryEnabledLocked() bool {
	if w.session.Step != StepConnectorSelection {
		return false
	}
	return document.TypeOf(w.session.Document) != "" || w.opts.TenantID != ""
}

func (w *Workflow) fireLocked(event Event) error {
	from := w.session.Step
	to, ok := Transition(from, event)
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, from)
	}
	w.session.Step = to
	if to != StepOAuthWaiting {
		w.disarmStreamLocked()
	}
	stepTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	return nil
}

func (w *Workflow) staleLocked(what string) error {
	staleResults.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", what)))
	return ErrStale
}

// itemKnownLocked records the item id, moves to oauth-waiting and schedules
// the event stream.
func (w *Workflow) itemKnownLocked(itemID string) error {
	w.session.ItemID = itemID
	if err := w.fireLocked(EventItemKnown); err != nil {
		return err
	}
	w.scheduleStreamLocked()
	return nil
}

// applyItemLocked interprets an item status returned by the backend.
func (w *Workflow) applyItemLocked(fx *effects, it *item.Item) {
	w.session.ItemStatus = it.Status
	if it.Auth != nil {
		w.session.Auth = it.Auth
	}

	switch {
	case it.Status == item.StatusPending:
		w.infoLocked(fx, w.toasts.ItemPending)
	case it.Status == item.StatusWaitingUserInput:
		url := it.AuthURL()
		if url == "" {
			log.Printf("Item %s: waiting for user input without an authorization URL", it.ID)
			return
		}
		w.openLocked(fx, url)
		w.infoLocked(fx, w.toasts.ItemWaitingUserInput)
	case it.Status.IsConnectedLike():
		w.successLocked(fx, w.toasts.ItemConnected)
		w.invalidateLocked(fx, account.CacheKey(w.opts.CompanyID))
		w.connectedLocked(fx, it.ID)
	case it.Status == item.StatusError:
		w.errorLocked(fx, w.toasts.ItemError)
	default:
		log.Printf("Item %s: unhandled status %q", it.ID, it.Status)
	}
}

func (w *Workflow) linkLocked() Link {
	now := w.now()
	l := Link{
		ItemID:         w.session.ItemID,
		CompanyID:      w.opts.CompanyID,
		TenantID:       w.opts.TenantID,
		AccountID:      w.session.AccountID,
		Status:         w.session.ItemStatus,
		HolderDocument: w.session.Document,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c := w.session.Connector; c != nil {
		l.ConnectorID = c.ID
		l.ConnectorName = c.Name
	}
	return l
}

func (w *Workflow) connectedLocked(fx *effects, itemID string) {
	if w.cfg.OnSuccess == nil || w.successFired[itemID] {
		return
	}
	w.successFired[itemID] = true
	link := w.linkLocked()
	link.ItemID = itemID
	hook := w.cfg.OnSuccess
	fx.add(func() { hook(link) })
}

func (w *Workflow) importLocked(fx *effects, status item.Status) {
	itemID := w.session.ItemID
	if w.cfg.OnImportAccounts == nil || w.importFired[itemID] {
		return
	}
	w.importFired[itemID] = true
	req := ImportRequest{
		CompanyID: w.opts.CompanyID,
		TenantID:  w.opts.TenantID,
		ItemID:    itemID,
		AccountID: w.session.AccountID,
		Status:    string(status),
	}
	if c := w.session.Connector; c != nil {
		req.ConnectorName = c.Name
	}
	hook := w.cfg.OnImportAccounts
	fx.add(func() { hook(req) })
}

func (w *Workflow) saveLinkLocked(fx *effects) {
	if w.cfg.Links == nil {
		return
	}
	link := w.linkLocked()
	store := w.cfg.Links
	fx.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := store.SaveLink(ctx, link); err != nil {
			log.Printf("Item %s: failed to save link: %v", link.ItemID, err)
		}
	})
}

func (w *Workflow) updateLinkStatusLocked(fx *effects, status item.Status) {
	if w.cfg.Links == nil {
		return
	}
	itemID := w.session.ItemID
	store := w.cfg.Links
	fx.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := store.UpdateLinkStatus(ctx, itemID, status); err != nil {
			log.Printf("Item %s: failed to update link status: %v", itemID, err)
		}
	})
}

func (w *Workflow) scheduleStreamLocked() {
	w.disarmStreamLocked()
	if w.cfg.Stream == nil || w.session.ItemID == "" || w.session.Step != StepOAuthWaiting {
		return
	}
	gen, itemID := w.session.Generation, w.session.ItemID
	w.streamTimer = time.AfterFunc(w.streamDelay, func() { w.armStream(gen, itemID) })
}

func (w *Workflow) armStream(gen uint64, itemID string) {
	w.mu.Lock()
	if !w.open || gen != w.session.Generation || w.session.Step != StepOAuthWaiting ||
		w.session.ItemID != itemID || w.streamCancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.streamCancel = cancel
	w.streamTimer = nil
	w.session.ConnectionStatus = ConnConnecting
	tenantID := w.opts.CompanyID
	stream := w.cfg.Stream
	w.mu.Unlock()

	log.Printf("Item %s: subscribing to event stream", itemID)
	go func() {
		err := stream.Subscribe(ctx, tenantID, itemID,
			func(ev item.StreamEvent) { w.streamEvent(gen, ev) },
			func(status ConnectionStatus) { w.streamStatus(gen, status) },
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Item %s: event stream ended: %v", itemID, err)
		}
	}()
}

func (w *Workflow) streamEvent(gen uint64, ev item.StreamEvent) {
	w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return nil
		}
		w.streamEventLocked(fx, ev)
		return nil
	})
}

func (w *Workflow) streamStatus(gen uint64, status ConnectionStatus) {
	w.update(func(fx *effects) error {
		if gen != w.session.Generation {
			return nil
		}
		w.connectionStatusLocked(fx, status)
		return nil
	})
}

func (w *Workflow) disarmStreamLocked() {
	if w.streamTimer != nil {
		w.streamTimer.Stop()
		w.streamTimer = nil
	}
	if w.streamCancel != nil {
		w.streamCancel()
		w.streamCancel = nil
	}
}

func (w *Workflow) stateLocked(fx *effects) {
	if w.cfg.OnState == nil {
		return
	}
	snap := w.snapshotLocked()
	hook := w.cfg.OnState
	fx.add(func() { hook(snap) })
}

func (w *Workflow) infoLocked(fx *effects, msg string) {
	if msg == "" {
		return
	}
	n := w.cfg.Notifier
	fx.add(func() { n.Info(msg) })
}

func (w *Workflow) successLocked(fx *effects, msg string) {
	if msg == "" {
		return
	}
	n := w.cfg.Notifier
	fx.add(func() { n.Success(msg) })
}

func (w *Workflow) errorLocked(fx *effects, msg string) {
	if msg == "" {
		return
	}
	n := w.cfg.Notifier
	fx.add(func() { n.Error(msg) })
}

func (w *Workflow) openLocked(fx *effects, url string) {
	o := w.cfg.Opener
	fx.add(func() { o.OpenURL(url) })
}

func (w *Workflow) invalidateLocked(fx *effects, prefix string) {
	if w.cfg.Invalidator == nil {
		return
	}
	inv := w.cfg.Invalidator
	fx.add(func() { inv.Invalidate(prefix) })
}

// userMessage prefers the backend's own message over fallback. Transport
// errors without a payload get the fallback.
func userMessage(err error, fallback string) string {
	var pe PayloadError
	if errors.As(err, &pe) {
		if info := ClassifyPayload(pe.Payload()); info.HasMessage {
			return info.Message
		}
	}
	return fallback
}

type discardNotifier struct{}

func (discardNotifier) Info(string)    {}
func (discardNotifier) Success(string) {}
func (discardNotifier) Warning(string) {}
func (discardNotifier) Error(string)   {}
func (discardNotifier) OpenURL(string) {}
