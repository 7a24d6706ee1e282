package linking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"finlink/internal/domain/account"
	"finlink/internal/domain/connector"
	"finlink/internal/domain/item"
)

const (
	validCPF  = "529.982.247-25"
	authURL   = "https://bank.example/authorize"
	companyID = "company-1"
)

// MockConnectors is a mock implementation of ConnectorSource
type MockConnectors struct {
	ListConnectorsFunc func(ctx context.Context, q connector.Query) ([]connector.Connector, error)
}

func (m *MockConnectors) ListConnectors(ctx context.Context, q connector.Query) ([]connector.Connector, error) {
	if m.ListConnectorsFunc != nil {
		return m.ListConnectorsFunc(ctx, q)
	}
	return []connector.Connector{{ID: 1, Name: "Banco X", Type: "PERSONAL_BANK"}}, nil
}

// MockItems is a mock implementation of ItemAPI
type MockItems struct {
	CreateItemFunc func(ctx context.Context, params item.CreateParams) (*item.Item, error)
	ResyncItemFunc func(ctx context.Context, params item.ResyncParams) (*item.Item, error)
}

func (m *MockItems) CreateItem(ctx context.Context, params item.CreateParams) (*item.Item, error) {
	if m.CreateItemFunc != nil {
		return m.CreateItemFunc(ctx, params)
	}
	return &item.Item{ID: "item-1", Status: item.StatusWaitingUserInput, Auth: &item.Auth{AuthURL: authURL}}, nil
}

func (m *MockItems) ResyncItem(ctx context.Context, params item.ResyncParams) (*item.Item, error) {
	if m.ResyncItemFunc != nil {
		return m.ResyncItemFunc(ctx, params)
	}
	return &item.Item{ID: params.ItemID, Status: item.StatusPending}, nil
}

// MockAccountRepository is a mock implementation of account.Repository
type MockAccountRepository struct {
	mu                sync.Mutex
	accounts          []*account.Account
	created           []account.CreateParams
	ListByCompanyFunc func(ctx context.Context, companyID string) ([]*account.Account, error)
}

func (m *MockAccountRepository) ListByCompany(ctx context.Context, companyID string) ([]*account.Account, error) {
	if m.ListByCompanyFunc != nil {
		return m.ListByCompanyFunc(ctx, companyID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts, nil
}

func (m *MockAccountRepository) Create(ctx context.Context, params account.CreateParams) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, params)
	acc := &account.Account{ID: "new-acc", CompanyID: params.CompanyID, Institution: params.Institution}
	m.accounts = append(m.accounts, acc)
	return acc, nil
}

// MockLinks is an in-memory LinkStore
type MockLinks struct {
	mu       sync.Mutex
	saved    []Link
	statuses map[string]item.Status
	listed   []Link
}

func (m *MockLinks) SaveLink(ctx context.Context, link Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, link)
	return nil
}

func (m *MockLinks) UpdateLinkStatus(ctx context.Context, itemID string, status item.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string]item.Status)
	}
	m.statuses[itemID] = status
	return nil
}

func (m *MockLinks) ListLinks(ctx context.Context, companyID string) ([]Link, error) {
	return m.listed, nil
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
	keys    []string
}

func (r *recorder) add(kind NoticeKind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Kind: kind, Message: msg, URL: msg})
}

func (r *recorder) Info(msg string)    { r.add(NoticeInfo, msg) }
func (r *recorder) Success(msg string) { r.add(NoticeSuccess, msg) }
func (r *recorder) Warning(msg string) { r.add(NoticeWarning, msg) }
func (r *recorder) Error(msg string)   { r.add(NoticeError, msg) }
func (r *recorder) OpenURL(url string) { r.add(NoticeOpenURL, url) }

func (r *recorder) Invalidate(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, prefix)
}

func (r *recorder) count(kind NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) messages(kind NoticeKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, notice := range r.notices {
		if notice.Kind == kind {
			out = append(out, notice.Message)
		}
	}
	return out
}

func (r *recorder) invalidations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

type fakeSubscriber struct {
	mu         sync.Mutex
	calls      int
	itemID     string
	onEvent    func(item.StreamEvent)
	onStatus   func(ConnectionStatus)
	subscribed chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subscribed: make(chan struct{}, 8)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, tenantID, itemID string, onEvent func(item.StreamEvent), onStatus func(ConnectionStatus)) error {
	f.mu.Lock()
	f.calls++
	f.itemID = itemID
	f.onEvent = onEvent
	f.onStatus = onStatus
	f.mu.Unlock()

	f.subscribed <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSubscriber) emit(ev item.StreamEvent) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeSubscriber) status(st ConnectionStatus) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	fn(st)
}

func (f *fakeSubscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]any
}

func (c *mapCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

type harness struct {
	wf       *Workflow
	rec      *recorder
	repo     *MockAccountRepository
	items    *MockItems
	conns    *MockConnectors
	links    *MockLinks
	stream   *fakeSubscriber
	mu       sync.Mutex
	success  []Link
	imports  []ImportRequest
	snapshot []Snapshot
}

func newHarness(t *testing.T, tweak func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		rec:    &recorder{},
		repo:   &MockAccountRepository{},
		items:  &MockItems{},
		conns:  &MockConnectors{},
		links:  &MockLinks{},
		stream: newFakeSubscriber(),
	}
	cfg := Config{
		Connectors:  h.conns,
		Items:       h.items,
		Accounts:    account.NewService(h.repo, nil),
		Stream:      h.stream,
		Links:       h.links,
		Notifier:    h.rec,
		Opener:      h.rec,
		Invalidator: h.rec,
		OnSuccess: func(link Link) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.success = append(h.success, link)
		},
		OnImportAccounts: func(req ImportRequest) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.imports = append(h.imports, req)
		},
		OnState: func(s Snapshot) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.snapshot = append(h.snapshot, s)
		},
		StreamDelay: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.wf = NewWorkflow(cfg)
	t.Cleanup(h.wf.Close)
	return h
}

func (h *harness) successCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.success)
}

func (h *harness) importRequests() []ImportRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ImportRequest(nil), h.imports...)
}

// toConnectorSelection opens a session with a valid document and loads the
// connector list.
func (h *harness) toConnectorSelection(t *testing.T) {
	t.Helper()
	h.wf.Open(Options{CompanyID: companyID})
	if err := h.wf.SubmitDocument(validCPF); err != nil {
		t.Fatalf("SubmitDocument() unexpected error: %v", err)
	}
	if _, err := h.wf.Connectors(context.Background(), ""); err != nil {
		t.Fatalf("Connectors() unexpected error: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkflow_OpenInitialStep(t *testing.T) {
	tests := []struct {
		name         string
		opts         Options
		wantStep     Step
		wantQuery    bool
		wantDocument string
		wantExisting bool
	}{
		{"new holder", Options{CompanyID: companyID}, StepDocumentInput, false, "", false},
		{"known tenant without document", Options{CompanyID: companyID, TenantID: "tenant-1"}, StepConnectorSelection, true, "", true},
		{"known tenant with document", Options{CompanyID: companyID, TenantID: "tenant-1", HolderDocument: "52998224725"}, StepConnectorSelection, true, validCPF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.wf.Open(tt.opts)

			s := h.wf.Snapshot()
			if s.Step != tt.wantStep {
				t.Errorf("Step = %q, want %q", s.Step, tt.wantStep)
			}
			if s.QueryEnabled != tt.wantQuery {
				t.Errorf("QueryEnabled = %v, want %v", s.QueryEnabled, tt.wantQuery)
			}
			if s.Document != tt.wantDocument {
				t.Errorf("Document = %q, want %q", s.Document, tt.wantDocument)
			}
			if s.CanShowExisting != tt.wantExisting {
				t.Errorf("CanShowExisting = %v, want %v", s.CanShowExisting, tt.wantExisting)
			}
		})
	}
}

func TestWorkflow_QueryWithTenantOnly(t *testing.T) {
	h := newHarness(t, nil)
	var got connector.Query
	h.conns.ListConnectorsFunc = func(ctx context.Context, q connector.Query) ([]connector.Connector, error) {
		got = q
		return []connector.Connector{{ID: 1, Name: "Banco X"}}, nil
	}
	h.wf.Open(Options{CompanyID: companyID, TenantID: "tenant-1"})

	list, err := h.wf.Connectors(context.Background(), "")
	if err != nil {
		t.Fatalf("Connectors() unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Connectors() returned %d connectors, want 1", len(list))
	}
	if got.CompanyID != companyID || got.DocumentType != "" {
		t.Errorf("query = %+v", got)
	}
}

func TestWorkflow_SubmitDocument(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.Open(Options{CompanyID: companyID})

	err := h.wf.SubmitDocument("123.456.789-0")
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("SubmitDocument(invalid) error = %v, want %v", err, ErrInvalidDocument)
	}
	if got := h.wf.Snapshot().Step; got != StepDocumentInput {
		t.Errorf("Step after invalid document = %q, want %q", got, StepDocumentInput)
	}
	if h.rec.count(NoticeError) != 1 {
		t.Errorf("error toasts = %d, want 1", h.rec.count(NoticeError))
	}

	if err := h.wf.SubmitDocument("11.222.333/0001-81"); err != nil {
		t.Fatalf("SubmitDocument(cnpj) unexpected error: %v", err)
	}
	s := h.wf.Snapshot()
	if s.Step != StepConnectorSelection {
		t.Errorf("Step = %q, want %q", s.Step, StepConnectorSelection)
	}
	if s.DocumentType != "organization" {
		t.Errorf("DocumentType = %q, want organization", s.DocumentType)
	}

	if err := h.wf.SubmitDocument(validCPF); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second SubmitDocument() error = %v, want %v", err, ErrInvalidTransition)
	}
}

func TestWorkflow_ConnectorsDisabledBeforeDocument(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.Open(Options{CompanyID: companyID})

	if _, err := h.wf.Connectors(context.Background(), ""); !errors.Is(err, ErrQueryDisabled) {
		t.Errorf("Connectors() error = %v, want %v", err, ErrQueryDisabled)
	}
}

func TestWorkflow_ConnectorsCachedAndFiltered(t *testing.T) {
	calls := 0
	h := newHarness(t, func(cfg *Config) { cfg.Cache = &mapCache{} })
	h.conns.ListConnectorsFunc = func(ctx context.Context, q connector.Query) ([]connector.Connector, error) {
		calls++
		if q.DocumentType != "individual" {
			t.Errorf("DocumentType = %q, want individual", q.DocumentType)
		}
		return []connector.Connector{
			{ID: 1, Name: "Banco Itaú", Type: "PERSONAL_BANK"},
			{ID: 2, Name: "Nubank", Type: "PERSONAL_BANK"},
		}, nil
	}
	h.wf.Open(Options{CompanyID: companyID, HolderDocument: validCPF})
	h.wf.SubmitDocument(validCPF)

	all, err := h.wf.Connectors(context.Background(), "")
	if err != nil {
		t.Fatalf("Connectors() unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Connectors(\"\") = %d, want 2", len(all))
	}

	filtered, _ := h.wf.Connectors(context.Background(), "NUB")
	if len(filtered) != 1 || filtered[0].ID != 2 {
		t.Errorf("Connectors(NUB) = %+v", filtered)
	}
	if calls != 1 {
		t.Errorf("backend queried %d times, want 1", calls)
	}
}

func TestWorkflow_ConnectorsFailureShowsEmptyList(t *testing.T) {
	h := newHarness(t, nil)
	h.conns.ListConnectorsFunc = func(ctx context.Context, q connector.Query) ([]connector.Connector, error) {
		return nil, errors.New("backend down")
	}
	h.wf.Open(Options{CompanyID: companyID})
	h.wf.SubmitDocument(validCPF)

	list, err := h.wf.Connectors(context.Background(), "")
	if err == nil {
		t.Fatal("Connectors() expected error")
	}
	if list == nil || len(list) != 0 {
		t.Errorf("Connectors() = %v, want empty list", list)
	}
	if h.rec.count(NoticeError) != 0 {
		t.Error("connector failure raised a toast")
	}
	if h.wf.Snapshot().LoadingConnectors {
		t.Error("LoadingConnectors still true")
	}
}

func TestWorkflow_SelectConnector_CreatesAccountAndWaits(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.accounts = []*account.Account{{ID: "linked", OpeniItemID: "item-9"}}

	var params item.CreateParams
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		params = p
		return &item.Item{ID: "item-1", Status: item.StatusWaitingUserInput, Auth: &item.Auth{AuthURL: authURL}}, nil
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}

	if len(h.repo.created) != 1 {
		t.Fatalf("accounts created = %d, want 1", len(h.repo.created))
	}
	created := h.repo.created[0]
	if created.Institution != "Banco X" || created.BankCode != account.OpenFinanceBankCode {
		t.Errorf("created account = %+v", created)
	}
	if params.AccountID != "new-acc" {
		t.Errorf("item AccountID = %q, want new-acc", params.AccountID)
	}
	if params.Parameters["cpf"] != "52998224725" {
		t.Errorf("item parameters = %v", params.Parameters)
	}

	s := h.wf.Snapshot()
	if s.Step != StepOAuthWaiting || s.ItemID != "item-1" {
		t.Errorf("snapshot = step %q item %q", s.Step, s.ItemID)
	}
	if s.AuthURL != authURL {
		t.Errorf("AuthURL = %q", s.AuthURL)
	}
	if got := h.rec.messages(NoticeOpenURL); len(got) != 1 || got[0] != authURL {
		t.Errorf("opened URLs = %v", got)
	}
	if h.rec.count(NoticeInfo) != 1 {
		t.Errorf("info toasts = %d, want 1", h.rec.count(NoticeInfo))
	}
	if h.rec.invalidations() == 0 {
		t.Error("account creation did not invalidate the account cache")
	}
	if len(h.links.saved) != 1 || h.links.saved[0].Status != item.StatusWaitingUserInput {
		t.Errorf("saved links = %+v", h.links.saved)
	}
}

func TestWorkflow_SelectConnector_ReusesAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.accounts = []*account.Account{{ID: "free"}}
	var params item.CreateParams
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		params = p
		return &item.Item{ID: "item-1", Status: item.StatusPending}, nil
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}
	if len(h.repo.created) != 0 {
		t.Errorf("accounts created = %d, want 0", len(h.repo.created))
	}
	if params.AccountID != "free" {
		t.Errorf("item AccountID = %q, want free", params.AccountID)
	}
	if got := h.rec.messages(NoticeInfo); len(got) != 1 || got[0] != h.wf.toasts.ItemPending {
		t.Errorf("info toasts = %v", got)
	}
}

func TestWorkflow_SelectConnector_UnknownConnector(t *testing.T) {
	h := newHarness(t, nil)
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 99); !errors.Is(err, connector.ErrConnectorNotFound) {
		t.Errorf("SelectConnector(99) error = %v, want %v", err, connector.ErrConnectorNotFound)
	}
	if got := h.wf.Snapshot().Step; got != StepConnectorSelection {
		t.Errorf("Step = %q, want %q", got, StepConnectorSelection)
	}
}

func TestWorkflow_ConnectedItemFiresSuccessOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return &item.Item{ID: "item-1", Status: item.StatusConnected}, nil
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}

	if h.successCount() != 1 {
		t.Errorf("OnSuccess called %d times, want 1", h.successCount())
	}
	if h.rec.count(NoticeSuccess) != 1 {
		t.Errorf("success toasts = %d, want 1", h.rec.count(NoticeSuccess))
	}
	found := false
	for _, key := range h.rec.keys {
		if key == account.CacheKey(companyID) {
			found = true
		}
	}
	if !found {
		t.Errorf("invalidated keys = %v, want %q", h.rec.keys, account.CacheKey(companyID))
	}
}

func TestWorkflow_ItemFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return nil, &fakeAPIError{payload: map[string]any{"status": float64(400), "message": "Conector indisponível"}}
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err == nil {
		t.Fatal("SelectConnector() expected error")
	}
	if got := h.wf.Snapshot().Step; got != StepConnectorSelection {
		t.Errorf("Step = %q, want %q", got, StepConnectorSelection)
	}
	if got := h.rec.messages(NoticeError); len(got) != 1 || got[0] != "Conector indisponível" {
		t.Errorf("error toasts = %v", got)
	}
	if !h.wf.CanClose() {
		t.Error("CanClose() = false after failure")
	}
}

func TestWorkflow_ConflictResumesExistingItem(t *testing.T) {
	h := newHarness(t, nil)
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return nil, &fakeAPIError{payload: map[string]any{
			"status":  float64(409),
			"message": "Item ID: " + existingID,
		}}
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}

	s := h.wf.Snapshot()
	if s.Step != StepOAuthWaiting {
		t.Errorf("Step = %q, want %q", s.Step, StepOAuthWaiting)
	}
	if s.ItemID != existingID {
		t.Errorf("ItemID = %q, want %q", s.ItemID, existingID)
	}
	if h.rec.count(NoticeError) != 0 {
		t.Errorf("error toasts = %v, want none", h.rec.messages(NoticeError))
	}
	if got := h.rec.messages(NoticeInfo); len(got) != 1 || got[0] != h.wf.toasts.ConflictWaiting {
		t.Errorf("info toasts = %v", got)
	}
	h.links.mu.Lock()
	defer h.links.mu.Unlock()
	if len(h.links.saved) != 1 {
		t.Fatalf("saved links = %d, want 1", len(h.links.saved))
	}
	if got := h.links.saved[0]; got.ItemID != existingID || got.Status != "" {
		t.Errorf("saved link = %+v, want item %s without a status", got, existingID)
	}
}

func TestWorkflow_ConflictWithDetail(t *testing.T) {
	h := newHarness(t, nil)
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return nil, &fakeAPIError{payload: map[string]any{
			"status": float64(409),
			"details": []any{map[string]any{
				"id":     existingID,
				"status": "WAITING_USER_INPUT",
				"auth":   map[string]any{"authUrl": authURL},
			}},
		}}
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}
	if got := h.rec.messages(NoticeOpenURL); len(got) != 1 || got[0] != authURL {
		t.Errorf("opened URLs = %v", got)
	}
}

func TestWorkflow_ConflictWithConnectedDetail(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StreamDelay = time.Hour })
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return nil, &fakeAPIError{payload: map[string]any{
			"status":  float64(409),
			"details": []any{map[string]any{"id": "abc-123", "status": "connected"}},
		}}
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}

	if got := h.wf.Snapshot().ItemID; got != "abc-123" {
		t.Errorf("ItemID = %q, want %q", got, "abc-123")
	}
	if h.successCount() != 1 {
		t.Errorf("OnSuccess called %d times, want 1", h.successCount())
	}
	h.mu.Lock()
	if len(h.success) == 1 && h.success[0].ItemID != "abc-123" {
		t.Errorf("OnSuccess link item = %q, want %q", h.success[0].ItemID, "abc-123")
	}
	h.mu.Unlock()

	h.rec.mu.Lock()
	keys := append([]string(nil), h.rec.keys...)
	h.rec.mu.Unlock()
	found := false
	for _, key := range keys {
		if key == account.CacheKey(companyID) {
			found = true
		}
	}
	if !found {
		t.Errorf("invalidated keys = %v, want %q", keys, account.CacheKey(companyID))
	}
}

func TestWorkflow_ConflictRecoveredFromAccounts(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.accounts = []*account.Account{{ID: "free"}}
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		// The backend linked the account before reporting the conflict.
		h.repo.mu.Lock()
		h.repo.accounts[0].OpeniItemID = existingID
		h.repo.mu.Unlock()
		return nil, &fakeAPIError{payload: map[string]any{"status": float64(409), "message": "conflict"}}
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}
	if got := h.wf.Snapshot().ItemID; got != existingID {
		t.Errorf("ItemID = %q, want %q", got, existingID)
	}
}

func TestWorkflow_ConflictWithoutItemID(t *testing.T) {
	h := newHarness(t, nil)
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return nil, &fakeAPIError{payload: map[string]any{"status": float64(409), "message": "Já existe um item ativo"}}
	}
	h.toConnectorSelection(t)

	if err := h.wf.SelectConnector(context.Background(), 1); err == nil {
		t.Fatal("SelectConnector() expected error")
	}
	if got := h.wf.Snapshot().Step; got != StepConnectorSelection {
		t.Errorf("Step = %q, want %q", got, StepConnectorSelection)
	}
	if got := h.rec.messages(NoticeError); len(got) != 1 || got[0] != h.wf.toasts.ConflictNotFound {
		t.Errorf("error toasts = %v", got)
	}
}

func TestWorkflow_CloseDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		close(started)
		<-release
		return &item.Item{ID: "item-1", Status: item.StatusWaitingUserInput, Auth: &item.Auth{AuthURL: authURL}}, nil
	}
	h.toConnectorSelection(t)
	before := h.wf.Snapshot().Generation

	done := make(chan error, 1)
	go func() { done <- h.wf.SelectConnector(context.Background(), 1) }()
	<-started

	if h.wf.CanClose() {
		t.Error("CanClose() = true while creating the item")
	}
	if err := h.wf.RequestClose(); !errors.Is(err, ErrCannotClose) {
		t.Errorf("RequestClose() error = %v, want %v", err, ErrCannotClose)
	}

	h.wf.Close()
	close(release)

	if err := <-done; !errors.Is(err, ErrStale) {
		t.Errorf("SelectConnector() error = %v, want %v", err, ErrStale)
	}

	s := h.wf.Snapshot()
	if s.Open || s.Step != StepDocumentInput || s.ItemID != "" {
		t.Errorf("snapshot after close = %+v", s)
	}
	if s.Generation <= before {
		t.Errorf("Generation = %d, want > %d", s.Generation, before)
	}
	if n := h.rec.count(NoticeOpenURL) + h.rec.count(NoticeInfo) + h.rec.count(NoticeError); n != 0 {
		t.Errorf("notices after close = %d, want 0", n)
	}
	if h.stream.callCount() != 0 {
		t.Error("stream subscribed for a discarded item")
	}
}

func TestWorkflow_OAuthWaitingRefusesUserClose(t *testing.T) {
	h := newHarness(t, nil)
	h.toConnectorSelection(t)
	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}
	if step := h.wf.Snapshot().Step; step != StepOAuthWaiting {
		t.Fatalf("Step = %q, want %q", step, StepOAuthWaiting)
	}

	if h.wf.CanClose() {
		t.Error("CanClose() = true in oauth-waiting")
	}
	if err := h.wf.RequestClose(); !errors.Is(err, ErrCannotClose) {
		t.Errorf("RequestClose() error = %v, want %v", err, ErrCannotClose)
	}
	if !h.wf.Snapshot().Open {
		t.Error("workflow closed by RequestClose in oauth-waiting")
	}

	h.wf.Close()
	if h.wf.Snapshot().Open {
		t.Error("workflow still open after Close")
	}
}

func TestWorkflow_StreamArmedAfterDelay(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StreamDelay = 50 * time.Millisecond })
	h.toConnectorSelection(t)
	if err := h.wf.SelectConnector(context.Background(), 1); err != nil {
		t.Fatalf("SelectConnector() unexpected error: %v", err)
	}

	if h.wf.StreamArmed() {
		t.Error("stream armed before the delay elapsed")
	}

	select {
	case <-h.stream.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}
	if !h.wf.StreamArmed() {
		t.Error("StreamArmed() = false after subscribing")
	}
	if h.stream.itemID != "item-1" {
		t.Errorf("subscribed item = %q, want item-1", h.stream.itemID)
	}

	if err := h.wf.StartOver(); err != nil {
		t.Fatalf("StartOver() unexpected error: %v", err)
	}
	if h.wf.StreamArmed() {
		t.Error("stream still armed after StartOver")
	}
}

func TestWorkflow_CloseBeforeDelayNeverSubscribes(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StreamDelay = 30 * time.Millisecond })
	h.toConnectorSelection(t)
	h.wf.SelectConnector(context.Background(), 1)
	h.wf.Close()

	time.Sleep(100 * time.Millisecond)
	if h.stream.callCount() != 0 {
		t.Errorf("Subscribe called %d times, want 0", h.stream.callCount())
	}
}

func TestWorkflow_StreamConnectedImportsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.toConnectorSelection(t)
	h.wf.SelectConnector(context.Background(), 1)
	<-h.stream.subscribed

	connected := item.StreamEvent{Event: "item_connected", ItemID: "item-1", Status: "CONNECTED", Timestamp: "2025-01-01T00:00:00Z"}
	h.stream.emit(connected)
	h.stream.emit(item.StreamEvent{Event: "item_updated", ItemID: "item-1", Status: "SYNCING"})

	reqs := h.importRequests()
	if len(reqs) != 1 {
		t.Fatalf("OnImportAccounts called %d times, want 1", len(reqs))
	}
	if reqs[0].ItemID != "item-1" || reqs[0].Status != "CONNECTED" {
		t.Errorf("import request = %+v", reqs[0])
	}
	if reqs[0].ConnectorName != "Banco X" || reqs[0].CompanyID != companyID {
		t.Errorf("import request = %+v", reqs[0])
	}

	s := h.wf.Snapshot()
	if s.ItemStatus != item.StatusSyncing {
		t.Errorf("ItemStatus = %q, want %q", s.ItemStatus, item.StatusSyncing)
	}
	if s.LastEvent == nil || s.LastEvent.Event != "item_updated" {
		t.Errorf("LastEvent = %+v", s.LastEvent)
	}
	waitFor(t, "link status update", func() bool {
		h.links.mu.Lock()
		defer h.links.mu.Unlock()
		return h.links.statuses["item-1"] == item.StatusSyncing
	})
}

func TestWorkflow_StreamIgnoresOtherItems(t *testing.T) {
	h := newHarness(t, nil)
	h.toConnectorSelection(t)
	h.wf.SelectConnector(context.Background(), 1)
	<-h.stream.subscribed

	h.stream.emit(item.StreamEvent{Event: "item_connected", ItemID: "item-other", Status: "CONNECTED"})

	if len(h.importRequests()) != 0 {
		t.Error("event for another item triggered an import")
	}
	if h.wf.Snapshot().LastEvent != nil {
		t.Error("event for another item was recorded")
	}
}

func TestWorkflow_StreamWaitingAndError(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.OnImportAccounts = nil })
	h.items.CreateItemFunc = func(ctx context.Context, p item.CreateParams) (*item.Item, error) {
		return &item.Item{ID: "item-1", Status: item.StatusPending}, nil
	}
	h.toConnectorSelection(t)
	h.wf.SelectConnector(context.Background(), 1)
	<-h.stream.subscribed

	h.stream.emit(item.StreamEvent{Event: "item.waiting_user_input", ItemID: "item-1", Auth: &item.Auth{AuthURL: authURL, ExpiresAt: "2025-01-01T00:10:00Z"}})
	if got := h.rec.messages(NoticeOpenURL); len(got) != 1 || got[0] != authURL {
		t.Errorf("opened URLs = %v", got)
	}
	if got := h.wf.Snapshot().AuthExpiresAt; got != "2025-01-01T00:10:00Z" {
		t.Errorf("AuthExpiresAt = %q", got)
	}

	h.stream.emit(item.StreamEvent{Event: "item_error", ItemID: "item-1", Status: "ERROR"})
	if got := h.rec.messages(NoticeError); len(got) != 1 || got[0] != h.wf.toasts.StreamItemError {
		t.Errorf("error toasts = %v", got)
	}
}

func TestWorkflow_ConnectionStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.toConnectorSelection(t)
	h.wf.SelectConnector(context.Background(), 1)
	<-h.stream.subscribed

	h.stream.status(ConnConnected)
	s := h.wf.Snapshot()
	if s.ConnectionStatus != ConnConnected || s.Indicator == nil {
		t.Errorf("snapshot = status %q indicator %v", s.ConnectionStatus, s.Indicator)
	}

	h.stream.status(ConnError)
	if got := h.rec.messages(NoticeError); len(got) != 1 || got[0] != h.wf.toasts.StreamReconnecting {
		t.Errorf("error toasts = %v", got)
	}
}

func TestWorkflow_ExistingConnectionsAndResync(t *testing.T) {
	h := newHarness(t, nil)
	h.links.listed = []Link{{ItemID: "item-7", CompanyID: companyID, Status: item.StatusOutOfSync, AccountID: "acc-7"}}
	h.repo.accounts = []*account.Account{
		{ID: "acc-7", OpeniItemID: "item-7"},
		{ID: "acc-8", OpeniItemID: "item-8", Institution: "Banco Y"},
	}
	var resync item.ResyncParams
	h.items.ResyncItemFunc = func(ctx context.Context, p item.ResyncParams) (*item.Item, error) {
		resync = p
		return &item.Item{ID: p.ItemID, Status: item.StatusWaitingUserInput, Auth: &item.Auth{AuthURL: authURL}}, nil
	}
	h.wf.Open(Options{CompanyID: companyID, TenantID: "tenant-1"})

	links, err := h.wf.ShowExistingConnections(context.Background())
	if err != nil {
		t.Fatalf("ShowExistingConnections() unexpected error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("links = %+v, want 2", links)
	}
	if !links[0].NeedsResync() || links[1].ConnectorName != "Banco Y" {
		t.Errorf("links = %+v", links)
	}
	if got := h.wf.Snapshot().Step; got != StepExistingConnections {
		t.Errorf("Step = %q, want %q", got, StepExistingConnections)
	}

	if err := h.wf.Resync(context.Background(), "item-7", "acc-7"); err != nil {
		t.Fatalf("Resync() unexpected error: %v", err)
	}
	if resync.CompanyID != companyID || resync.AccountID != "acc-7" || resync.ItemID != "item-7" {
		t.Errorf("resync params = %+v", resync)
	}
	s := h.wf.Snapshot()
	if s.Step != StepOAuthWaiting || s.ItemID != "item-7" {
		t.Errorf("snapshot = step %q item %q", s.Step, s.ItemID)
	}
}

func TestWorkflow_ExistingConnectionsRequireTenant(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.Open(Options{CompanyID: companyID})

	if _, err := h.wf.ShowExistingConnections(context.Background()); !errors.Is(err, ErrTenantUnknown) {
		t.Errorf("ShowExistingConnections() error = %v, want %v", err, ErrTenantUnknown)
	}
}

func TestWorkflow_NewConnectionAndStartOver(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.Open(Options{CompanyID: companyID, TenantID: "tenant-1"})
	h.wf.ShowExistingConnections(context.Background())

	if err := h.wf.NewConnection(); err != nil {
		t.Fatalf("NewConnection() unexpected error: %v", err)
	}
	if got := h.wf.Snapshot().Step; got != StepConnectorSelection {
		t.Errorf("Step = %q, want %q", got, StepConnectorSelection)
	}
	if err := h.wf.NewConnection(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("NewConnection() error = %v, want %v", err, ErrInvalidTransition)
	}

	gen := h.wf.Snapshot().Generation
	h.wf.StartOver()
	if got := h.wf.Snapshot().Generation; got != gen+1 {
		t.Errorf("Generation = %d, want %d", got, gen+1)
	}
}

func TestWorkflow_ClosedSessionRejectsActions(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.wf.SubmitDocument(validCPF); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SubmitDocument() error = %v, want %v", err, ErrSessionClosed)
	}
	if err := h.wf.StartOver(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("StartOver() error = %v, want %v", err, ErrSessionClosed)
	}
}

func TestWorkflow_PublishesState(t *testing.T) {
	h := newHarness(t, nil)
	h.toConnectorSelection(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.snapshot) == 0 {
		t.Fatal("OnState never called")
	}
	last := h.snapshot[len(h.snapshot)-1]
	if last.Step != StepConnectorSelection || !strings.Contains(last.Document, ".") {
		t.Errorf("last snapshot = %+v", last)
	}
}
