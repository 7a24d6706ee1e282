package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"finlink/internal/domain/connector"
	"finlink/internal/domain/linking"
	"finlink/internal/shared/middleware"
)

const keepAliveInterval = 25 * time.Second

// LinkSessionHandler exposes link sessions to the browser client. Every
// session belongs to the company of the token that opened it.
type LinkSessionHandler struct {
	registry      *linking.Registry
	connectorType string
}

// NewLinkSessionHandler creates a handler. connectorType is used when the
// client does not ask for one.
func NewLinkSessionHandler(registry *linking.Registry, connectorType string) *LinkSessionHandler {
	return &LinkSessionHandler{registry: registry, connectorType: connectorType}
}

type openSessionRequest struct {
	CompanyDocument string `json:"companyDocument"`
	TenantID        string `json:"openiTenantId"`
	HolderDocument  string `json:"holderDocument"`
	ConnectorType   string `json:"connectorType"`
}

type sessionResponse struct {
	ID    string           `json:"id"`
	State linking.Snapshot `json:"state"`
}

type documentRequest struct {
	Document string `json:"document"`
}

type selectConnectorRequest struct {
	ConnectorID int64 `json:"connectorId"`
}

type resyncRequest struct {
	ItemID    string `json:"itemId"`
	AccountID string `json:"accountId"`
}

type connectorsResponse struct {
	Connectors []connector.Connector `json:"connectors"`
}

type linkResponse struct {
	linking.Link
	NeedsResync bool `json:"needsResync"`
}

type existingResponse struct {
	Links []linkResponse   `json:"links"`
	State linking.Snapshot `json:"state"`
}

// HandleOpen opens a session for the authenticated company.
func (h *LinkSessionHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	companyID, ok := middleware.CompanyID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req openSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	opts := linking.Options{
		CompanyID:       companyID,
		CompanyDocument: req.CompanyDocument,
		TenantID:        req.TenantID,
		HolderDocument:  req.HolderDocument,
		ConnectorType:   req.ConnectorType,
	}
	if opts.TenantID == "" {
		opts.TenantID = middleware.TenantID(r.Context())
	}
	if opts.ConnectorType == "" {
		opts.ConnectorType = h.connectorType
	}

	id, wf, _ := h.registry.Open(companyID, opts)
	log.Printf("Company %s: opened link session %s", companyID, id)

	writeJSON(w, http.StatusCreated, sessionResponse{ID: id, State: wf.Snapshot()})
}

// session resolves the {id} path value against the caller's sessions.
func (h *LinkSessionHandler) session(w http.ResponseWriter, r *http.Request) (*linking.Workflow, *linking.Feed, bool) {
	companyID, ok := middleware.CompanyID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, nil, false
	}

	wf, feed, err := h.registry.Get(companyID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return wf, feed, true
}

// HandleGet returns the session state.
func (h *LinkSessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// HandleDocument submits the holder's CPF or CNPJ.
func (h *LinkSessionHandler) HandleDocument(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}

	var req documentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := wf.SubmitDocument(req.Document); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// HandleConnectors lists the connectors matching the q parameter.
func (h *LinkSessionHandler) HandleConnectors(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}

	list, err := wf.Connectors(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectorsResponse{Connectors: list})
}

// HandleSelectConnector starts a connection with a listed connector. The
// outcome of the attempt is also published on the session feed.
func (h *LinkSessionHandler) HandleSelectConnector(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}

	var req selectConnectorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := wf.SelectConnector(r.Context(), req.ConnectorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// HandleExisting lists the company's linked items.
func (h *LinkSessionHandler) HandleExisting(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}

	links, err := wf.ShowExistingConnections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := existingResponse{Links: make([]linkResponse, 0, len(links)), State: wf.Snapshot()}
	for _, l := range links {
		resp.Links = append(resp.Links, linkResponse{Link: l, NeedsResync: l.NeedsResync()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleNewConnection leaves the existing-connections list.
func (h *LinkSessionHandler) HandleNewConnection(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := wf.NewConnection(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// HandleResync relinks an existing item.
func (h *LinkSessionHandler) HandleResync(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}

	var req resyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "itemId is required"})
		return
	}
	if err := wf.Resync(r.Context(), req.ItemID, req.AccountID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// HandleStartOver returns the session to its initial step.
func (h *LinkSessionHandler) HandleStartOver(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := wf.StartOver(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// HandleClose dismisses the session. force=true is the host closing the
// wizard, which is never refused.
func (h *LinkSessionHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	wf, _, ok := h.session(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("force") != "true" {
		if err := wf.RequestClose(); err != nil {
			writeError(w, err)
			return
		}
	}
	h.registry.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams the session feed as server-sent events, starting
// with the current state. A reconnecting EventSource sends Last-Event-ID and
// only receives the notices it missed.
func (h *LinkSessionHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	wf, feed, ok := h.session(w, r)
	if !ok {
		return
	}

	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	notices, unsubscribe := feed.Subscribe(lastID)
	defer unsubscribe()

	rc := http.NewResponseController(w)
	// The server write timeout does not apply to a stream.
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	state := wf.Snapshot()
	if err := writeEvent(w, linking.Notice{Kind: linking.NoticeState, State: &state, At: time.Now()}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		log.Printf("Link session events: streaming unsupported: %v", err)
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notices:
			if !ok {
				// Session closed or reaped.
				return
			}
			if err := writeEvent(w, n); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, n linking.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	if n.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", n.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
	return err
}
