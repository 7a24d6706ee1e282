package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finlink/internal/domain/account"
	"finlink/internal/domain/connector"
	"finlink/internal/domain/item"
)

const (
	defaultTimeout = 30 * time.Second
	connectorsPath = "/openi/connectors"
	accountsPath   = "/accounts"
	itemsPath      = "/openi/items"
	eventsPath     = "/openi/events"
)

// Client handles communication with the finance backend's REST API
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new finance backend client. token is the service
// credential used when the request context carries no user token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type tokenKey struct{}

// WithToken returns a context whose backend calls authenticate as the user
// holding token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func (c *Client) bearer(ctx context.Context) string {
	if tok, ok := ctx.Value(tokenKey{}).(string); ok && tok != "" {
		return tok
	}
	return c.token
}

// ImportResult is the backend's answer to an import request.
type ImportResult struct {
	ItemID   string `json:"itemId"`
	Imported int    `json:"imported"`
	Status   string `json:"status,omitempty"`
}

// ListConnectors fetches the connectors available to a company
func (c *Client) ListConnectors(ctx context.Context, q connector.Query) ([]connector.Connector, error) {
	params := url.Values{}
	params.Set("companyId", q.CompanyID)
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.DocumentType != "" {
		params.Set("documentType", string(q.DocumentType))
	}

	var list []connector.Connector
	if err := c.do(ctx, http.MethodGet, connectorsPath, params, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ListByCompany fetches all accounts of a company
func (c *Client) ListByCompany(ctx context.Context, companyID string) ([]*account.Account, error) {
	params := url.Values{}
	params.Set("companyId", companyID)

	var list []*account.Account
	if err := c.do(ctx, http.MethodGet, accountsPath, params, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Create creates an account
func (c *Client) Create(ctx context.Context, params account.CreateParams) (*account.Account, error) {
	var acc account.Account
	if err := c.do(ctx, http.MethodPost, accountsPath, nil, params, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateItem starts a connection to a bank
func (c *Client) CreateItem(ctx context.Context, params item.CreateParams) (*item.Item, error) {
	var it item.Item
	if err := c.do(ctx, http.MethodPost, itemsPath, nil, params, &it); err != nil {
		return nil, err
	}
	it.Status = item.ParseStatus(string(it.Status))
	return &it, nil
}

// ResyncItem relinks an out-of-sync item
func (c *Client) ResyncItem(ctx context.Context, params item.ResyncParams) (*item.Item, error) {
	path := itemsPath + "/" + url.PathEscape(params.ItemID) + "/resync"

	var it item.Item
	if err := c.do(ctx, http.MethodPost, path, nil, params, &it); err != nil {
		return nil, err
	}
	it.Status = item.ParseStatus(string(it.Status))
	return &it, nil
}

// ImportAccounts asks the backend to import the accounts of a connected item
func (c *Client) ImportAccounts(ctx context.Context, companyID, itemID string) (*ImportResult, error) {
	path := itemsPath + "/" + url.PathEscape(itemID) + "/import"
	body := map[string]string{"companyId": companyID}

	var res ImportResult
	if err := c.do(ctx, http.MethodPost, path, nil, body, &res); err != nil {
		return nil, err
	}
	if res.ItemID == "" {
		res.ItemID = itemID
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if tok := c.bearer(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(method, path, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := decodeData(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// decodeData accepts both a bare body and one wrapped as {"data": ...}.
func decodeData(raw []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
			return json.Unmarshal(envelope.Data, out)
		}
	}
	return json.Unmarshal(trimmed, out)
}
