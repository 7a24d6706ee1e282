// Package item models Open Finance items: one bank-connection attempt per
// holder and connector, as reported by the aggregator.
package item

import (
	"strings"
)

// Status is the aggregator's item status, normalized to upper snake case.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusWaitingUserInput Status = "WAITING_USER_INPUT"
	StatusConnected        Status = "CONNECTED"
	StatusSyncing          Status = "SYNCING"
	StatusSynced           Status = "SYNCED"
	StatusOutOfSync        Status = "OUT_OF_SYNC"
	StatusError            Status = "ERROR"
)

// ParseStatus normalizes "waiting_user_input", "waiting-user-input" and
// "WAITING_USER_INPUT" to the same Status.
func ParseStatus(s string) Status {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return Status(strings.ToUpper(s))
}

// IsConnectedLike reports whether the connection is established, whether or
// not the first sync has finished.
func (s Status) IsConnectedLike() bool {
	switch s {
	case StatusConnected, StatusSyncing, StatusSynced:
		return true
	}
	return false
}

// Auth carries the bank authorization URL the holder must visit.
type Auth struct {
	AuthURL   string `json:"authUrl"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// Item is the client-relevant view of an aggregator item.
type Item struct {
	ID          string   `json:"id"`
	ConnectorID string   `json:"connectorId,omitempty"`
	Status      Status   `json:"status"`
	Auth        *Auth    `json:"auth,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

// AuthURL returns the authorization URL, or "" when none was sent.
func (i *Item) AuthURL() string {
	if i == nil || i.Auth == nil {
		return ""
	}
	return i.Auth.AuthURL
}

// CreateParams is the body of an item-creation request.
type CreateParams struct {
	AccountID   string            `json:"accountId,omitempty"`
	ConnectorID int64             `json:"connectorId"`
	Parameters  map[string]string `json:"parameters"`
}

// ResyncParams identifies an out-of-sync item to relink.
type ResyncParams struct {
	CompanyID string `json:"companyId"`
	AccountID string `json:"accountId"`
	ItemID    string `json:"-"`
}

// EventKind is a stream event name normalized to lower snake case.
type EventKind string

const (
	EventWaitingUserInput EventKind = "item_waiting_user_input"
	EventConnected        EventKind = "item_connected"
	EventUpdated          EventKind = "item_updated"
	EventError            EventKind = "item_error"
)

// ParseEventKind normalizes "item.connected", "item-connected" and
// "ITEM_CONNECTED" to the same EventKind.
func ParseEventKind(s string) EventKind {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "_", ".", "_", ":", "_").Replace(s)
	return EventKind(strings.ToLower(s))
}

// StreamEvent is one message from the per-item event stream.
type StreamEvent struct {
	Event     string   `json:"event"`
	ItemID    string   `json:"itemId"`
	Status    string   `json:"status,omitempty"`
	Auth      *Auth    `json:"auth,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Kind returns the normalized event name.
func (e StreamEvent) Kind() EventKind {
	return ParseEventKind(e.Event)
}

// ItemStatus returns the normalized status, or "" when none was sent.
func (e StreamEvent) ItemStatus() Status {
	if e.Status == "" {
		return ""
	}
	return ParseStatus(e.Status)
}

// AuthURL returns the authorization URL, or "" when none was sent.
func (e StreamEvent) AuthURL() string {
	if e.Auth == nil {
		return ""
	}
	return e.Auth.AuthURL
}
