package messages

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

//go:embed default.json
var defaultCatalog []byte

// MessageText is a push notification template. Body may hold fmt verbs.
type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// With fills the body's verbs with args.
func (m MessageText) With(args ...any) MessageText {
	return MessageText{Title: m.Title, Body: fmt.Sprintf(m.Body, args...)}
}

// Toasts are the short texts shown to the user while linking.
type Toasts struct {
	InvalidDocument      string `json:"invalid_document"`
	AccountCreateFailed  string `json:"account_create_failed"`
	ItemCreateFailed     string `json:"item_create_failed"`
	ItemPending          string `json:"item_pending"`
	ItemWaitingUserInput string `json:"item_waiting_user_input"`
	ItemConnected        string `json:"item_connected"`
	ItemError            string `json:"item_error"`
	ConflictWaiting      string `json:"conflict_waiting"`
	ConflictNotFound     string `json:"conflict_not_found"`
	ResyncFailed         string `json:"resync_failed"`
	StreamImporting      string `json:"stream_importing"`
	StreamItemError      string `json:"stream_item_error"`
	StreamReconnecting   string `json:"stream_reconnecting"`
}

type Messages struct {
	Toasts          Toasts      `json:"toasts"`
	LinkConnected   MessageText `json:"link_connected"`
	ImportCompleted MessageText `json:"import_completed"`
}

var (
	defaults    Messages
	defaultOnce sync.Once
	defaultErr  error
)

// Default returns the built-in pt-BR catalog.
func Default() *Messages {
	defaultOnce.Do(func() {
		if err := json.Unmarshal(defaultCatalog, &defaults); err != nil {
			defaultErr = fmt.Errorf("failed to parse default messages: %w", err)
		}
	})
	if defaultErr != nil {
		// The embedded catalog is part of the binary; a parse failure is a build defect.
		panic(defaultErr)
	}
	m := defaults
	return &m
}

// Load reads a JSON catalog from path on top of the defaults. Keys missing
// from the file keep their default text. An empty path returns the defaults.
func Load(path string) (*Messages, error) {
	m := Default()
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	return m, nil
}
