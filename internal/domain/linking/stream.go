package linking

import (
	"context"

	"finlink/internal/domain/item"
)

// ConnectionStatus is the state of the per-item event stream transport.
type ConnectionStatus string

const (
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnReconnecting ConnectionStatus = "reconnecting"
	ConnError        ConnectionStatus = "error"
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnClosed       ConnectionStatus = "closed"
)

// Subscriber opens the event stream of one item. Subscribe blocks until ctx
// is cancelled, reconnecting on its own; onStatus reports every transport
// state change and onEvent every decoded event.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID, itemID string, onEvent func(item.StreamEvent), onStatus func(ConnectionStatus)) error
}

// Tone colors an indicator.
type Tone string

const (
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneError   Tone = "error"
)

// Indicator is the presentational form of the stream state.
type Indicator struct {
	Label string `json:"label"`
	Tone  Tone   `json:"tone"`
}

var indicators = map[ConnectionStatus]Indicator{
	ConnConnecting:   {Label: "Conectando...", Tone: ToneInfo},
	ConnConnected:    {Label: "Aguardando o banco", Tone: ToneSuccess},
	ConnReconnecting: {Label: "Reconectando...", Tone: ToneWarning},
	ConnError:        {Label: "Erro de conexão", Tone: ToneError},
	ConnDisconnected: {Label: "Desconectado", Tone: ToneWarning},
	ConnClosed:       {Label: "Conexão encerrada", Tone: ToneInfo},
}

// IndicatorFor maps the transport state to an indicator. Once the item is
// connected, a stream that went away is expected and shows nothing.
func IndicatorFor(conn ConnectionStatus, itemStatus item.Status) (Indicator, bool) {
	if itemStatus.IsConnectedLike() && (conn == ConnDisconnected || conn == ConnClosed) {
		return Indicator{}, false
	}
	ind, ok := indicators[conn]
	return ind, ok
}
