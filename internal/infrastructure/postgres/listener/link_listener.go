package listener

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"

	"finlink/internal/domain/item"
)

const (
	// ChannelName is notified by the openi_links trigger.
	ChannelName       = "openi_link_changed"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// LinkChange is the payload of an openi_link_changed notification.
type LinkChange struct {
	ItemID    string      `json:"item_id"`
	CompanyID string      `json:"company_id"`
	Status    item.Status `json:"status"`
}

// Handler reacts to a link change. It runs on the listener goroutine.
type Handler func(ctx context.Context, change LinkChange)

// LinkListener relays link status changes written by any replica, including
// the importer, so every API instance can refresh the sessions it owns.
type LinkListener struct {
	connStr    string
	handler    Handler
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewLinkListener creates a listener that passes every change to handler.
func NewLinkListener(connStr string, handler Handler) *LinkListener {
	return &LinkListener{
		connStr:    connStr,
		handler:    handler,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening in a background goroutine.
func (l *LinkListener) Start(ctx context.Context) {
	go l.listen(ctx)
	log.Println("Link change listener started")
}

// Stop shuts the listener down and waits for it to exit.
func (l *LinkListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	log.Println("Link change listener stopped")
}

func (l *LinkListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		if l.stopped(ctx) {
			return
		}
		l.connectAndListen(ctx)

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Reconnecting to PostgreSQL for link changes...")
		}
	}
}

func (l *LinkListener) stopped(ctx context.Context) bool {
	select {
	case <-l.shutdownCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (l *LinkListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, logListenerEvent)
	defer listener.Close()

	if err := listener.Listen(ChannelName); err != nil {
		log.Printf("Failed to listen on channel %s: %v", ChannelName, err)
		return
	}
	log.Printf("Listening on channel: %s", ChannelName)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// pq delivers nil after a reconnect; changes may have been missed
				log.Println("Link change notifications were interrupted")
				continue
			}
			l.dispatch(ctx, n.Extra)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				log.Printf("Listener ping failed: %v", err)
				return
			}
		}
	}
}

func (l *LinkListener) dispatch(ctx context.Context, payload string) {
	change, err := ParseChange(payload)
	if err != nil {
		log.Printf("Failed to parse link change payload: %v", err)
		return
	}
	l.handler(ctx, change)
}

// ParseChange decodes a notification payload.
func ParseChange(payload string) (LinkChange, error) {
	var change LinkChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return LinkChange{}, err
	}
	change.Status = item.ParseStatus(string(change.Status))
	return change, nil
}

func logListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		log.Println("Connected to PostgreSQL notification channel")
	case pq.ListenerEventDisconnected:
		log.Printf("Disconnected from PostgreSQL notification channel: %v", err)
	case pq.ListenerEventReconnected:
		log.Println("Reconnected to PostgreSQL notification channel")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Printf("Connection attempt failed: %v", err)
	}
}
