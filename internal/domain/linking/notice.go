package linking

import (
	"sync"
	"time"
)

// Notifier shows short messages to the user.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Warning(msg string)
	Error(msg string)
}

// URLOpener opens the bank authorization page for the user.
type URLOpener interface {
	OpenURL(url string)
}

// Invalidator drops cached data whose key starts with prefix.
type Invalidator interface {
	Invalidate(prefix string)
}

// Invalidators fans an invalidation out to every non-nil target.
func Invalidators(targets ...Invalidator) Invalidator {
	var list multiInvalidator
	for _, t := range targets {
		if t != nil {
			list = append(list, t)
		}
	}
	return list
}

type multiInvalidator []Invalidator

func (m multiInvalidator) Invalidate(prefix string) {
	for _, t := range m {
		t.Invalidate(prefix)
	}
}

// NoticeKind tells the browser client what to do with a Notice.
type NoticeKind string

const (
	NoticeInfo       NoticeKind = "info"
	NoticeSuccess    NoticeKind = "success"
	NoticeWarning    NoticeKind = "warning"
	NoticeError      NoticeKind = "error"
	NoticeOpenURL    NoticeKind = "open_url"
	NoticeInvalidate NoticeKind = "invalidate"
	NoticeState      NoticeKind = "state"
)

// Notice is one message on a session's feed. ID increases with every
// published notice and is zero for notices that did not go through a feed.
type Notice struct {
	ID      uint64     `json:"-"`
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message,omitempty"`
	URL     string     `json:"url,omitempty"`
	Key     string     `json:"key,omitempty"`
	State   *Snapshot  `json:"state,omitempty"`
	At      time.Time  `json:"at"`
}

const (
	feedBacklog    = 16
	feedBufferSize = 32
)

// Feed fans notices out to the session's live subscribers. It keeps a short
// backlog of the current generation so that a client connecting late still
// sees the authorization URL. Slow subscribers lose notices instead of
// blocking the workflow.
type Feed struct {
	mu         sync.Mutex
	subs       map[int]chan Notice
	nextSub    int
	lastID     uint64
	generation uint64
	backlog    []Notice
	closed     bool
	now        func() time.Time
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Notice), now: time.Now}
}

func (f *Feed) Info(msg string)    { f.Publish(Notice{Kind: NoticeInfo, Message: msg}) }
func (f *Feed) Success(msg string) { f.Publish(Notice{Kind: NoticeSuccess, Message: msg}) }
func (f *Feed) Warning(msg string) { f.Publish(Notice{Kind: NoticeWarning, Message: msg}) }
func (f *Feed) Error(msg string)   { f.Publish(Notice{Kind: NoticeError, Message: msg}) }
func (f *Feed) OpenURL(url string) { f.Publish(Notice{Kind: NoticeOpenURL, URL: url}) }

// Invalidate tells the client to refetch data cached under prefix.
func (f *Feed) Invalidate(prefix string) {
	f.Publish(Notice{Kind: NoticeInvalidate, Key: prefix})
}

// PublishState sends a state snapshot. Snapshots are not kept in the
// backlog, and a snapshot of a new generation empties it.
func (f *Feed) PublishState(s Snapshot) {
	f.Publish(Notice{Kind: NoticeState, State: &s})
}

// Publish assigns n the next id and delivers it to every subscriber.
func (f *Feed) Publish(n Notice) {
	if n.At.IsZero() {
		n.At = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.lastID++
	n.ID = f.lastID

	switch {
	case n.Kind == NoticeState:
		if n.State != nil && n.State.Generation != f.generation {
			f.generation = n.State.Generation
			f.backlog = nil
		}
	default:
		f.backlog = append(f.backlog, n)
		if len(f.backlog) > feedBacklog {
			f.backlog = f.backlog[len(f.backlog)-feedBacklog:]
		}
	}
	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a channel receiving the backlogged notices with an id
// above after, followed by new notices, and a function that ends the
// subscription. A reconnecting client passes the last id it saw so nothing
// is delivered twice. The channel is closed when the subscription ends or
// the feed is closed.
func (f *Feed) Subscribe(after uint64) (<-chan Notice, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Notice, feedBufferSize+feedBacklog)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	for _, n := range f.backlog {
		if n.ID > after {
			ch <- n
		}
	}

	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends every subscription. Later notices are dropped.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	f.backlog = nil
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
