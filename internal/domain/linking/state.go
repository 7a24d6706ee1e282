// Package linking hosts the bank-connection wizard: the step machine, the
// conflict normalizer for duplicate connections and the per-item event
// stream handling. It is independent of any transport; the HTTP layer and
// the Open Finance client are injected.
package linking

import (
	"errors"

	"finlink/internal/domain/document"
)

// Step is a wizard screen.
type Step string

const (
	StepDocumentInput       Step = "cpf-input"
	StepExistingConnections Step = "existing-connections"
	StepConnectorSelection  Step = "connector-selection"
	StepCreatingItem        Step = "creating-item"
	StepOAuthWaiting        Step = "oauth-waiting"
)

// Event moves the wizard between steps.
type Event string

const (
	EventDocumentAccepted  Event = "document_accepted"
	EventShowExisting      Event = "show_existing"
	EventNewConnection     Event = "new_connection"
	EventConnectorSelected Event = "connector_selected"
	EventResyncRequested   Event = "resync_requested"
	EventItemKnown         Event = "item_known"
	EventItemFailed        Event = "item_failed"
)

// Domain errors
var (
	ErrInvalidDocument   = document.ErrInvalidDocument
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrQueryDisabled     = errors.New("connector query is not enabled in this step")
	ErrStale             = errors.New("session changed while the request was in flight")
	ErrCannotClose       = errors.New("session cannot be closed while a request is in flight")
	ErrSessionNotFound   = errors.New("link session not found")
	ErrSessionClosed     = errors.New("link session is closed")
	ErrTenantUnknown     = errors.New("no banking tenant is associated yet")
	ErrLinkNotFound      = errors.New("link not found")
)

type transitionKey struct {
	from  Step
	event Event
}

var transitions = map[transitionKey]Step{
	{StepDocumentInput, EventDocumentAccepted}:       StepConnectorSelection,
	{StepDocumentInput, EventShowExisting}:           StepExistingConnections,
	{StepConnectorSelection, EventShowExisting}:      StepExistingConnections,
	{StepExistingConnections, EventNewConnection}:    StepConnectorSelection,
	{StepExistingConnections, EventResyncRequested}:  StepCreatingItem,
	{StepConnectorSelection, EventConnectorSelected}: StepCreatingItem,
	{StepCreatingItem, EventItemKnown}:               StepOAuthWaiting,
	{StepCreatingItem, EventItemFailed}:              StepConnectorSelection,
}

// Transition returns the step reached from "from" on event, and false when
// the event is not accepted there.
func Transition(from Step, event Event) (Step, bool) {
	to, ok := transitions[transitionKey{from, event}]
	return to, ok
}

// InitialStep is where a freshly opened session starts. A holder who already
// has a banking tenant skips the document screen.
func InitialStep(tenantKnown bool) Step {
	if tenantKnown {
		return StepConnectorSelection
	}
	return StepDocumentInput
}

// CanClose reports whether the user may dismiss the wizard. loading is true
// while any backend request of the session is in flight. A pending bank
// authorization is never dismissed by the user; the host may still force a
// close.
func CanClose(step Step, loading bool) bool {
	return step != StepCreatingItem && step != StepOAuthWaiting && !loading
}
