package domain

// EventKind discriminates normalized inbound events.
type EventKind string

const (
	EventText        EventKind = "text"
	EventSelection   EventKind = "selection"
	EventTimeTrigger EventKind = "time_trigger"
)

// InboundEvent is a transport-agnostic inbound message. The webhook layer
// translates provider payloads into this shape before the state machine
// sees them; duplicates are expected and must be tolerated downstream.
type InboundEvent struct {
	From           string
	Kind           EventKind
	Body           string
	SelectionID    string
	SelectionTitle string
}

// ListRow is one option row of an interactive list message.
type ListRow struct {
	ID          string
	Title       string
	Description string // optional, kept short by the sender
}

// ListMessage is the outbound interactive list shape.
type ListMessage struct {
	Header string
	Body   string
	Footer string
	Button string
	Rows   []ListRow
}
