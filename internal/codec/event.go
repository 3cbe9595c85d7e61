package codec

import "github.com/basket/tablebus/internal/tablestore"

// Event is one append-only audit record. Rows are never mutated; only
// insertion order matters.
type Event struct {
	TS          int64
	AgentID     string
	SessionID   string
	Kind        string
	DetailsJSON string
}

// Lifecycle event kinds emitted by the queue engine.
const (
	EventPublish   = "publish"
	EventClaimed   = "claimed"
	EventAck       = "ack"
	EventNack      = "nack"
	EventHeartbeat = "heartbeat"
	EventTimeout   = "timeout"
	EventExpired   = "expired"
)

const eventsTable = "agent_events"

// EventSpec is the events table definition: append-only, no key.
func EventSpec(namespace string) tablestore.TableSpec {
	return tablestore.TableSpec{
		Name: namespace + eventsTable,
		Schema: []tablestore.Column{
			{Name: "ts", Type: tablestore.TypeLong},
			{Name: "agent_id", Type: tablestore.TypeString},
			{Name: "session_id", Type: tablestore.TypeString},
			{Name: "event", Type: tablestore.TypeString},
			{Name: "details_json", Type: tablestore.TypeString},
		},
	}
}

func EncodeEvent(e Event) tablestore.Row {
	return tablestore.Row{
		"ts":           e.TS,
		"agent_id":     e.AgentID,
		"session_id":   e.SessionID,
		"event":        e.Kind,
		"details_json": e.DetailsJSON,
	}
}

func DecodeEvent(row tablestore.Row) (Event, error) {
	var e Event
	var err error
	if e.TS, err = longOf(eventsTable, row, "ts"); err != nil {
		return Event{}, err
	}
	if e.AgentID, err = stringOf(eventsTable, row, "agent_id"); err != nil {
		return Event{}, err
	}
	if e.SessionID, err = stringOf(eventsTable, row, "session_id"); err != nil {
		return Event{}, err
	}
	if e.Kind, err = stringOf(eventsTable, row, "event"); err != nil {
		return Event{}, err
	}
	if e.DetailsJSON, err = stringOf(eventsTable, row, "details_json"); err != nil {
		return Event{}, err
	}
	return e, nil
}
