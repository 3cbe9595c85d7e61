package codec

import (
	"time"

	"github.com/basket/tablebus/internal/tablestore"
)

// Status is the lifecycle state of a message. Expired and done are
// terminal status values, not removals; the messages table only grows.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusExpired    Status = "expired"
)

// Message is one queued unit of work. Timestamps are UnixNano; TTL is
// carried in milliseconds as on the wire. LeaseOwner is non-empty iff
// Status is processing.
type Message struct {
	ID             string
	CreatedTS      int64 // logical enqueue time
	IngestTS       int64 // store-observed arrival; diverges from CreatedTS under async ingest
	Topic          string
	SessionID      string
	TaskID         string
	AgentID        string
	Role           string
	MsgType        string
	PayloadJSON    string
	PayloadBlobRef string
	Priority       int32
	TTLMillis      int32
	LeaseOwner     string
	LeaseExpiresTS int64 // 0 = no lease
	Status         Status
	HeartbeatTS    int64
	LatencyMS      float64
	RetryCount     int32
}

// TTL returns the message's max age as a duration.
func (m Message) TTL() time.Duration {
	return time.Duration(m.TTLMillis) * time.Millisecond
}

// Expired reports whether the message has outlived its TTL at now.
func (m Message) Expired(now time.Time) bool {
	if m.TTLMillis <= 0 {
		return false
	}
	return now.UnixNano() > m.CreatedTS+int64(m.TTL())
}

const messagesTable = "agent_messages"

// MessageSpec is the messages table definition. The key makes a
// re-append with the same message_id replace the prior row, which is how
// claim/ack/nack/heartbeat mutate state.
func MessageSpec(namespace string) tablestore.TableSpec {
	return tablestore.TableSpec{
		Name: namespace + messagesTable,
		Schema: []tablestore.Column{
			{Name: "message_id", Type: tablestore.TypeString},
			{Name: "ts", Type: tablestore.TypeLong},
			{Name: "ingest_ts", Type: tablestore.TypeLong},
			{Name: "topic", Type: tablestore.TypeString},
			{Name: "session_id", Type: tablestore.TypeString},
			{Name: "task_id", Type: tablestore.TypeString},
			{Name: "agent_id", Type: tablestore.TypeString},
			{Name: "role", Type: tablestore.TypeString},
			{Name: "msg_type", Type: tablestore.TypeString},
			{Name: "payload_json", Type: tablestore.TypeString},
			{Name: "payload_blob_ref", Type: tablestore.TypeString},
			{Name: "priority", Type: tablestore.TypeInt},
			{Name: "ttl_ms", Type: tablestore.TypeInt},
			{Name: "lease_owner", Type: tablestore.TypeString},
			{Name: "lease_expires_ts", Type: tablestore.TypeLong},
			{Name: "status", Type: tablestore.TypeString},
			{Name: "heartbeat_ts", Type: tablestore.TypeLong},
			{Name: "latency_ms", Type: tablestore.TypeDouble},
			{Name: "retry_count", Type: tablestore.TypeInt},
		},
		KeyColumns: []string{"message_id"},
	}
}

// EncodeMessage serializes a message into its row form.
func EncodeMessage(m Message) tablestore.Row {
	return tablestore.Row{
		"message_id":       m.ID,
		"ts":               m.CreatedTS,
		"ingest_ts":        m.IngestTS,
		"topic":            m.Topic,
		"session_id":       m.SessionID,
		"task_id":          m.TaskID,
		"agent_id":         m.AgentID,
		"role":             m.Role,
		"msg_type":         m.MsgType,
		"payload_json":     m.PayloadJSON,
		"payload_blob_ref": m.PayloadBlobRef,
		"priority":         m.Priority,
		"ttl_ms":           m.TTLMillis,
		"lease_owner":      m.LeaseOwner,
		"lease_expires_ts": m.LeaseExpiresTS,
		"status":           string(m.Status),
		"heartbeat_ts":     m.HeartbeatTS,
		"latency_ms":       m.LatencyMS,
		"retry_count":      m.RetryCount,
	}
}

// DecodeMessage deserializes a store row. Failures wrap ErrMalformedRow.
func DecodeMessage(row tablestore.Row) (Message, error) {
	var m Message
	var err error
	read := func(dst *string, col string) {
		if err == nil {
			*dst, err = stringOf(messagesTable, row, col)
		}
	}
	readLong := func(dst *int64, col string) {
		if err == nil {
			*dst, err = longOf(messagesTable, row, col)
		}
	}
	readInt := func(dst *int32, col string) {
		if err == nil {
			*dst, err = intOf(messagesTable, row, col)
		}
	}

	read(&m.ID, "message_id")
	readLong(&m.CreatedTS, "ts")
	readLong(&m.IngestTS, "ingest_ts")
	read(&m.Topic, "topic")
	read(&m.SessionID, "session_id")
	read(&m.TaskID, "task_id")
	read(&m.AgentID, "agent_id")
	read(&m.Role, "role")
	read(&m.MsgType, "msg_type")
	read(&m.PayloadJSON, "payload_json")
	read(&m.PayloadBlobRef, "payload_blob_ref")
	readInt(&m.Priority, "priority")
	readInt(&m.TTLMillis, "ttl_ms")
	read(&m.LeaseOwner, "lease_owner")
	readLong(&m.LeaseExpiresTS, "lease_expires_ts")
	readLong(&m.HeartbeatTS, "heartbeat_ts")
	readInt(&m.RetryCount, "retry_count")
	if err == nil {
		m.LatencyMS, err = doubleOf(messagesTable, row, "latency_ms")
	}
	if err != nil {
		return Message{}, err
	}

	status, err := stringOf(messagesTable, row, "status")
	if err != nil {
		return Message{}, err
	}
	switch Status(status) {
	case StatusQueued, StatusProcessing, StatusDone, StatusExpired:
		m.Status = Status(status)
	default:
		return Message{}, malformed(messagesTable, "status", status)
	}
	if m.ID == "" {
		return Message{}, malformed(messagesTable, "message_id", "")
	}
	return m, nil
}
