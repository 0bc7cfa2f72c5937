package audit

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry kinds.
const (
	KindDecision   = "decision"
	KindExecution  = "execution"
	KindEscalation = "escalation"
	KindAssignment = "assignment"
)

// Entry is one line in the hash-chained JSONL audit log.
// All fields are scalars (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp  string `json:"ts"`
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	Requester  string `json:"requester,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	DriverID   string `json:"driver_id,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Tier       string `json:"tier,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	TicketID   string `json:"ticket_id,omitempty"`
	PrevHash   string `json:"prev_hash"`
}

// Sink receives audit entries. Implementations must be safe for concurrent use.
type Sink interface {
	Record(entry Entry) error
	Close() error
}

// Bool returns a pointer to b for Entry.Success.
func Bool(b bool) *bool {
	return &b
}
