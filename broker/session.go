package broker

// ConnState is the adapter session state machine:
// DISCONNECTED -> CONNECTING -> CONNECTED, with failed attempts falling back
// to DISCONNECTED.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Connected    ConnState = "CONNECTED"
)

// Session is the per-adapter connection bookkeeping. Adapters hand out
// copies; only the owning adapter mutates its session.
type Session struct {
	Adapter       string    `json:"adapter"`
	State         ConnState `json:"state"`
	Connected     bool      `json:"connected"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	ClientID      int       `json:"client_id"`
	LastError     string    `json:"last_error,omitempty"`
	MasterAccount string    `json:"master_account,omitempty"`
}

// MarkConnected moves the session to CONNECTED and clears LastError.
func (s *Session) MarkConnected() {
	s.State = Connected
	s.Connected = true
	s.LastError = ""
}

// MarkFailed moves the session back to DISCONNECTED and records err.
func (s *Session) MarkFailed(err error) {
	s.State = Disconnected
	s.Connected = false
	if err != nil {
		s.LastError = err.Error()
	}
}

// MarkConnecting flags an in-flight connect attempt.
func (s *Session) MarkConnecting() {
	s.State = Connecting
	s.Connected = false
}
