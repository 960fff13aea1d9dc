package mcp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Session owns a TCP connection to one PLC endpoint. It serialises one
// request at a time (I5), enforces read/write timeouts, and reconnects
// lazily on the next call after a transport failure — it never retries a
// failed operation itself (spec.md §4.2, §9 "reconnect policy").
type Session struct {
	host string
	port int

	timeout       time.Duration
	autoReconnect bool
	ap            accessPath

	log   *slog.Logger
	clock clockwork.Clock

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithTimeout sets the connect/send/recv timeout. Default is 1 second.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithAutoReconnect toggles lazy reconnection on the next call after a
// transport failure. Default is enabled.
func WithAutoReconnect(enabled bool) Option {
	return func(s *Session) { s.autoReconnect = enabled }
}

// WithFraming selects the 3E or 4E envelope. Default is Frame3E.
func WithFraming(f Framing) Option {
	return func(s *Session) { s.ap.Framing = f }
}

// WithAccessPath sets the network/PC/unit-IO/unit-station routing
// parameters carried unchanged in every outgoing frame. Defaults are
// network=0, pc=0xFF, unitIO=0x03FF, unitStation=0 (local CPU).
func WithAccessPath(networkNo, unitStation byte, unitIO uint16, pcNo byte) Option {
	return func(s *Session) {
		s.ap.NetworkNo = networkNo
		s.ap.PCNo = pcNo
		s.ap.UnitIO = unitIO
		s.ap.UnitStation = unitStation
	}
}

// WithMonitoringTimer overrides the per-request PLC-side watchdog timer
// (default 0x0020, i.e. 32 * 250ms = 8s).
func WithMonitoringTimer(timer uint16) Option {
	return func(s *Session) { s.ap.MonitorTimer = timer }
}

// WithLogger injects a logger for reconnects, disconnects, and other
// non-fatal conditions. Default is slog.Default(). Never logs payloads.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock injects a clock, primarily for deterministic tests. Default is
// clockwork.NewRealClock().
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewSession constructs a Session bound to host:port. The framing variant
// defaults to 3E; an unsupported framing passed via WithFraming is
// rejected at construction (spec.md §4.2 "construction constraints").
func NewSession(host string, port int, opts ...Option) (*Session, error) {
	s := &Session{
		host:          host,
		port:          port,
		timeout:       1 * time.Second,
		autoReconnect: true,
		ap:            defaultAccessPath(),
		log:           slog.Default(),
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ap.Framing != Frame3E && s.ap.Framing != Frame4E {
		return nil, &ProtocolUsageError{Op: "new-session", Reason: "unsupported framing variant"}
	}
	return s, nil
}

// Connect opens the TCP connection explicitly. It is also called lazily by
// the first operation when auto-reconnect is enabled.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Session) connectLocked() error {
	if s.closed {
		return &SessionClosedError{}
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	conn, err := net.DialTimeout("tcp", addr, s.timeout)
	if err != nil {
		s.connected = false
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return newTimeoutError("connect", err)
		}
		return &CommunicationError{Reason: "failed to connect to " + addr, Cause: err}
	}
	s.conn = conn
	s.connected = true
	s.log.Debug("mcp: connected", "addr", addr, "framing", s.ap.Framing.String())
	return nil
}

// Close releases the transport. Subsequent operations fail with a
// SessionClosedError.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.disconnectLocked()
}

func (s *Session) disconnectLocked() error {
	s.connected = false
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// roundTrip sends frame and returns the raw response, handling connect,
// timeouts, and marking the session disconnected on any transport failure.
// Exactly one request is outstanding at a time (I5): callers must hold mu.
func (s *Session) roundTrip(frame []byte) ([]byte, error) {
	if s.closed {
		return nil, &SessionClosedError{}
	}
	if !s.connected {
		if !s.autoReconnect {
			return nil, &CommunicationError{Reason: "not connected and auto-reconnect is disabled"}
		}
		if err := s.connectLocked(); err != nil {
			return nil, err
		}
	}

	deadline := s.clock.Now().Add(s.timeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		s.disconnectLocked()
		return nil, &CommunicationError{Reason: "failed to set deadline", Cause: err}
	}

	if _, err := s.conn.Write(frame); err != nil {
		s.disconnectLocked()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, newTimeoutError("send", err)
		}
		return nil, &CommunicationError{Reason: "send failed", Cause: err}
	}

	buf := make([]byte, 2048)
	n, err := s.conn.Read(buf)
	if err != nil {
		s.disconnectLocked()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, newTimeoutError("recv", err)
		}
		return nil, &CommunicationError{Reason: "recv failed", Cause: err}
	}

	resp := buf[:n]
	if err := checkResponse(s.ap, resp); err != nil {
		// every communication error, including a non-zero vendor end
		// code, marks the session disconnected (spec.md §7 kind 2).
		s.disconnectLocked()
		return nil, err
	}
	return resp, nil
}

// ReadPoints reads count points of class starting at start. The returned
// values are bool for bit classes, uint16 (via Value.Word) for word
// classes.
func (s *Session) ReadPoints(class string, start uint32, count int) ([]Value, error) {
	info, err := lookupDevice(class)
	if err != nil {
		return nil, err
	}
	if err := checkCount(count, info.kind); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := buildReadRequest(s.ap, class, start, count)
	if err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(frame)
	if err != nil {
		return nil, err
	}
	return parseReadResponse(s.ap, resp, count, info.kind)
}

// ReadPoint reads a single point of class at number.
func (s *Session) ReadPoint(class string, number uint32) (Value, error) {
	values, err := s.ReadPoints(class, number, 1)
	if err != nil {
		return Value{}, err
	}
	return values[0], nil
}

// ReadBits restricts ReadPoints to bit device classes.
func (s *Session) ReadBits(class string, start uint32, count int) ([]bool, error) {
	if !IsBitClass(class) {
		return nil, &ProtocolUsageError{Op: "read-bits", Class: class, Reason: "not a bit device class"}
	}
	values, err := s.ReadPoints(class, start, count)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(values))
	for i, v := range values {
		out[i] = v.Bool()
	}
	return out, nil
}

// ReadWords restricts ReadPoints to word device classes.
func (s *Session) ReadWords(class string, start uint32, count int) ([]uint16, error) {
	if !IsWordClass(class) {
		return nil, &ProtocolUsageError{Op: "read-words", Class: class, Reason: "not a word device class"}
	}
	values, err := s.ReadPoints(class, start, count)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = v.Word()
	}
	return out, nil
}

// WritePoints writes values to class starting at start. The write is a
// single request: it succeeds or fails atomically from the PLC's
// perspective.
func (s *Session) WritePoints(class string, start uint32, values []Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := buildWriteRequest(s.ap, class, start, values)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(frame)
	return err
}

// WritePoint writes a single value to class at number.
func (s *Session) WritePoint(class string, number uint32, value Value) error {
	return s.WritePoints(class, number, []Value{value})
}

// WriteBits restricts WritePoints to bit device classes.
func (s *Session) WriteBits(class string, start uint32, values []bool) error {
	if !IsBitClass(class) {
		return &ProtocolUsageError{Op: "write-bits", Class: class, Reason: "not a bit device class"}
	}
	vs := make([]Value, len(values))
	for i, b := range values {
		vs[i] = BoolValue(b)
	}
	return s.WritePoints(class, start, vs)
}

// WriteWords restricts WritePoints to word device classes.
func (s *Session) WriteWords(class string, start uint32, values []uint16) error {
	if !IsWordClass(class) {
		return &ProtocolUsageError{Op: "write-words", Class: class, Reason: "not a word device class"}
	}
	vs := make([]Value, len(values))
	for i, w := range values {
		vs[i] = WordValue(w)
	}
	return s.WritePoints(class, start, vs)
}

// maxCharsToWords translates a character budget to a conservative word
// count, per spec.md §9: ceil((maxChars*3+1)/2). Preserved exactly as the
// source computes it, over-reading for ASCII.
func maxCharsToWords(maxChars int) int {
	return (maxChars*3 + 2) / 2
}

// ReadString reads a NUL-terminated UTF-8 string starting at start, word
// classes only. maxChars upper-bounds the number of characters.
func (s *Session) ReadString(class string, start uint32, maxChars int) (string, error) {
	if !IsWordClass(class) {
		return "", &ProtocolUsageError{Op: "read-string", Class: class, Reason: "string read is only supported for word devices"}
	}
	wordCount := maxCharsToWords(maxChars)
	words, err := s.ReadPoints(class, start, wordCount)
	if err != nil {
		return "", err
	}
	return decodeStringWords(words)
}

// WriteString writes s to class starting at start, word classes only.
func (s *Session) WriteString(class string, start uint32, str string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := buildWriteStringRequest(s.ap, class, start, str)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(frame)
	return err
}
