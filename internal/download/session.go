package download

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"time"

	"thlogger-gateway/internal/protocol"
)

// maxAddressable is the largest record count a device can expose: data-range
// requests carry a 16-bit start index.
const maxAddressable = 1 << 16

// Event is an input to Session.Step.
type Event interface{ isEvent() }

type (
	Start         struct{}
	FrameReceived struct{ Data []byte }
	TimerFired    struct{ Token uint64 }
	Disconnected  struct{}
	Cancel        struct{}
	WriteFailed   struct{ Err error }
)

func (Start) isEvent()         {}
func (FrameReceived) isEvent() {}
func (TimerFired) isEvent()    {}
func (Disconnected) isEvent()  {}
func (Cancel) isEvent()        {}
func (WriteFailed) isEvent()   {}

// Action is an effect the driver of a Session must carry out.
type Action interface{ isAction() }

type (
	// Send writes Frame to the device's command characteristic.
	Send struct{ Frame []byte }
	// ArmTimer replaces any pending timer. When it elapses the driver feeds
	// back TimerFired with the same Token.
	ArmTimer struct {
		Token uint64
		After time.Duration
	}
	// Finish means the session reached a terminal phase.
	Finish struct{}
)

func (Send) isAction()     {}
func (ArmTimer) isAction() {}
func (Finish) isAction()   {}

type request struct {
	count bool // GET_DATA_COUNT rather than GET_DATA_RANGE
	start uint16
	n     uint16
}

// Session downloads the full record history of one device. It holds no
// goroutines or timers itself; Step consumes one event and returns the
// actions to perform. Run drives it over a Connection.
type Session struct {
	deviceID string
	cfg      Config
	logger   *slog.Logger

	phase         Phase
	reason        Reason
	expectedTotal uint32
	nextIndex     uint32
	received      map[uint32]protocol.RawRecord
	retries       uint8
	outstanding   request
	token         uint64
	resumed       bool
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSession(deviceID string, cfg Config, opts ...Option) *Session {
	s := &Session{
		deviceID: deviceID,
		cfg:      cfg,
		logger:   slog.Default(),
		received: make(map[uint32]protocol.RawRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("device_id", deviceID)
	return s
}

func (s *Session) DeviceID() string { return s.deviceID }

func (s *Session) State() State {
	return State{
		DeviceID:      s.deviceID,
		Phase:         s.phase,
		Reason:        s.reason,
		ExpectedTotal: s.expectedTotal,
		NextIndex:     s.nextIndex,
		Received:      len(s.received),
		Retries:       s.retries,
	}
}

// Step advances the state machine by one event. Events that arrive after the
// session is terminal are ignored.
func (s *Session) Step(ev Event) []Action {
	if s.phase.Terminal() {
		return nil
	}
	switch e := ev.(type) {
	case Start:
		if s.phase != PhaseIdle {
			return nil
		}
		s.logger.Debug("download started", "resumed", s.resumed, "next_index", s.nextIndex)
		return s.requestCount()
	case FrameReceived:
		return s.onFrame(e.Data)
	case TimerFired:
		if e.Token != s.token {
			return nil
		}
		return s.onTimer()
	case Disconnected:
		return s.fail(ReasonConnectionLost)
	case WriteFailed:
		s.logger.Warn("write to device failed", "error", e.Err)
		return s.fail(ReasonConnectionLost)
	case Cancel:
		return s.fail(ReasonCancelled)
	}
	return nil
}

func (s *Session) onTimer() []Action {
	switch s.phase {
	case PhaseRequestingCount, PhaseRequestingChunk:
		return s.retry("timeout")
	case PhaseRetrying:
		return s.resend()
	}
	return nil
}

func (s *Session) onFrame(data []byte) []Action {
	switch s.phase {
	case PhaseRequestingCount:
		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			s.logger.Warn("bad count response", "error", err)
			return s.retry("decode")
		}
		switch r := resp.(type) {
		case protocol.DataCount:
			return s.onCount(r.Total)
		case protocol.ErrorFrame:
			s.logger.Warn("device rejected count request", "code", r.Code)
			return s.retry("device error")
		default:
			s.logger.Debug("discarding unexpected frame", "code", resp.ResponseCode())
			return nil
		}

	case PhaseRequestingChunk:
		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			dr, partial := resp.(protocol.DataRange)
			if partial && errors.Is(err, protocol.ErrTruncatedFrame) && dr.StartIndex != s.outstanding.start {
				s.logger.Debug("discarding stale truncated range", "start", dr.StartIndex)
				return nil
			}
			s.logger.Warn("bad range response", "start", s.outstanding.start, "error", err)
			return s.retry("decode")
		}
		switch r := resp.(type) {
		case protocol.DataRange:
			if r.StartIndex != s.outstanding.start {
				s.logger.Debug("discarding stale range", "start", r.StartIndex, "want", s.outstanding.start)
				return nil
			}
			s.phase = PhaseValidating
			return s.validate(r.Records)
		case protocol.ErrorFrame:
			s.logger.Warn("device rejected range request", "start", s.outstanding.start, "code", r.Code)
			return s.retry("device error")
		default:
			s.logger.Debug("discarding unexpected frame", "code", resp.ResponseCode())
			return nil
		}
	}
	return nil
}

func (s *Session) onCount(total uint32) []Action {
	if s.resumed && total < s.nextIndex {
		s.logger.Warn("device count below resume point", "total", total, "next_index", s.nextIndex)
		return s.fail(ReasonDeviceReset)
	}
	if total > maxAddressable {
		s.logger.Warn("device reports more records than addressable", "total", total)
		return s.fail(ReasonCountOutOfRange)
	}
	s.expectedTotal = total
	s.retries = 0
	if uint32(len(s.received)) >= total {
		return s.complete()
	}
	return s.requestChunk()
}

func (s *Session) validate(records []protocol.RawRecord) []Action {
	lo := uint32(s.outstanding.start)
	hi := lo + uint32(s.outstanding.n)
	accepted := uint32(0)
	for _, rec := range records {
		if rec.Index < lo || rec.Index >= hi {
			s.logger.Debug("rejecting record outside request", "index", rec.Index)
			continue
		}
		if _, dup := s.received[rec.Index]; dup {
			s.logger.Debug("rejecting duplicate record", "index", rec.Index)
			continue
		}
		s.received[rec.Index] = rec
		accepted++
	}
	if accepted == 0 {
		return s.retry("no new records")
	}
	// Accepted records are always a prefix of [lo, hi): the codec derives
	// indices from the frame's start index.
	s.nextIndex += accepted
	s.retries = 0
	if uint32(len(s.received)) >= s.expectedTotal {
		return s.complete()
	}
	return s.requestChunk()
}

func (s *Session) requestCount() []Action {
	s.phase = PhaseRequestingCount
	s.outstanding = request{count: true}
	return []Action{Send{Frame: protocol.MustEncode(protocol.GetDataCount())}, s.arm(s.cfg.ChunkTimeout)}
}

func (s *Session) requestChunk() []Action {
	remaining := s.expectedTotal - uint32(len(s.received))
	n := uint32(s.cfg.ChunkSize)
	if remaining < n {
		n = remaining
	}
	s.phase = PhaseRequestingChunk
	s.outstanding = request{start: uint16(s.nextIndex), n: uint16(n)}
	return s.sendOutstanding()
}

func (s *Session) sendOutstanding() []Action {
	frame := protocol.MustEncode(protocol.GetDataRange(s.outstanding.start, s.outstanding.n))
	return []Action{Send{Frame: frame}, s.arm(s.cfg.ChunkTimeout)}
}

func (s *Session) resend() []Action {
	if s.outstanding.count {
		return s.requestCount()
	}
	s.phase = PhaseRequestingChunk
	return s.sendOutstanding()
}

func (s *Session) retry(cause string) []Action {
	// Compared before incrementing so MaxRetries 255 cannot wrap the counter.
	if s.retries >= s.cfg.MaxRetries {
		s.logger.Warn("giving up after retries", "cause", cause, "retries", s.retries, "next_index", s.nextIndex)
		return s.fail(ReasonTimedOut)
	}
	s.retries++
	s.logger.Debug("retrying request", "cause", cause, "attempt", s.retries, "start", s.outstanding.start)
	s.phase = PhaseRetrying
	return []Action{s.arm(s.cfg.RetryDelay)}
}

func (s *Session) arm(d time.Duration) Action {
	s.token++
	return ArmTimer{Token: s.token, After: d}
}

func (s *Session) complete() []Action {
	s.phase = PhaseCompleted
	s.token++
	s.logger.Info("download completed", "records", len(s.received))
	return []Action{Finish{}}
}

func (s *Session) fail(r Reason) []Action {
	s.phase = PhaseFailed
	s.reason = r
	s.token++
	s.logger.Warn("download failed", "reason", r.String(), "next_index", s.nextIndex, "received", len(s.received))
	return []Action{Finish{}}
}

// Result is the ordered record set of a completed session.
type Result struct {
	DeviceID      string
	ExpectedTotal uint32
	Records       []protocol.RawRecord
}

// Result returns the downloaded records sorted by index. It fails unless the
// session completed.
func (s *Session) Result() (Result, error) {
	switch s.phase {
	case PhaseCompleted:
		return Result{DeviceID: s.deviceID, ExpectedTotal: s.expectedTotal, Records: s.Records()}, nil
	case PhaseFailed:
		return Result{}, s.State().Err()
	default:
		return Result{}, ErrNotCompleted
	}
}

// Records returns a sorted copy of everything accepted so far.
func (s *Session) Records() []protocol.RawRecord {
	out := make([]protocol.RawRecord, 0, len(s.received))
	for _, r := range s.received {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b protocol.RawRecord) int { return cmp.Compare(a.Index, b.Index) })
	return out
}

// Resume returns a fresh session that keeps the records accepted by a failed
// one. It re-queries the device count and continues from NextIndex.
func (s *Session) Resume() (*Session, error) {
	if s.phase != PhaseFailed {
		return nil, ErrNotResumable
	}
	next := &Session{
		deviceID:  s.deviceID,
		cfg:       s.cfg,
		logger:    s.logger,
		nextIndex: s.nextIndex,
		received:  make(map[uint32]protocol.RawRecord, len(s.received)),
		resumed:   true,
	}
	for k, v := range s.received {
		next.received[k] = v
	}
	return next, nil
}
