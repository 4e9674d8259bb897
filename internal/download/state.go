package download

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the session's position in the download state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequestingCount
	PhaseRequestingChunk
	PhaseValidating
	PhaseRetrying
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequestingCount:
		return "requesting_count"
	case PhaseRequestingChunk:
		return "requesting_chunk"
	case PhaseValidating:
		return "validating"
	case PhaseRetrying:
		return "retrying"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// Reason explains why a session ended in PhaseFailed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonConnectionLost
	ReasonTimedOut
	ReasonCancelled
	ReasonCountOutOfRange
	ReasonDeviceReset
)

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrDownloadTimedOut = errors.New("download timed out")
	ErrCancelled        = errors.New("download cancelled")
	ErrCountOutOfRange  = errors.New("record count not addressable")
	ErrDeviceReset      = errors.New("device record count went backwards")
	ErrNotCompleted     = errors.New("session not completed")
	ErrNotResumable     = errors.New("session not resumable")
)

func (r Reason) Err() error {
	switch r {
	case ReasonConnectionLost:
		return ErrConnectionLost
	case ReasonTimedOut:
		return ErrDownloadTimedOut
	case ReasonCancelled:
		return ErrCancelled
	case ReasonCountOutOfRange:
		return ErrCountOutOfRange
	case ReasonDeviceReset:
		return ErrDeviceReset
	default:
		return nil
	}
}

func (r Reason) String() string {
	if err := r.Err(); err != nil {
		return err.Error()
	}
	return "none"
}

// SessionError is returned for every terminal failure. It unwraps to the
// sentinel matching Reason, so callers can use errors.Is(err, ErrConnectionLost).
type SessionError struct {
	DeviceID  string
	Reason    Reason
	NextIndex uint32
	Received  int
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("download %s: %s (next_index=%d, received=%d)", e.DeviceID, e.Reason, e.NextIndex, e.Received)
}

func (e *SessionError) Unwrap() error { return e.Reason.Err() }

// State is a read-only snapshot of a session.
type State struct {
	DeviceID      string `json:"device_id"`
	Phase         Phase  `json:"-"`
	Reason        Reason `json:"-"`
	ExpectedTotal uint32 `json:"expected_total"`
	NextIndex     uint32 `json:"next_index"`
	Received      int    `json:"received"`
	Retries       uint8  `json:"retries"`
}

// Err is nil unless the session failed.
func (s State) Err() error {
	if s.Phase != PhaseFailed {
		return nil
	}
	return &SessionError{DeviceID: s.DeviceID, Reason: s.Reason, NextIndex: s.NextIndex, Received: s.Received}
}

// Config is the chunking and retry policy of a session.
type Config struct {
	// ChunkSize is the number of records asked for per data-range request.
	ChunkSize uint16
	// MaxRetries is how many times one request is re-sent before the session fails.
	MaxRetries uint8
	// ChunkTimeout bounds the wait for the answer to one request.
	ChunkTimeout time.Duration
	// RetryDelay is the pause before a request is re-sent.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:    100,
		MaxRetries:   3,
		ChunkTimeout: 5 * time.Second,
		RetryDelay:   50 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.ChunkSize == 0 {
		return errors.New("chunk size must be positive")
	}
	if c.ChunkTimeout <= 0 {
		return fmt.Errorf("chunk timeout must be positive, got %v", c.ChunkTimeout)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %v", c.RetryDelay)
	}
	return nil
}
