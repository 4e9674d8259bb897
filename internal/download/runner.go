package download

import (
	"context"
	"time"
)

// Connection is an open link to one device: commands go out through Write
// and responses come back as notifications.
type Connection interface {
	Write(ctx context.Context, frame []byte) error
	Notifications() <-chan []byte
	Disconnected() <-chan struct{}
	Close() error
}

// Transport opens connections to devices by id.
type Transport interface {
	Connect(ctx context.Context, deviceID string) (Connection, error)
}

type runOptions struct {
	progress func(State)
}

type RunOption func(*runOptions)

// WithProgress registers fn to be called with a snapshot after every step.
func WithProgress(fn func(State)) RunOption {
	return func(o *runOptions) { o.progress = fn }
}

// Run drives s over conn until it reaches a terminal phase. Cancelling ctx
// cancels the session. Run does not close conn.
func Run(ctx context.Context, conn Connection, s *Session, opts ...RunOption) (Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
		armed  uint64
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	notes := conn.Notifications()
	pending := s.Step(Start{})
	for {
		done := false
		for len(pending) > 0 {
			act := pending[0]
			pending = pending[1:]
			switch a := act.(type) {
			case Send:
				if err := conn.Write(ctx, a.Frame); err != nil {
					if ctx.Err() != nil {
						pending = append(pending, s.Step(Cancel{})...)
					} else {
						pending = append(pending, s.Step(WriteFailed{Err: err})...)
					}
				}
			case ArmTimer:
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(a.After)
				timerC = timer.C
				armed = a.Token
			case Finish:
				done = true
			}
		}
		if o.progress != nil {
			o.progress(s.State())
		}
		if done {
			return s.Result()
		}

		var ev Event
		select {
		case <-ctx.Done():
			ev = Cancel{}
		case <-conn.Disconnected():
			ev = Disconnected{}
		case b, ok := <-notes:
			if !ok {
				ev = Disconnected{}
			} else {
				ev = FrameReceived{Data: b}
			}
		case <-timerC:
			timerC = nil
			ev = TimerFired{Token: armed}
		}
		pending = s.Step(ev)
	}
}
