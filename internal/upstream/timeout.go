package upstream

import "time"

// TimeoutReason names which threshold fired.
type TimeoutReason string

const (
	TotalTimeout TimeoutReason = "TOTAL_TIMEOUT"
	IdleTimeout  TimeoutReason = "IDLE_TIMEOUT"
)

// StreamTimeoutMonitor enforces the two stream-level thresholds from
// component C8: a hard ceiling on total stream duration, and an idle
// ceiling reset by every chunk received. Watch returns a channel that
// fires at most once, with the reason the monitor aborted the stream (or
// never fires, if Stop is called first).
type StreamTimeoutMonitor struct {
	totalTimeout time.Duration
	idleTimeout  time.Duration

	idleReset chan struct{}
	fired     chan TimeoutReason
	stop      chan struct{}
}

func NewStreamTimeoutMonitor(totalTimeout, idleTimeout time.Duration) *StreamTimeoutMonitor {
	return &StreamTimeoutMonitor{
		totalTimeout: totalTimeout,
		idleTimeout:  idleTimeout,
		idleReset:    make(chan struct{}, 1),
		fired:        make(chan TimeoutReason, 1),
		stop:         make(chan struct{}),
	}
}

// Watch starts the monitor's background goroutine and returns the channel
// it signals on timeout.
func (m *StreamTimeoutMonitor) Watch() <-chan TimeoutReason {
	go m.run()
	return m.fired
}

// ResetIdle is called on receipt of any chunk; it restarts the idle
// clock without touching the total-duration deadline.
func (m *StreamTimeoutMonitor) ResetIdle() {
	select {
	case m.idleReset <- struct{}{}:
	default:
	}
}

// Stop halts the monitor without firing. Safe to call multiple times.
func (m *StreamTimeoutMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *StreamTimeoutMonitor) run() {
	totalTimer := time.NewTimer(m.totalTimeout)
	idleTimer := time.NewTimer(m.idleTimeout)
	defer totalTimer.Stop()
	defer idleTimer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-totalTimer.C:
			m.emit(TotalTimeout)
			return
		case <-idleTimer.C:
			m.emit(IdleTimeout)
			return
		case <-m.idleReset:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(m.idleTimeout)
		}
	}
}

func (m *StreamTimeoutMonitor) emit(reason TimeoutReason) {
	select {
	case m.fired <- reason:
	default:
	}
}
