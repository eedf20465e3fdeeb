package abr

import (
	"time"

	"kizuna/internal/core/domain"
)

// windowState is the AIMD phase of one viewer's congestion window.
type windowState int

const (
	stateSlowStart windowState = iota
	stateAvoidance
	stateRecovery
)

const (
	// lossBackoffThreshold triggers a multiplicative decrease.
	lossBackoffThreshold = 0.02
	// rttSpikeFactor over rtt_min counts as congestion.
	rttSpikeFactor = 1.5
	// initialWindowMTUs follows the conventional IW10.
	initialWindowMTUs = 10
	minWindowMTUs     = 2
)

// Window is per-viewer AIMD congestion state: slow start below ssthresh,
// additive increase above it, multiplicative decrease on loss or RTT spike,
// and a one-RTT recovery period during which no upshift may happen.
type Window struct {
	cwnd     float64 // bytes
	ssthresh float64
	mtu      float64

	rttMin time.Duration
	state  windowState

	recoveryUntil time.Time
	collapsed     bool
}

// NewWindow starts in slow start with a 10-MTU window.
func NewWindow(mtu int) *Window {
	return &Window{
		cwnd:     float64(initialWindowMTUs * mtu),
		ssthresh: float64(64 * 1024 * 1024), // effectively unbounded until first loss
		mtu:      float64(mtu),
		state:    stateSlowStart,
	}
}

// OnSample folds one congestion sample into the window. elapsed is the time
// covered by the sample window.
func (w *Window) OnSample(s domain.CongestionSample, now time.Time, elapsed time.Duration) {
	if s.RTT > 0 && (w.rttMin == 0 || s.RTT < w.rttMin) {
		w.rttMin = s.RTT
	}

	spike := w.rttMin > 0 && s.RTT > time.Duration(float64(w.rttMin)*rttSpikeFactor)
	if s.LossRate > lossBackoffThreshold || spike {
		w.backoff(now, s.RTT)
		return
	}

	if w.state == stateRecovery {
		if now.Before(w.recoveryUntil) {
			return
		}
		if w.cwnd < w.ssthresh {
			w.state = stateSlowStart
		} else {
			w.state = stateAvoidance
		}
	}

	switch w.state {
	case stateSlowStart:
		// One MTU per ACK: the window grows by the bytes acked.
		w.cwnd += float64(s.BytesAckedWindow)
		if w.cwnd >= w.ssthresh {
			w.cwnd = w.ssthresh
			w.state = stateAvoidance
		}
	case stateAvoidance:
		// One MTU per RTT, scaled to the sample interval.
		rtt := s.RTT
		if rtt <= 0 {
			rtt = elapsed
		}
		if rtt > 0 {
			w.cwnd += w.mtu * float64(elapsed) / float64(rtt)
		}
	}
}

func (w *Window) backoff(now time.Time, rtt time.Duration) {
	w.ssthresh = w.cwnd / 2
	if w.ssthresh < minWindowMTUs*w.mtu {
		w.ssthresh = minWindowMTUs * w.mtu
	}
	w.cwnd = w.ssthresh
	if w.cwnd <= minWindowMTUs*w.mtu {
		w.collapsed = true
	}
	if rtt <= 0 {
		rtt = w.rttMin
	}
	if rtt <= 0 {
		rtt = 100 * time.Millisecond
	}
	w.state = stateRecovery
	w.recoveryUntil = now.Add(rtt)
}

// InRecovery reports whether upshifts are currently forbidden.
func (w *Window) InRecovery(now time.Time) bool {
	return w.state == stateRecovery && now.Before(w.recoveryUntil)
}

// Collapsed returns and clears the collapse flag. A collapse is a critical
// ABR event.
func (w *Window) Collapsed() bool {
	c := w.collapsed
	w.collapsed = false
	return c
}

// Bytes returns the current window size.
func (w *Window) Bytes() int {
	return int(w.cwnd)
}

// Rate converts the window to a send rate in bytes per second.
func (w *Window) Rate() float64 {
	rtt := w.rttMin
	if rtt <= 0 {
		rtt = 100 * time.Millisecond
	}
	return w.cwnd / rtt.Seconds()
}
