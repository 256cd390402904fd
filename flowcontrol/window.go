// File: flowcontrol/window.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Byte-credit window accounting. Independent instances compose: a session
// owns the connection-scope window, each transaction owns a stream-scope
// one, and every debit is applied to both.

package flowcontrol

import (
	"fmt"

	"github.com/momentics/hioload-http/api"
)

// maxWindow bounds granted capacity; a grant pushing past it is a peer
// accounting violation.
const maxWindow = 1<<31 - 1

// Window tracks bytes granted by the peer against bytes consumed and not
// yet acknowledged. Not safe for concurrent use; a window belongs to one
// connection goroutine.
type Window struct {
	granted  int64
	consumed int64
}

// New returns a window with an initial granted capacity.
func New(capacity int) *Window {
	return &Window{granted: int64(capacity)}
}

// Available is the credit left before the window is exhausted.
func (w *Window) Available() int {
	return int(w.granted - w.consumed)
}

// Granted is the total capacity granted so far.
func (w *Window) Granted() int { return int(w.granted) }

// Reserve reports whether amount fits in the remaining credit. Callers that
// cannot reserve pause instead of failing.
func (w *Window) Reserve(amount int) bool {
	return int64(amount) <= w.granted-w.consumed
}

// Consume debits amount. Consuming past the granted capacity is a peer
// protocol violation and is reported, never silently tolerated.
func (w *Window) Consume(amount int) error {
	if int64(amount) > w.granted-w.consumed {
		return api.NewError(api.ErrCodeFlowControl,
			fmt.Sprintf("consumed %d past window of %d", amount, w.granted-w.consumed))
	}
	w.consumed += int64(amount)
	return nil
}

// Grant adds delta to the granted capacity (negative deltas occur when the
// peer lowers its initial window via settings). It reports whether the
// window transitioned from exhausted to available, in which case the owner
// resumes paused egress.
func (w *Window) Grant(delta int) (resumed bool, err error) {
	next := w.granted + int64(delta)
	if next-w.consumed > maxWindow {
		return false, api.NewError(api.ErrCodeFlowControl,
			fmt.Sprintf("window grant of %d overflows", delta))
	}
	wasExhausted := w.granted-w.consumed <= 0
	w.granted = next
	return wasExhausted && w.granted-w.consumed > 0, nil
}

// ReturnCredit acknowledges amount bytes as delivered to the application
// (ingress side), making room for a window update to the peer.
func (w *Window) ReturnCredit(amount int) error {
	if int64(amount) > w.consumed {
		return api.NewError(api.ErrCodeFlowControl,
			fmt.Sprintf("returned %d credit with only %d outstanding", amount, w.consumed))
	}
	w.consumed -= int64(amount)
	return nil
}
