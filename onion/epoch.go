package onion

import (
	"errors"
	"time"
)

// PingIDWindow is the lifetime of one announce ping id window.
const PingIDWindow = 300 * time.Second

// epochs splits time into fixed windows counted from the Unix epoch. Announce
// ping ids are bound to a window so that a client must come back within one
// window to prove it can receive at its address.
type epochs struct {
	duration time.Duration
}

func newEpochs(duration time.Duration) (epochs, error) {
	if duration <= 0 {
		return epochs{}, errors.New("epoch duration must be positive")
	}
	return epochs{duration: duration}, nil
}

// At returns the window number for t. Times before the Unix epoch are
// window 0.
func (e epochs) At(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns <= 0 {
		return 0
	}
	return uint64(ns / int64(e.duration))
}

// Recent returns the windows accepted at t: the current one and the one
// before it.
func (e epochs) Recent(t time.Time) []uint64 {
	current := e.At(t)
	if current == 0 {
		return []uint64{0}
	}
	return []uint64{current, current - 1}
}
