// Package clock provides the Venue Host's wall-clock source and
// collision-resistant short identifier generation.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock is injected wherever the core needs "now", so tests can control
// time without sleeping.
type Clock interface {
	NowMs() int64
}

// System is the production Clock backed by time.Now.
type System struct{}

// NowMs returns the current wall-clock time in milliseconds since epoch.
func (System) NowMs() int64 {
	return time.Now().UnixMilli()
}

// NewSystem returns the production Clock.
func NewSystem() Clock {
	return System{}
}

// ShortID returns a short, collision-resistant hex identifier suitable
// for peer and file ids that the host itself mints (client-chosen ids
// such as transferId and peerId pass through unchanged per protocol).
func ShortID(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable on this platform.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// NewRoomID mints a room identifier at host startup.
func NewRoomID() string {
	return uuid.NewString()
}

// NewHostFileID mints an id for a file the venue operator adds to the
// host library.
func NewHostFileID() string {
	return uuid.NewString()
}
