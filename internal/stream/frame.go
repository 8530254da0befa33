package stream

import (
	"time"

	"github.com/go-gev/gev/internal/bufferpool"
)

// packetState tracks one packet slot within a frame-in-flight's expected
// range. Index K in frameInFlight.packets corresponds to GVSP packet id K
// (0 = leader, expectedPackets-1 = trailer, everything between is payload
// or multipart data).
type packetState struct {
	received        bool
	deadline        time.Time // zero means "not yet tracked for resend"
	resendRequested bool
}

// frameInFlight is the receiver's working state for one block id. It is
// touched only by the receiver's own goroutine; no locking is needed.
type frameInFlight struct {
	frameID uint64
	buffer  *bufferpool.Buffer

	expectedPackets uint32
	packets         []packetState
	// lastValidContiguous is signed so -1 is a legal "none yet" sentinel.
	lastValidContiguous int32

	firstPacketAt time.Time
	lastPacketAt  time.Time
	receivedSize  int

	resendDisabled     bool
	resendRatioReached bool
	leaderReceived     bool
	extendedIDs        bool
	resendRequests     int
	receivedCount      int
}

// onlyLeaderSoFar reports whether the leader is the sole packet received so
// far — used to exempt a brand-new frame from an immediate Timeout close.
func (f *frameInFlight) onlyLeaderSoFar() bool {
	return f.receivedCount == 1 && len(f.packets) > 0 && f.packets[0].received
}

func newFrameInFlight(frameID uint64, buf *bufferpool.Buffer, extended bool) *frameInFlight {
	now := time.Now()
	return &frameInFlight{
		frameID:             frameID,
		buffer:              buf,
		lastValidContiguous: -1,
		firstPacketAt:       now,
		lastPacketAt:        now,
		extendedIDs:         extended,
	}
}

// setExpected (re)sizes the packet-state slice to the given count, zeroing
// state for any newly-added slots and preserving existing ones. Used both
// at frame creation and when a trailer truncates the expected count.
func (f *frameInFlight) setExpected(count uint32) {
	if int(count) == len(f.packets) {
		f.expectedPackets = count
		return
	}
	if int(count) < len(f.packets) {
		f.packets = f.packets[:count]
	} else {
		grown := make([]packetState, count)
		copy(grown, f.packets)
		f.packets = grown
	}
	f.expectedPackets = count
	// lastValidContiguous is never clamped here: per spec.md §3 it "never
	// decreases within a frame", and the original's trailer handler
	// (_process_data_trailer) never touches last_valid_packet when it
	// shrinks n_packets either.
}

// markReceived records receipt of packet id k, growing the slice if k falls
// beyond the currently expected count (can happen if the expected count was
// under-estimated before a corrective trailer arrives). Returns whether this
// was a fresh observation (false means duplicate).
func (f *frameInFlight) markReceived(k uint32) bool {
	if int(k) >= len(f.packets) {
		grown := make([]packetState, k+1)
		copy(grown, f.packets)
		f.packets = grown
		if f.expectedPackets <= k {
			f.expectedPackets = k + 1
		}
	}
	if f.packets[k].received {
		return false
	}
	f.packets[k].received = true
	f.receivedCount++
	return true
}

// advanceLastValidContiguous walks forward from the current pointer while
// subsequent packets are marked received.
func (f *frameInFlight) advanceLastValidContiguous() {
	for int(f.lastValidContiguous)+1 < len(f.packets) && f.packets[f.lastValidContiguous+1].received {
		f.lastValidContiguous++
	}
}

// complete reports whether the frame has received every expected packet.
func (f *frameInFlight) complete() bool {
	return f.expectedPackets > 0 && f.lastValidContiguous == int32(f.expectedPackets)-1
}
