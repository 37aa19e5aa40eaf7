package pool

import "errors"

// SlotState is the rotation state of a buffer slot.
//
// Lifecycle:
//
//	Free → Writing → Ready → Reading(*) → Free
//	         ↑         │
//	         └─────────┘  (reclaim: Ready with zero readers, frame dropped)
type SlotState uint8

const (
	// StateFree: slot holds no valid frame and may be selected for writing.
	StateFree SlotState = iota
	// StateWriting: the producer owns the slot; invisible to readers.
	StateWriting
	// StateReady: published and not yet read.
	StateReady
	// StateReading: held by one or more readers; never selected for writing.
	StateReading
)

// String returns the lower-case state name.
func (s SlotState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateWriting:
		return "writing"
	case StateReady:
		return "ready"
	case StateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// Metadata describes one captured frame. Fields are copied verbatim from the
// frame source; range validation is a consumer concern.
type Metadata struct {
	// FrameID is the sensor frame counter.
	FrameID uint64

	// TimestampEOF is the end-of-exposure time in monotonic clock units.
	TimestampEOF uint64

	// PayloadLen is the number of valid pixel bytes in the slot.
	PayloadLen uint32

	// IntegLines is the integration (exposure) time in sensor lines.
	IntegLines uint32

	// GlobalGain is the analog sensor gain.
	GlobalGain uint32
}

var (
	// ErrClosed is returned by select and acquire calls once the pool is stopped.
	ErrClosed = errors.New("pool: closed")

	// ErrNotReady means no published frame matched the request. It is the
	// normal result of a poll or an acquire whose deadline passed.
	ErrNotReady = errors.New("pool: no frame ready")

	// ErrAllSlotsBusy means every slot is held by readers. The producer drops
	// the frame instead of waiting.
	ErrAllSlotsBusy = errors.New("pool: all slots held by readers")

	// ErrWriteInProgress is a usage error: a second writer tried to select a
	// slot while another one is being written.
	ErrWriteInProgress = errors.New("pool: write already in progress")

	// ErrNotWriter is a usage error: the slot is not the one being written.
	ErrNotWriter = errors.New("pool: slot is not selected for writing")

	// ErrPayloadTooLarge is returned when metadata declares more bytes than
	// a slot can hold.
	ErrPayloadTooLarge = errors.New("pool: payload exceeds slot capacity")

	// ErrAlreadyReleased is returned when a handle is released twice.
	ErrAlreadyReleased = errors.New("pool: handle already released")

	// ErrForeignHandle is returned when releasing a handle from another pool.
	ErrForeignHandle = errors.New("pool: handle not owned by pool")

	// ErrInvalidSlot is returned for an out-of-range slot index.
	ErrInvalidSlot = errors.New("pool: invalid slot index")
)

// Stats is a snapshot of pool counters and slot occupancy.
type Stats struct {
	Slots    int
	SlotSize int

	// Occupancy by state at snapshot time.
	Free    int
	Writing int
	Ready   int
	Reading int

	// Published counts Publish calls; LastSeq is the newest publish sequence.
	Published uint64
	LastSeq   uint64

	// Overwrites counts Ready frames reclaimed before any reader saw them.
	Overwrites uint64

	// Busy counts selections that failed because every slot had readers.
	Busy uint64

	// Aborted counts writes abandoned after a slot was selected.
	Aborted uint64

	Acquired uint64
	Released uint64
}

// SlotInfo describes one slot at snapshot time.
type SlotInfo struct {
	Index    int
	State    SlotState
	Readers  int
	Seq      uint64
	Metadata Metadata
}
