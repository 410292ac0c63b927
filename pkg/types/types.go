package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence used for WAL ordering.
type SeqN = uint64

// CAS is the compare-and-set version stamp attached to every stored value.
// Zero is never issued and means "no CAS".
type CAS uint64

// Timestamp is the wall-clock time of a mutation in unix nanoseconds.
type Timestamp int64

// Flags are opaque client flags stored next to a value.
type Flags uint32

// Exptime is the absolute unix time (seconds) after which an entry is
// treated as absent. Zero means the entry never expires.
type Exptime int64

const (
	// MaxKeySize bounds the length of a key.
	MaxKeySize = 250

	// MaxValueSize bounds the length of a stored value.
	MaxValueSize = 1 << 20
)
