package idgen

import (
	"strconv"
	"sync"
	"time"
)

// epochMs is the custom epoch (2024-01-01T00:00:00Z) in milliseconds.
// IDs encode milliseconds since this epoch, which keeps the time component at
// 8 base36 chars until ~2113.
const epochMs int64 = 1704067200000

// nowMs returns milliseconds since epochMs. A variable so tests can override it.
var nowMs = func() int64 {
	return time.Now().UnixMilli() - epochMs
}

// mu, lastMs, and seq make IDs generated within the same millisecond strictly
// ordered: seq increments on a repeated ms and resets on a new one.
var (
	mu     sync.Mutex
	lastMs int64 = -1
	seq    int64
)

// New returns a time-sortable ID: prefix + "-" + 8-char base36 time component
// + 3-char base36 sequence component. Lexicographic order of the suffix equals
// temporal order because base36 digits sort 0-9 then a-z.
//
// IDs from the same process are unique and monotonic up to 36^3 calls per
// millisecond. Across processes the run controller additionally
// collision-checks new run IDs against the artifact store before committing.
func New(prefix string) string {
	mu.Lock()
	ms := nowMs()
	// A clock behind the epoch would produce a "-" sign that is not a base36
	// digit and would break the sort invariant. Clamp instead.
	if ms < 0 {
		ms = 0
	}
	if ms == lastMs {
		seq++
	} else {
		lastMs = ms
		seq = 0
	}
	n := seq % 46656 // 36^3
	mu.Unlock()

	return prefix + "-" + pad(strconv.FormatInt(ms, 36), 8) + pad(strconv.FormatInt(n, 36), 3)
}

func pad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
