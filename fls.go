package fiber

import "sync"

// flsIndex is a single process-wide bitmap of in-use FLS slot indices,
// guarded by its own mutex (spec §5: "the process-wide FLS index bitmap
// is protected by a dedicated mutex").
var flsIndex = struct {
	sync.Mutex
	used []bool
}{}

// FlsAlloc returns the lowest free fiber-local-storage slot index, marking
// it in use. Growth is unbounded.
func FlsAlloc() int {
	flsIndex.Lock()
	defer flsIndex.Unlock()

	for i, u := range flsIndex.used {
		if !u {
			flsIndex.used[i] = true
			return i
		}
	}

	flsIndex.used = append(flsIndex.used, true)
	return len(flsIndex.used) - 1
}

// FlsFree marks idx free for reuse. Per spec §4.1 it does not clear
// per-fiber values already stored at idx on any fiber — a later FlsAlloc
// that returns the same index will observe whatever was last written
// there by any fiber that never cleared it itself.
func FlsFree(idx int) {
	flsIndex.Lock()
	defer flsIndex.Unlock()
	if idx >= 0 && idx < len(flsIndex.used) {
		flsIndex.used[idx] = false
	}
}

// FlsGet returns the current fiber's value at idx, or 0 if never set.
func FlsGet(idx int) uint64 {
	f := Current()
	f.flsMu.Lock()
	defer f.flsMu.Unlock()
	if idx < 0 || idx >= len(f.fls) {
		return 0
	}
	return f.fls[idx]
}

// FlsSet stores val at idx in the current fiber's slot vector, growing it
// as needed.
func FlsSet(idx int, val uint64) {
	f := Current()
	f.flsMu.Lock()
	defer f.flsMu.Unlock()
	if idx >= len(f.fls) {
		grown := make([]uint64, idx+1)
		copy(grown, f.fls)
		f.fls = grown
	}
	f.fls[idx] = val
}
