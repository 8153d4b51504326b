package compute

import "sync/atomic"

// Pin is a per-job, one-way fallback switch. The zero value is disengaged.
type Pin struct {
	engaged atomic.Bool
}

// Engage pins the job to the fallback. It reports true only for the call that
// flipped the pin.
func (p *Pin) Engage() bool {
	if p == nil {
		return false
	}
	return p.engaged.CompareAndSwap(false, true)
}

// Engaged reports whether the fallback is pinned.
func (p *Pin) Engaged() bool {
	return p != nil && p.engaged.Load()
}
