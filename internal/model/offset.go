package model

// NextOffset returns the gateway offset for a device appended to existing.
//
// The allocator is append-only: the new device starts right after the device
// holding the highest offset. Gaps left by deleted devices are never reused.
// When several devices share the highest offset the first one in slice order
// decides the size, which is arbitrary from the caller's point of view.
func NextOffset(existing []Device) int {
	if len(existing) == 0 {
		return 0
	}
	last := existing[0]
	for _, d := range existing[1:] {
		if d.Offset > last.Offset {
			last = d
		}
	}
	return last.Offset + last.Size()
}

// Overlaps reports whether the register spans of a and b intersect.
func Overlaps(a, b Device) bool {
	as, ae := a.Span()
	bs, be := b.Span()
	if as == ae || bs == be {
		return false
	}
	return as < be && bs < ae
}
