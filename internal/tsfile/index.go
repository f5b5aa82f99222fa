package tsfile

import "sort"

// keyframe is one seek point: the presentation time of a video random
// access point and the offset of its first transport packet.
type keyframe struct {
	ms     int64
	offset int64
}

// keyframeIndex holds seek points in file order. Everything before
// through has been scanned, so gaps never hide a keyframe.
type keyframeIndex struct {
	points  []keyframe
	through int64
}

// add records a keyframe found at or past the scanned frontier. Points at
// or before the frontier are already known.
func (x *keyframeIndex) add(k keyframe) {
	if n := len(x.points); n > 0 && k.offset <= x.points[n-1].offset {
		return
	}
	x.points = append(x.points, k)
}

// advance moves the scanned frontier forward.
func (x *keyframeIndex) advance(offset int64) {
	if offset > x.through {
		x.through = offset
	}
}

// covers reports whether a seek to targetMs can be answered without more
// scanning: a keyframe at or past the target is already known.
func (x *keyframeIndex) covers(targetMs int64) bool {
	for i := len(x.points) - 1; i >= 0; i-- {
		if x.points[i].ms >= targetMs {
			return true
		}
	}
	return false
}

// lookup picks the seek point for targetMs. Backward picks the last
// keyframe at or before the target, forward the first at or after it;
// either falls back to the nearest keyframe on the other side.
func (x *keyframeIndex) lookup(targetMs int64, backward bool) (keyframe, bool) {
	if len(x.points) == 0 {
		return keyframe{}, false
	}

	// Presentation times are not strictly increasing across a file with
	// reordered frames; search a time-sorted copy.
	sorted := make([]keyframe, len(x.points))
	copy(sorted, x.points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ms < sorted[j].ms })

	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].ms >= targetMs })
	switch {
	case backward && i < len(sorted) && sorted[i].ms == targetMs:
		return sorted[i], true
	case backward && i > 0:
		return sorted[i-1], true
	case !backward && i < len(sorted):
		return sorted[i], true
	case i == 0:
		return sorted[0], true
	default:
		return sorted[len(sorted)-1], true
	}
}
