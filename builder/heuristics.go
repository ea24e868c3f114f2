package builder

// After this many points (per worker), the clipper is clipped, which
// reference-decrements the chunks untouched for two windows and lets the
// cache serialize them.
const SleepCount = 65536 * 32

// How many unreferenced chunks to keep alive in the chunk cache before a
// purge.
const CacheSize = 64

// Serialization costs more than tree work, so given a total thread count we
// hand the larger share to the clip pool.  This is the work share.
const DefaultWorkToClipRatio = 0.33

// Max number of nodes stored in a single hierarchy file.
const MaxHierarchyNodesPerFile = 32768

// Threads splits a build's thread budget between the work pool (one task
// per source file) and the clip pool (background serializers).
type Threads struct {
	Work int
	Clip int
}

// NewThreads applies the work-to-clip ratio to a total.
func NewThreads(total int) Threads {
	if total < 1 {
		total = 1
	}
	work := int(float64(total)*DefaultWorkToClipRatio + 0.5)
	if work < 1 {
		work = 1
	}
	if work > total {
		work = total
	}
	return Threads{Work: work, Clip: total - work}
}

// Total returns the combined thread count.
func (t Threads) Total() int {
	total := t.Work + t.Clip
	if total < 1 {
		return 1
	}
	return total
}
