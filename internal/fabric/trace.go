package fabric

// #region ring
// ring is a fixed-capacity FIFO of records. Pushing into a full ring drops
// the oldest record.
type ring struct {
	buf     []CorrectionRecord
	head    int // index of the oldest record
	size    int
	dropped int64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]CorrectionRecord, capacity)}
}

func (r *ring) push(rec CorrectionRecord) {
	if len(r.buf) == 0 {
		r.dropped++
		return
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = rec
		r.head = (r.head + 1) % len(r.buf)
		r.dropped++
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = rec
	r.size++
}

// snapshot returns the records oldest first.
func (r *ring) snapshot() []CorrectionRecord {
	out := make([]CorrectionRecord, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// drain returns the records oldest first and empties the ring.
func (r *ring) drain() []CorrectionRecord {
	out := r.snapshot()
	for i := range r.buf {
		r.buf[i] = CorrectionRecord{}
	}
	r.head = 0
	r.size = 0
	return out
}

// #endregion ring
