package sampler

import "github.com/nicktill/flightreduce/pkg/telemetry"

// reservoir keeps an evenly strided subset of everything added to it.
// Admitted items always sit at positions that are multiples of stride in
// the input; when the buffer overflows every other item is discarded and
// the stride doubles.
type reservoir struct {
	capacity int
	stride   int
	seen     int
	items    []telemetry.Decision
}

func newReservoir(capacity int) *reservoir {
	return &reservoir{capacity: capacity, stride: 1}
}

func (r *reservoir) add(d telemetry.Decision) {
	if r.capacity <= 0 {
		return
	}
	if r.seen%r.stride == 0 {
		r.items = append(r.items, d)
	}
	r.seen++

	if len(r.items) > r.capacity {
		kept := r.items[:0]
		for i := 0; i < len(r.items); i += 2 {
			kept = append(kept, r.items[i])
		}
		// clear the tail so dropped decisions can be collected
		for i := len(kept); i < len(r.items); i++ {
			r.items[i] = telemetry.Decision{}
		}
		r.items = kept
		r.stride *= 2
	}
}

// spread returns up to n items chosen evenly across the buffer, in order.
func (r *reservoir) spread(n int) []telemetry.Decision {
	if n <= 0 || len(r.items) == 0 {
		return nil
	}
	if len(r.items) <= n {
		out := make([]telemetry.Decision, len(r.items))
		copy(out, r.items)
		return out
	}

	out := make([]telemetry.Decision, 0, n)
	for i := 0; i < n; i++ {
		idx := (2*i + 1) * len(r.items) / (2 * n)
		out = append(out, r.items[idx])
	}
	return out
}

func (r *reservoir) len() int { return len(r.items) }
