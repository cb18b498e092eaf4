package stats

import "math"

// Reducer accumulates summary statistics for one numeric series in a
// single pass. Mean and variance use Welford's update so long flights do
// not lose precision.
type Reducer struct {
	Count uint64
	Sum   float64
	Min   float64
	Max   float64

	mean float64
	m2   float64
}

// Observe folds one value into the reducer.
func (r *Reducer) Observe(v float64) {
	r.Count++
	r.Sum += v
	if r.Count == 1 {
		r.Min, r.Max = v, v
	} else {
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
	}
	delta := v - r.mean
	r.mean += delta / float64(r.Count)
	r.m2 += delta * (v - r.mean)
}

// Average returns the mean value, 0 when empty.
func (r *Reducer) Average() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.mean
}

// Variance returns the population variance.
func (r *Reducer) Variance() float64 {
	if r.Count < 2 {
		return 0
	}
	return r.m2 / float64(r.Count)
}

// StdDev returns the population standard deviation.
func (r *Reducer) StdDev() float64 {
	return math.Sqrt(r.Variance())
}

// Merge combines another reducer into r as if every value observed by o
// had been observed by r.
func (r *Reducer) Merge(o Reducer) {
	if o.Count == 0 {
		return
	}
	if r.Count == 0 {
		*r = o
		return
	}

	n := r.Count + o.Count
	delta := o.mean - r.mean
	r.m2 += o.m2 + delta*delta*float64(r.Count)*float64(o.Count)/float64(n)
	r.mean += delta * float64(o.Count) / float64(n)
	r.Sum += o.Sum
	r.Count = n
	if o.Min < r.Min {
		r.Min = o.Min
	}
	if o.Max > r.Max {
		r.Max = o.Max
	}
}

// Snapshot writes count/min/max/mean/stddev under prefix into out. Empty
// reducers write nothing.
func (r *Reducer) Snapshot(prefix string, out map[string]float64) {
	if r.Count == 0 {
		return
	}
	out[prefix+".count"] = float64(r.Count)
	out[prefix+".min"] = r.Min
	out[prefix+".max"] = r.Max
	out[prefix+".mean"] = r.Average()
	out[prefix+".stddev"] = r.StdDev()
}
