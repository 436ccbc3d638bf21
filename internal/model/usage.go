package model

import "fmt"

// UsagePeriods is the append-only sequence of per-period cumulative byte
// counts for one subscription. A new period opens whenever the node-side
// counter is observed going backwards.
type UsagePeriods []int64

// Total returns the lifetime usage across all periods
func (p UsagePeriods) Total() int64 {
	var total int64
	for _, v := range p {
		total += v
	}
	return total
}

// Last returns the open period's value and whether one exists
func (p UsagePeriods) Last() (int64, bool) {
	if len(p) == 0 {
		return 0, false
	}
	return p[len(p)-1], true
}

// Append opens a new period with v
func (p UsagePeriods) Append(v int64) UsagePeriods {
	out := make(UsagePeriods, len(p), len(p)+1)
	copy(out, p)
	return append(out, v)
}

// SetLast overwrites the open period. A decrease is rejected.
func (p UsagePeriods) SetLast(v int64) (UsagePeriods, error) {
	if len(p) == 0 {
		return UsagePeriods{v}, nil
	}
	last := p[len(p)-1]
	if v < last {
		return p, fmt.Errorf("usage period cannot decrease from %d to %d", last, v)
	}
	out := p.Clone()
	out[len(out)-1] = v
	return out, nil
}

// CheckAdvance reports whether next may replace p. Periods are append-only:
// closed periods never change and the open period never decreases.
func (p UsagePeriods) CheckAdvance(next UsagePeriods) error {
	if len(next) < len(p) {
		return fmt.Errorf("usage periods cannot shrink from %d to %d", len(p), len(next))
	}
	for i := 0; i < len(p)-1; i++ {
		if next[i] != p[i] {
			return fmt.Errorf("closed usage period %d cannot change from %d to %d", i, p[i], next[i])
		}
	}
	if i := len(p) - 1; i >= 0 && next[i] < p[i] {
		return fmt.Errorf("usage period %d cannot decrease from %d to %d", i, p[i], next[i])
	}
	return nil
}

// Clone returns a copy that shares no backing array with p
func (p UsagePeriods) Clone() UsagePeriods {
	if p == nil {
		return nil
	}
	out := make(UsagePeriods, len(p))
	copy(out, p)
	return out
}

// TrafficStats holds cumulative counters reported by a node for one identity
type TrafficStats struct {
	Uplink   int64 `json:"uplink"`
	Downlink int64 `json:"downlink"`
}

// Total returns uplink plus downlink
func (s TrafficStats) Total() int64 {
	return s.Uplink + s.Downlink
}
