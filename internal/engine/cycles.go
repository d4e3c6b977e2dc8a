package engine

import "github.com/opuskit/opus/internal/piece"

// CycleHit reports one triggered loop monitor.
type CycleHit struct {
	Monitor piece.LoopMonitor
	Count   int
}

// CycleDetector watches the sequence of completed movement names for
// configured repeating patterns. Detection is advisory; the engine emits an
// event and keeps running.
type CycleDetector struct {
	monitors []piece.LoopMonitor
	history  []string
}

func NewCycleDetector(monitors []piece.LoopMonitor) *CycleDetector {
	return &CycleDetector{monitors: monitors}
}

// Observe appends a completed movement name and checks every monitor in
// configured order. The first monitor whose pattern has repeated at least
// threshold times consecutively at the end of history triggers; on a
// trigger the entire history is cleared so the same cycle must repeat in
// full before triggering again.
func (d *CycleDetector) Observe(movement string) *CycleHit {
	d.history = append(d.history, movement)
	for _, m := range d.monitors {
		count := d.consecutiveRepeats(m.Cycle)
		if count >= m.Threshold {
			d.history = nil
			return &CycleHit{Monitor: m, Count: count}
		}
	}
	return nil
}

func (d *CycleDetector) consecutiveRepeats(cycle []string) int {
	n := len(cycle)
	if n == 0 || len(d.history) == 0 {
		return 0
	}
	if d.history[len(d.history)-1] != cycle[n-1] {
		return 0
	}
	count := 0
	for end := len(d.history); end >= n; end -= n {
		block := d.history[end-n : end]
		if !equalNames(block, cycle) {
			break
		}
		count++
	}
	return count
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
