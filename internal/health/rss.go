package health

import "runtime"

// processRSSHeuristic approximates memory pressure from this process's own
// heap usage when system-wide memory stats aren't available. It is a rough
// stand-in, not a system memory percentage; callers only reach for it when
// /proc (or the platform equivalent) is inaccessible.
func processRSSHeuristic() (float64, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	// HeapSys is the process's reserved heap; compare live heap usage
	// against it as a crude pressure signal clamped to [0,100].
	if stats.HeapSys == 0 {
		return 0, nil
	}
	pct := float64(stats.HeapAlloc) / float64(stats.HeapSys) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}
