//go:build !linux

package health

// otherSampler falls back to the process-RSS heuristic on platforms where
// /proc isn't available; CPU sampling returns 0 since there is no portable
// tick-counter source without cgo.
type otherSampler struct{}

func newPlatformSampler() Sampler {
	return &otherSampler{}
}

func (s *otherSampler) CPUPercent() (float64, error) {
	return 0, nil
}

func (s *otherSampler) MemPercent() (float64, error) {
	return processRSSHeuristic()
}
