package dissent

import (
	"math"

	"github.com/lorenzotomasdiez/roundtable/internal/roundtable"
)

// Detector flags statements whose position breaks from the rolling majority
// lean and that bring at least one point nobody has made yet.
type Detector struct {
	// Window is how many recent statements form the majority estimate.
	Window int
	// Threshold is the minimum |position - majority lean| to count as dissent.
	Threshold float64
	// MinSamples is how many statements must exist before dissent can fire.
	MinSamples int
}

// NewDetector creates a Detector.
func NewDetector(window int, threshold float64, minSamples int) *Detector {
	if window < 1 {
		window = 1
	}
	if minSamples < 1 {
		minSamples = 1
	}
	return &Detector{Window: window, Threshold: threshold, MinSamples: minSamples}
}

// Estimate implements roundtable.DissentDetector. It averages the positions
// of the last Window statements.
func (d *Detector) Estimate(history []roundtable.Statement) roundtable.ConsensusEstimate {
	start := len(history) - d.Window
	if start < 0 {
		start = 0
	}
	recent := history[start:]
	if len(recent) == 0 {
		return roundtable.ConsensusEstimate{}
	}
	sum := 0.0
	for _, s := range recent {
		sum += s.Position
	}
	return roundtable.ConsensusEstimate{Lean: sum / float64(len(recent)), Samples: len(recent)}
}

// Detect implements roundtable.DissentDetector. established must be the index
// as it stood before candidate; the returned signal carries only the new
// points.
func (d *Detector) Detect(candidate roundtable.Statement, estimate roundtable.ConsensusEstimate, established *roundtable.EstablishedPoints) *roundtable.DissentSignal {
	if estimate.Samples < d.MinSamples {
		return nil
	}
	divergence := math.Abs(candidate.Position - estimate.Lean)
	if divergence < d.Threshold {
		return nil
	}
	novel := established.Novel(candidate.KeyPoints)
	if len(novel) == 0 {
		return nil
	}
	return &roundtable.DissentSignal{
		PersonaID:   candidate.PersonaID,
		PersonaName: candidate.PersonaName,
		KeyPoints:   novel,
		Divergence:  divergence,
	}
}
