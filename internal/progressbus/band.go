package progressbus

// Band is a phase's [low, high] percentComplete allotment per §4.7.
type Band struct {
	Low  int
	High int
}

var (
	BandPreparing             = Band{0, 5}
	BandPullingImages         = Band{5, 40}
	BandInitializingContainer = Band{40, 65}
	BandStartingServices      = Band{65, 95}
	BandFinalizing            = Band{95, 100}
)

// Percent computes band-low + (completed/total) * (band-high - band-low),
// clamped to the band, so callers can report granular progress within a
// phase without ever emitting a decreasing percentComplete.
func (b Band) Percent(completed, total int) int {
	if total <= 0 {
		return b.Low
	}
	if completed >= total {
		return b.High
	}
	if completed <= 0 {
		return b.Low
	}
	span := b.High - b.Low
	return b.Low + (completed*span)/total
}

// Compress maps a band into the kth of n equal slices of [0,100], used by
// the Product Orchestrator to nest a per-stack phase stream into its own
// overall progress (§4.8: stack k of N occupies [(k-1)/N, k/N]).
func Compress(k, n int, innerPercent int) int {
	if n <= 0 {
		return innerPercent
	}
	sliceLow := (k - 1) * 100 / n
	sliceHigh := k * 100 / n
	span := sliceHigh - sliceLow
	return sliceLow + (innerPercent*span)/100
}
