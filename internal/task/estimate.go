package task

import "time"

// Source says where a progress value came from.
type Source string

const (
	// SourceEstimated is a time-based approximation. The backend reports no
	// incremental progress, so this is never telemetry.
	SourceEstimated Source = "estimated"
	// SourceMeasured is only used for values backed by a real result (100 on
	// completion, 0 before start).
	SourceMeasured Source = "measured"
)

// Estimate is a progress percentage tagged with its provenance.
type Estimate struct {
	Percent int    `json:"percent"`
	Source  Source `json:"source"`
}

// Measured returns a measured progress value.
func Measured(percent int) Estimate {
	return Estimate{Percent: clamp(percent, 0, 100), Source: SourceMeasured}
}

// Estimated returns an estimated progress value.
func Estimated(percent int) Estimate {
	return Estimate{Percent: clamp(percent, 0, 100), Source: SourceEstimated}
}

// EstimateProgress derives a simulated percentage from elapsed time against
// the expected duration. The result never exceeds ceiling and never moves
// below prev, so repeated calls are monotonically non-decreasing.
func EstimateProgress(prev Estimate, startedAt time.Time, expected time.Duration, now time.Time, ceiling int) Estimate {
	if ceiling > 99 {
		ceiling = 99
	}
	if expected <= 0 {
		return Estimated(max(prev.Percent, 0))
	}
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	pct := int(float64(ceiling) * float64(elapsed) / float64(expected))
	pct = clamp(pct, 0, ceiling)
	if prev.Percent > pct {
		pct = prev.Percent
	}
	return Estimated(pct)
}

// Phase is a labelled progress band.
type Phase struct {
	From  int    `yaml:"from" json:"from"`
	Label string `yaml:"label" json:"label"`
}

// DefaultPhases are the human-readable step labels per agent type.
var DefaultPhases = map[AgentType][]Phase{
	AgentWebsite: {
		{From: 0, Label: "Analyzing business profile"},
		{From: 15, Label: "Planning site structure"},
		{From: 35, Label: "Generating pages"},
		{From: 65, Label: "Reviewing and correcting output"},
		{From: 85, Label: "Finalizing website"},
	},
	AgentContent: {
		{From: 0, Label: "Researching business"},
		{From: 25, Label: "Drafting content"},
		{From: 60, Label: "Editing content"},
		{From: 85, Label: "Finalizing content pack"},
	},
	AgentMarketing: {
		{From: 0, Label: "Analyzing market position"},
		{From: 20, Label: "Writing campaign copy"},
		{From: 50, Label: "Building social and email assets"},
		{From: 80, Label: "Assembling marketing kit"},
	},
}

// StepLabel returns the label of the last phase whose band starts at or
// below percent.
func StepLabel(phases []Phase, percent int) string {
	label := ""
	for _, p := range phases {
		if percent >= p.From {
			label = p.Label
		}
	}
	return label
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
