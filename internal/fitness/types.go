package fitness

import (
	"sort"
	"time"

	"darwin/internal/config"
)

// Tier classifies a skill by its composite fitness.
type Tier string

const (
	TierTopPerformer    Tier = "top_performer"
	TierHealthy         Tier = "healthy"
	TierUnderperforming Tier = "underperforming"
	TierFailing         Tier = "failing"
)

// Classify maps a composite score to its tier.
func Classify(total float64, t config.Thresholds) Tier {
	switch {
	case total >= t.TopPerformer:
		return TierTopPerformer
	case total >= t.Healthy:
		return TierHealthy
	case total >= t.Underperforming:
		return TierUnderperforming
	default:
		return TierFailing
	}
}

// Score is one skill's fitness for one evaluation run. Sub-metrics are in
// [0,1]; Trend is already normalized for display ((raw+1)/2, 0.5 = flat).
type Score struct {
	Skill        string  `json:"skill"`
	Adoption     float64 `json:"adoption"`
	Completion   float64 `json:"completion"`
	Efficiency   float64 `json:"efficiency"`
	Trend        float64 `json:"trend"`
	Total        float64 `json:"total"`
	Tier         Tier    `json:"tier"`
	Invocations  int     `json:"invocations"`
	Completions  int     `json:"completions"`
	AvgToolCount float64 `json:"avg_tool_count"`

	// NoData marks a skill with zero invocations in the window. Such a
	// skill still appears in output with all-zero metrics, and the
	// mutation controller treats it as unsampled rather than failing.
	NoData bool `json:"no_data"`
}

// Result is one full evaluation run.
type Result struct {
	GeneratedAt      time.Time        `json:"generated_at"`
	WindowStart      time.Time        `json:"window_start"`
	TotalInvocations int              `json:"total_invocations"`
	Skills           map[string]Score `json:"skills"`
}

// Ranked returns scores ordered by total, descending, ties broken by name
// for stable output.
func (r *Result) Ranked() []Score {
	out := make([]Score, 0, len(r.Skills))
	for _, s := range r.Skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Skill < out[j].Skill
	})
	return out
}
