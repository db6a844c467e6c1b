package upload

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/i18n"
)

// Stage is one named backend pipeline phase with its nominal duration.
type Stage struct {
	Label string
	ETA   time.Duration
}

// Stages is the fixed, ordered pipeline stage table. Labels are i18n keys.
var Stages = []Stage{
	{Label: i18n.StageCleaning, ETA: 5 * time.Second},
	{Label: i18n.StageRefunds, ETA: 8 * time.Second},
	{Label: i18n.StageProductCluster, ETA: 12 * time.Second},
	{Label: i18n.StageSegmentation, ETA: 15 * time.Second},
	{Label: i18n.StageClassification, ETA: 18 * time.Second},
	{Label: i18n.StagePrediction, ETA: 10 * time.Second},
	{Label: i18n.StageReportShap, ETA: 12 * time.Second},
}

// TotalStageETA is the sum of all stage ETAs.
var TotalStageETA = func() time.Duration {
	var total time.Duration
	for _, s := range Stages {
		total += s.ETA
	}
	return total
}()

// EstimateSource says which rule produced a remaining-time estimate.
type EstimateSource string

const (
	SourceServer  EstimateSource = "server"
	SourcePercent EstimateSource = "percent"
	SourceStatic  EstimateSource = "static"
)

// Estimate is a remaining-time estimate for the running pipeline.
type Estimate struct {
	RemainingSec int            `json:"remaining_sec"`
	Percent      *float64       `json:"percent,omitempty"`
	Source       EstimateSource `json:"source"`
}

// EstimateRemaining applies, in order: the server-supplied estimate, the
// elapsed/percent extrapolation when 0 < percent < 100, and the static stage
// total minus elapsed time.
func EstimateRemaining(st *backend.PipelineStatus, elapsed time.Duration) Estimate {
	secs := wholeSeconds(elapsed)
	var pct *float64
	if st != nil && st.Percent != nil {
		v := *st.Percent
		pct = &v
	}

	if st != nil && st.EstimatedRemainingSec != nil {
		return Estimate{RemainingSec: int(math.Round(*st.EstimatedRemainingSec)), Percent: pct, Source: SourceServer}
	}
	if pct != nil && *pct > 0 && *pct < 100 && secs > 0 {
		rem := math.Round(float64(secs) * (100 - *pct) / *pct)
		return Estimate{RemainingSec: int(math.Max(0, rem)), Percent: pct, Source: SourcePercent}
	}

	rem := wholeSeconds(TotalStageETA) - secs
	if rem < 0 {
		rem = 0
	}
	return Estimate{RemainingSec: rem, Source: SourceStatic}
}

// Describe renders the estimate as a localized sentence.
func (e Estimate) Describe(p *i18n.Printer) string {
	switch e.Source {
	case SourceServer:
		pct := ""
		if e.Percent != nil {
			pct = formatPercent(*e.Percent) + "%"
		}
		return p.Sprintf(i18n.MsgRemainingServer, e.RemainingSec, pct)
	case SourcePercent:
		return p.Sprintf(i18n.MsgRemainingPercent, e.RemainingSec, formatPercent(*e.Percent))
	default:
		return p.Sprintf(i18n.MsgRemainingStatic, e.RemainingSec)
	}
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// StageIndex infers the active stage. A "Stage N" prefix on current_stage
// (or on the message) wins; otherwise elapsed time is walked against the
// cumulative ETAs. The result is always a valid index into Stages.
func StageIndex(st *backend.PipelineStatus, elapsed time.Duration) int {
	if idx, ok := stageFromStatus(st); ok {
		return idx
	}
	return stageFromElapsed(elapsed)
}

func stageFromStatus(st *backend.PipelineStatus) (int, bool) {
	if st == nil || st.CurrentStage == "" {
		return 0, false
	}
	for i := range Stages {
		prefix := fmt.Sprintf("Stage %d", i+1)
		if strings.HasPrefix(st.CurrentStage, prefix) || strings.HasPrefix(st.Message, prefix) {
			return i, true
		}
	}
	return 0, false
}

func stageFromElapsed(elapsed time.Duration) int {
	secs := wholeSeconds(elapsed)
	cumulative := 0
	for i, s := range Stages {
		cumulative += wholeSeconds(s.ETA)
		if secs < cumulative {
			return i
		}
	}
	return len(Stages) - 1
}

func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// StageView is a localized stage row for progress displays.
type StageView struct {
	Index  int    `json:"index"`
	Label  string `json:"label"`
	ETASec int    `json:"eta_sec"`
	State  string `json:"state"`
}

// StageViews renders the stage table relative to the active index.
func StageViews(p *i18n.Printer, active int) []StageView {
	out := make([]StageView, 0, len(Stages))
	for i, s := range Stages {
		state := "pending"
		switch {
		case i < active:
			state = "done"
		case i == active:
			state = "active"
		}
		out = append(out, StageView{Index: i, Label: p.Sprintf(s.Label), ETASec: wholeSeconds(s.ETA), State: state})
	}
	return out
}
