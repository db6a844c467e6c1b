// Package report normalizes /report/latest payloads into the display model
// rendered by the viewer.
package report

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// KPIs are the overview headline figures.
type KPIs struct {
	AverageSpend    Number `json:"averageSpend"`
	AverageTrend    Number `json:"averageTrend"`
	PremiumMembers  Number `json:"premiumMembers"`
	PremiumTrend    Number `json:"premiumTrend"`
	Engagement      Number `json:"engagement"`
	EngagementTrend Number `json:"engagementTrend"`
}

// KeyMetric is one realtime tile. Key is stable across locales.
type KeyMetric struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Value Number `json:"value"`
	Trend Number `json:"trend"`
}

type Realtime struct {
	UpdatedAt   string          `json:"updatedAt"`
	CompareDate string          `json:"compareDate"`
	Days        json.RawMessage `json:"days"`
	KeyMetrics  []KeyMetric     `json:"keyMetrics"`
}

type Stage4Metrics struct {
	TrainRows    Number `json:"trainRows"`
	TestRows     Number `json:"testRows"`
	Silhouette   Number `json:"silhouette"`
	AvgBasket    Number `json:"avgBasket"`
	OverallTrend Number `json:"overallTrend"`
}

type Stage4 struct {
	Metrics  Stage4Metrics   `json:"metrics"`
	Segments json.RawMessage `json:"segments"`
}

// Analytics holds the per-stage bundle. Stage payloads other than the stage4
// metrics are backend-defined and passed through untouched.
type Analytics struct {
	RefreshedAt    *time.Time      `json:"refreshedAt"`
	Stage3         json.RawMessage `json:"stage3"`
	Stage4         Stage4          `json:"stage4"`
	Stage5         json.RawMessage `json:"stage5"`
	Stage6         json.RawMessage `json:"stage6"`
	ShapImages     json.RawMessage `json:"shap_images"`
	ShapImportance json.RawMessage `json:"shap_importance"`
	ShapValues     json.RawMessage `json:"shap_values"`
}

// Display is the normalized view model. It is replaced wholesale on every
// successful fetch and never edited in place.
type Display struct {
	Label        string          `json:"label"`
	TotalMembers Number          `json:"totalMembers"`
	Regions      json.RawMessage `json:"regions"`
	KPIs         KPIs            `json:"kpis"`
	Realtime     Realtime        `json:"realtime"`
	Analytics    Analytics       `json:"analytics"`
}

var (
	emptyList         = json.RawMessage(`[]`)
	emptyObject       = json.RawMessage(`{}`)
	emptyShapImages   = json.RawMessage(`{"summary":null,"beeswarm":null,"models":{}}`)
	emptyStage5       = json.RawMessage(`{"bestModel":null,"models":[]}`)
	emptyStage6       = json.RawMessage(`{"models":[]}`)
	placeholderStage3 = json.RawMessage(`{"description":"KMeans (k = 5)","silhouette":0,"clusters":[]}`)
)

// Placeholder is the display shown before the first successful fetch.
func Placeholder() Display {
	return Display{
		TotalMembers: Num(0),
		Regions:      emptyList,
		Realtime: Realtime{
			Days:       emptyList,
			KeyMetrics: []KeyMetric{},
		},
		Analytics: Analytics{
			Stage3: placeholderStage3,
			Stage4: Stage4{
				Metrics: Stage4Metrics{
					TrainRows: Num(0), TestRows: Num(0), Silhouette: Num(0), AvgBasket: Num(0), OverallTrend: Num(0),
				},
				Segments: emptyList,
			},
			Stage5:         json.RawMessage(`{"bestModel":"Loading...","models":[]}`),
			Stage6:         emptyStage6,
			ShapImages:     emptyShapImages,
			ShapImportance: emptyObject,
			ShapValues:     emptyObject,
		},
	}
}

// Clone copies the slices a caller could otherwise mutate. Raw JSON fields
// are never written after construction and are shared.
func (d Display) Clone() Display {
	out := d
	if d.Realtime.KeyMetrics != nil {
		out.Realtime.KeyMetrics = make([]KeyMetric, len(d.Realtime.KeyMetrics))
		copy(out.Realtime.KeyMetrics, d.Realtime.KeyMetrics)
	}
	if d.Analytics.RefreshedAt != nil {
		t := *d.Analytics.RefreshedAt
		out.Analytics.RefreshedAt = &t
	}
	return out
}

// AvailablePeriods reads overview.available_periods. Non-string entries are skipped.
func AvailablePeriods(payload []byte) []string {
	arr := gjson.GetBytes(payload, "overview.available_periods")
	if !arr.IsArray() {
		return nil
	}
	var out []string
	for _, item := range arr.Array() {
		if item.Type == gjson.String && item.Str != "" {
			out = append(out, item.Str)
		}
	}
	return out
}

type ModelImages struct {
	Bar  string `json:"bar,omitempty"`
	Plot string `json:"plot,omitempty"`
}

// ShapImages is the SHAP image set with absolute URLs.
type ShapImages struct {
	Summary  string                 `json:"summary,omitempty"`
	Beeswarm string                 `json:"beeswarm,omitempty"`
	Models   map[string]ModelImages `json:"models"`
}

// ResolveShapImages rewrites every image path in raw through resolve.
func ResolveShapImages(raw json.RawMessage, resolve func(string) string) ShapImages {
	parsed := gjson.ParseBytes(raw)
	out := ShapImages{
		Summary:  resolve(parsed.Get("summary").String()),
		Beeswarm: resolve(parsed.Get("beeswarm").String()),
		Models:   map[string]ModelImages{},
	}
	parsed.Get("models").ForEach(func(name, v gjson.Result) bool {
		out.Models[name.String()] = ModelImages{
			Bar:  resolve(v.Get("bar").String()),
			Plot: resolve(v.Get("plot").String()),
		}
		return true
	})
	return out
}
