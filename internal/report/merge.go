package report

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"go-pipeline-report-ui/internal/i18n"
)

// ErrInvalidPayload is returned when the report body is not a JSON object.
var ErrInvalidPayload = errors.New("report payload is not a json object")

// Merger applies report payloads onto the previous display.
type Merger struct {
	Printer *i18n.Printer
	Now     func() time.Time
}

// Merge is Merger.Merge with the default locale and the wall clock.
func Merge(prev Display, payload []byte) (Display, error) {
	return Merger{}.Merge(prev, payload)
}

// Merge builds the next display from prev and a /report/latest payload.
//
// Fields missing from the payload fall back to prev:
//
//	label                ← overview._period || overview.lastDate || prev
//	totalMembers         ← overview.kpis.totalMembers || prev
//	regions              ← overview.regions || prev
//	realtime.updatedAt   ← overview.lastDate || prev
//	realtime.compareDate ← prev
//	realtime.days        ← overview.chart || prev
//	stage3               ← stage3 || prev
//
// The overview block is only applied when overview.kpis is present. Stage4,
// the SHAP bundle, stage5/stage6 and refreshedAt are rebuilt on every call.
func (m Merger) Merge(prev Display, payload []byte) (Display, error) {
	if !gjson.ValidBytes(payload) {
		return prev, ErrInvalidPayload
	}
	data := gjson.ParseBytes(payload)
	if !data.IsObject() {
		return prev, ErrInvalidPayload
	}

	next := prev.Clone()
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	now = now.UTC()

	next.Analytics = mergeAnalytics(prev.Analytics, data, now)

	overview := data.Get("overview")
	kpis := overview.Get("kpis")
	if truthy(overview) && truthy(kpis) {
		next.Label = firstTruthyString(prev.Label, overview.Get("_period"), overview.Get("lastDate"))

		if total := kpis.Get("totalMembers"); truthy(total) {
			next.TotalMembers = SafeNumber(total)
		}
		if regions := overview.Get("regions"); truthy(regions) {
			next.Regions = raw(regions)
		}

		premiumTrend := Num(0)
		if pt := kpis.Get("premiumTrend"); truthy(pt) {
			premiumTrend = SafeNumber(pt)
		}
		next.KPIs = KPIs{
			AverageSpend:    SafeNumber(kpis.Get("averageSpend")),
			AverageTrend:    SafeNumber(kpis.Get("averageTrend")),
			PremiumMembers:  SafeNumber(kpis.Get("premiumMembers")),
			PremiumTrend:    premiumTrend,
			Engagement:      SafeNumber(kpis.Get("engagement")),
			EngagementTrend: SafeNumber(kpis.Get("engagementTrend")),
		}

		rt := Realtime{
			UpdatedAt:   firstTruthyString(prev.Realtime.UpdatedAt, overview.Get("lastDate")),
			CompareDate: prev.Realtime.CompareDate,
			Days:        prev.Realtime.Days,
		}
		if chart := overview.Get("chart"); truthy(chart) {
			rt.Days = raw(chart)
		}
		rt.KeyMetrics = m.keyMetrics(kpis, premiumTrend)
		next.Realtime = rt
	}

	return next, nil
}

func mergeAnalytics(prev Analytics, data gjson.Result, now time.Time) Analytics {
	stage4 := data.Get("stage4")
	metrics := stage4.Get("metrics")

	segments := emptyList
	if s := stage4.Get("segments"); s.IsArray() {
		segments = raw(s)
	}

	out := Analytics{
		RefreshedAt: &now,
		Stage3:      prev.Stage3,
		Stage4: Stage4{
			Metrics: Stage4Metrics{
				TrainRows:    SafeNumber(metrics.Get("trainRows")),
				TestRows:     SafeNumber(metrics.Get("testRows")),
				Silhouette:   SafeNumber(metrics.Get("silhouette")),
				AvgBasket:    SafeNumber(metrics.Get("avgBasket")),
				OverallTrend: SafeNumber(metrics.Get("overallTrend")),
			},
			Segments: segments,
		},
		Stage5:         emptyStage5,
		Stage6:         emptyStage6,
		ShapImages:     emptyShapImages,
		ShapImportance: emptyObject,
		ShapValues:     emptyObject,
	}
	if v := data.Get("stage3"); truthy(v) {
		out.Stage3 = raw(v)
	}
	if v := data.Get("shap_images"); truthy(v) {
		out.ShapImages = raw(v)
	}
	if v := data.Get("shap_importance"); truthy(v) {
		out.ShapImportance = raw(v)
	}
	if v := data.Get("shap_values"); truthy(v) {
		out.ShapValues = raw(v)
	}
	return out
}

var keyMetricDefs = []struct {
	key, title, value, trend string
}{
	{"sales", i18n.MetricMonthlySales, "totalSales", "salesTrend"},
	{"orders", i18n.MetricMonthlyOrders, "totalOrders", "ordersTrend"},
	{"members", i18n.MetricActiveMembers, "totalMembers", "membersTrend"},
	{"premium", i18n.MetricPremiumMembers, "premiumMembers", ""},
}

func (m Merger) keyMetrics(kpis gjson.Result, premiumTrend Number) []KeyMetric {
	out := make([]KeyMetric, 0, len(keyMetricDefs))
	for _, def := range keyMetricDefs {
		km := KeyMetric{
			Key:   def.key,
			Title: m.Printer.Sprintf(def.title),
			Value: SafeNumber(kpis.Get(def.value)),
		}
		if def.trend == "" {
			km.Trend = premiumTrend
		} else {
			km.Trend = SafeNumber(kpis.Get(def.trend))
		}
		out = append(out, km)
	}
	return out
}

// firstTruthyString returns the first truthy candidate as a string, else fallback.
func firstTruthyString(fallback string, candidates ...gjson.Result) string {
	for _, c := range candidates {
		if truthy(c) {
			return c.String()
		}
	}
	return fallback
}

func raw(r gjson.Result) json.RawMessage {
	return json.RawMessage(r.Raw)
}
