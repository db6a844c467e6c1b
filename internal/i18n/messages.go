// Package i18n holds the user-facing message catalog for the upload flow and
// the report viewer. Traditional Chinese is the default locale.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys. Keys double as the English fallback text.
const (
	MsgFileTooLarge       = "File must not exceed %dMB, please adjust and try again"
	MsgUploadTooLarge     = "File exceeds the %dMB limit, please adjust and try again"
	MsgUploadFailed       = "Upload failed, please try again later"
	MsgBackendUnreachable = "Cannot reach the backend service, please check that the server is running"
	MsgPipelineFailed     = "Analysis failed: %s"
	MsgPipelineFailedRaw  = "Pipeline failed"
	MsgLogsEmpty          = "Logs have not been generated yet"
	MsgAllPeriods         = "All periods"

	MsgRemainingServer  = "Estimated %d seconds remaining (%s)"
	MsgRemainingPercent = "Estimated %d seconds remaining (%s%% complete)"
	MsgRemainingStatic  = "Estimated %d seconds remaining"

	StageCleaning       = "Stage 1 - Data cleaning"
	StageRefunds        = "Stage 2 - Refund netting"
	StageProductCluster = "Stage 3 - Product clustering"
	StageSegmentation   = "Stage 4 - Customer segmentation"
	StageClassification = "Stage 5 - Classification model"
	StagePrediction     = "Stage 6 - Prediction testing"
	StageReportShap     = "Stage 7 - Report and SHAP"

	MetricMonthlySales   = "Monthly sales"
	MetricMonthlyOrders  = "Monthly orders"
	MetricActiveMembers  = "Active members this month"
	MetricPremiumMembers = "High-value members"
)

var defaultTag = language.TraditionalChinese

var zhTW = map[string]string{
	MsgFileTooLarge:       "檔案不可超過 %dMB，請調整後再試",
	MsgUploadTooLarge:     "檔案超過 %dMB 限制，請調整後再試",
	MsgUploadFailed:       "上傳失敗，請稍後再試",
	MsgBackendUnreachable: "無法連線到後端服務，請確認伺服器是否啟動",
	MsgPipelineFailed:     "解析失敗: %s",
	MsgPipelineFailedRaw:  "Pipeline failed",
	MsgLogsEmpty:          "尚未產生執行記錄",
	MsgAllPeriods:         "全期間",

	MsgRemainingServer:  "推定剩餘 %d 秒 (%s)",
	MsgRemainingPercent: "推定剩餘 %d 秒 (%s%% 完成)",
	MsgRemainingStatic:  "預估剩餘 %d 秒",

	StageCleaning:       "Stage 1 - 清理資料",
	StageRefunds:        "Stage 2 - 退款沖銷",
	StageProductCluster: "Stage 3 - 產品分群",
	StageSegmentation:   "Stage 4 - 客群分層",
	StageClassification: "Stage 5 - 分類模型",
	StagePrediction:     "Stage 6 - 測試預測",
	StageReportShap:     "Stage 7 - 報告與 SHAP",

	MetricMonthlySales:   "本月銷售額",
	MetricMonthlyOrders:  "本月訂單數",
	MetricActiveMembers:  "本月活躍會員",
	MetricPremiumMembers: "高價值會員",
}

var builtCatalog = buildCatalog()

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, text := range zhTW {
		_ = b.SetString(language.TraditionalChinese, key, text)
		_ = b.SetString(language.English, key, key)
	}
	return b
}

// Printer formats catalog messages for one locale.
type Printer struct {
	tag language.Tag
	p   *message.Printer
}

// NewPrinter returns a printer for locale (BCP 47, e.g. "zh-TW", "en").
// Unknown or empty locales fall back to Traditional Chinese.
func NewPrinter(locale string) *Printer {
	tag := defaultTag
	if locale = strings.TrimSpace(locale); locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			supported := builtCatalog.Languages()
			_, idx, conf := language.NewMatcher(supported).Match(parsed)
			if conf != language.No && idx < len(supported) {
				tag = supported[idx]
			}
		}
	}
	return &Printer{tag: tag, p: message.NewPrinter(tag, message.Catalog(builtCatalog))}
}

// Sprintf formats key with args in the printer's locale.
func (p *Printer) Sprintf(key string, args ...any) string {
	if p == nil {
		return NewPrinter("").Sprintf(key, args...)
	}
	return p.p.Sprintf(key, args...)
}

// Language reports the resolved locale tag.
func (p *Printer) Language() string {
	if p == nil {
		return defaultTag.String()
	}
	return p.tag.String()
}
