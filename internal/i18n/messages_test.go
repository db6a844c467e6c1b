package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinterDefaultsToTraditionalChinese(t *testing.T) {
	p := NewPrinter("")
	assert.Equal(t, "檔案超過 100MB 限制，請調整後再試", p.Sprintf(MsgUploadTooLarge, 100))
}

func TestPrinterEnglish(t *testing.T) {
	p := NewPrinter("en-US")
	assert.Equal(t, "File must not exceed 100MB, please adjust and try again", p.Sprintf(MsgFileTooLarge, 100))
	assert.Equal(t, "Stage 3 - Product clustering", p.Sprintf(StageProductCluster))
}

func TestPrinterUnknownLocaleFallsBack(t *testing.T) {
	p := NewPrinter("not a locale!")
	assert.Equal(t, "上傳失敗，請稍後再試", p.Sprintf(MsgUploadFailed))
}

func TestStageLabelsKeepStagePrefix(t *testing.T) {
	for _, locale := range []string{"zh-TW", "en"} {
		p := NewPrinter(locale)
		assert.Contains(t, p.Sprintf(StageReportShap), "Stage 7")
	}
}
