package extract

import (
	"github.com/abadojack/whatlanggo"
)

// languageSampleSize caps how much text is fed to the detector. Detection
// quality plateaus well before this.
const languageSampleSize = 4096

// DetectLanguage returns the ISO 639-1 code of the dominant language,
// defaulting to "en" when the detector is unsure or the code has no
// two-letter form.
func DetectLanguage(text string) string {
	if len(text) > languageSampleSize {
		text = text[:languageSampleSize]
	}
	if len(text) == 0 {
		return "en"
	}

	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		// Keep the guess anyway for CJK scripts, which the confidence
		// heuristic underrates on short samples.
		if info.Lang != whatlanggo.Cmn && info.Lang != whatlanggo.Jpn && info.Lang != whatlanggo.Kor {
			return "en"
		}
	}

	code := info.Lang.Iso6391()
	if code == "" {
		return "en"
	}
	return code
}
