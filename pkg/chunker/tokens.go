package chunker

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/classmind/kbengine/pkg/log"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens with the cl100k_base encoding. When the
// encoding cannot be loaded (offline environments), a character-class
// heuristic stands in: one token per CJK rune, one per four other runes.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.WithComponent("chunker").Warn().
				Err(err).
				Msg("tiktoken encoding unavailable, using heuristic token counts")
			return
		}
		encoding = enc
	})

	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

func heuristicTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else if !unicode.IsSpace(r) {
			other++
		}
	}
	return cjk + (other+3)/4
}
