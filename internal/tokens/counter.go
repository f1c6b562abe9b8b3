// Package tokens provides tiktoken-based token estimation for providers
// that do not report usage and for trimming text to a token budget.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	once  sync.Once
	codec tokenizer.Codec
)

func load() tokenizer.Codec {
	once.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// Count returns the number of tokens in text. All models are approximated
// with the GPT-4 encoding; if the codec cannot load, 4 characters count as
// one token.
func Count(text string) int {
	if text == "" {
		return 0
	}
	c := load()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Truncate cuts text so it fits roughly within limit tokens. The cut is
// proportional by characters, not on token boundaries.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := Count(text)
	if n <= limit {
		return text
	}
	charLimit := int(float64(len(text)) * float64(limit) / float64(n) * 0.9)
	if charLimit >= len(text) {
		return text
	}
	// Back off to a rune boundary.
	for charLimit > 0 && (text[charLimit]&0xC0) == 0x80 {
		charLimit--
	}
	return text[:charLimit] + "..."
}
