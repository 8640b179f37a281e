// Package tokens counts tokens for cost accounting when a backend response
// carries no usage block.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens with tiktoken. Codecs are loaded lazily and cached
// per encoding.
type Counter struct {
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewCounter creates a new token counter.
func NewCounter() *Counter {
	return &Counter{
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// Chat framing overhead, following OpenAI's accounting for chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	primingTokens    = 3
)

func (c *Counter) getCodec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encodings. Non-OpenAI models (Gemini,
// Claude, local models) have no public tiktoken encoding and are counted with
// cl100k_base, which is close enough for cost estimates.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// CountText counts tokens for a plain text string. If the codec cannot be
// loaded it falls back to Estimate.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.getCodec(model)
	if err != nil {
		return Estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Estimate(text)
	}
	return len(ids)
}

// CountPrompt counts the input tokens of a system + user request including
// chat framing.
func (c *Counter) CountPrompt(model, system, user string) int {
	total := primingTokens
	if system != "" {
		total += tokensPerMessage + tokensPerRole + c.CountText(model, system)
	}
	total += tokensPerMessage + tokensPerRole + c.CountText(model, user)
	return total
}

// Estimate approximates tokens at four characters per token, with a floor of
// one token for any non-empty text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
