package copilot

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/jholhewres/sentra/pkg/sentra/protocol"
)

// fallbackEncoding is used for models tiktoken does not know.
const fallbackEncoding = "cl100k_base"

var (
	bpeLoaderOnce sync.Once

	encodersMu sync.Mutex
	// encoders caches the encoder per model name. A nil entry means no
	// encoding could be loaded and the ratio estimate applies.
	encoders = make(map[string]*tiktoken.Tiktoken)
)

// encoderFor returns the BPE encoder for model, falling back to cl100k_base.
func encoderFor(model string) *tiktoken.Tiktoken {
	// BPE tables are embedded; nothing is downloaded.
	bpeLoaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		slog.Warn("token counting will use the ratio estimate", "model", model, "error", err)
		enc = nil
	}
	encoders[model] = enc
	return enc
}

// CountTokens counts the BPE tokens of text for model.
func CountTokens(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text, model)
}

// charsPerToken maps a model family to its average characters per token.
// Checked in order; the first substring match wins.
var charsPerToken = []struct {
	family string
	ratio  float64
}{
	{"claude", 3.5},
	{"glm", 2.5},
	{"gpt", 3.7},
	{"gemini", 3.5},
	{"mistral", 3.5},
	{"llama", 3.5},
	{"qwen", 2.5},
	{"deepseek", 2.5},
}

const defaultCharsPerToken = 4.0

// estimateTokens approximates the token count from the rune count. Used only
// when no encoding is available.
func estimateTokens(text, model string) int {
	if text == "" {
		return 0
	}
	ratio := defaultCharsPerToken
	lower := strings.ToLower(model)
	for _, f := range charsPerToken {
		if strings.Contains(lower, f.family) {
			ratio = f.ratio
			break
		}
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}

// ReplyReport is the outcome of InspectReply.
type ReplyReport struct {
	Valid    bool              `json:"valid"`
	Reason   string            `json:"reason,omitempty"`
	Tokens   int               `json:"tokens"`
	Response protocol.Response `json:"response"`
}

// InspectReply validates and parses a model reply and counts the tokens of
// its text segments for model.
func InspectReply(text, model string) ReplyReport {
	check := protocol.ValidateResponseFormat(text)
	return ReplyReport{
		Valid:    check.Valid,
		Reason:   check.Reason,
		Tokens:   CountTokens(protocol.ExtractTextForCount(text), model),
		Response: protocol.ParseResponse(text),
	}
}
