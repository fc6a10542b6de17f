// Package usage turns raw provider response payloads into token counts and
// USD cost. Extraction is best-effort and never fails: a malformed or
// unexpected payload yields zero usage so an extraction problem cannot
// propagate into the host call path.
package usage

import (
	"bytes"

	"github.com/buger/jsonparser"

	"github.com/costlens/meter-sdk-go/provider"
)

// Usage is the result of extracting one response payload.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	// CachedTokens is nil when the provider does not report a cached or
	// discounted token count.
	CachedTokens *int64
	// Estimated marks counts derived from payload length instead of a
	// provider usage block.
	Estimated bool
}

// fieldMap names the JSON paths carrying token counts for one provider
// response shape.
type fieldMap struct {
	input  []string
	output []string
	cached []string
}

var fieldMaps = map[provider.Provider]fieldMap{
	provider.OpenAI: {
		input:  []string{"usage", "prompt_tokens"},
		output: []string{"usage", "completion_tokens"},
		cached: []string{"usage", "prompt_tokens_details", "cached_tokens"},
	},
	provider.AzureOpenAI: {
		input:  []string{"usage", "prompt_tokens"},
		output: []string{"usage", "completion_tokens"},
		cached: []string{"usage", "prompt_tokens_details", "cached_tokens"},
	},
	provider.Anthropic: {
		input:  []string{"usage", "input_tokens"},
		output: []string{"usage", "output_tokens"},
		cached: []string{"usage", "cache_read_input_tokens"},
	},
	provider.Gemini: {
		input:  []string{"usageMetadata", "promptTokenCount"},
		output: []string{"usageMetadata", "candidatesTokenCount"},
		cached: []string{"usageMetadata", "cachedContentTokenCount"},
	},
	provider.Bedrock: {
		input:  []string{"usage", "inputTokens"},
		output: []string{"usage", "outputTokens"},
		cached: []string{"usage", "cacheReadInputTokens"},
	},
	provider.Ollama: {
		input:  []string{"prompt_eval_count"},
		output: []string{"eval_count"},
	},
}

// Extract reads token counts out of a raw response body. A plain JSON
// object is read directly; a text/event-stream body is scanned frame by
// frame, since streamed responses deliver their usage block inside an SSE
// data: frame (OpenAI puts it in the final frame before [DONE], Anthropic
// splits input and output across message_start and message_delta). Unknown
// providers and payloads without a usage block return the zero Usage.
func Extract(p provider.Provider, body []byte) Usage {
	fm, ok := fieldMaps[p]
	if !ok || len(body) == 0 {
		return Usage{}
	}
	if u := extractFields(fm, body); u.HasUsage() {
		return u
	}
	var u Usage
	for _, frame := range sseFrames(body) {
		fu := extractFields(fm, frame)
		if !fu.HasUsage() {
			// Anthropic nests the opening usage under "message".
			if msg, _, _, err := jsonparser.Get(frame, "message"); err == nil {
				fu = extractFields(fm, msg)
			}
		}
		// Later frames carry the final counts, so they win per field.
		if fu.InputTokens > 0 {
			u.InputTokens = fu.InputTokens
		}
		if fu.OutputTokens > 0 {
			u.OutputTokens = fu.OutputTokens
		}
		if fu.CachedTokens != nil {
			u.CachedTokens = fu.CachedTokens
		}
	}
	return u
}

func extractFields(fm fieldMap, body []byte) Usage {
	var u Usage
	if n, err := jsonparser.GetInt(body, fm.input...); err == nil && n >= 0 {
		u.InputTokens = n
	}
	if n, err := jsonparser.GetInt(body, fm.output...); err == nil && n >= 0 {
		u.OutputTokens = n
	}
	if len(fm.cached) > 0 {
		if n, err := jsonparser.GetInt(body, fm.cached...); err == nil && n > 0 {
			u.CachedTokens = &n
		}
	}
	return u
}

// sseFrames returns the data: payloads of a text/event-stream body,
// skipping the [DONE] sentinel. Non-SSE bodies yield nothing.
func sseFrames(body []byte) [][]byte {
	if !bytes.Contains(body, []byte("data:")) {
		return nil
	}
	var frames [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		rest, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data:"))
		if !ok {
			continue
		}
		rest = bytes.TrimSpace(rest)
		if len(rest) == 0 || bytes.Equal(rest, []byte("[DONE]")) {
			continue
		}
		frames = append(frames, rest)
	}
	return frames
}

// HasUsage reports whether the payload carried any token counts at all.
// Responses whose usage block never arrived (cancelled streams, truncated
// bodies) come up empty here, and callers fall back to an Estimator.
func (u Usage) HasUsage() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0 || u.CachedTokens != nil
}
