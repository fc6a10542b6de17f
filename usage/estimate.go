package usage

// defaultCharsPerToken is an approximate ratio for token estimation.
// Most LLMs average ~4 characters per token for English text.
const defaultCharsPerToken = 4

// Estimator approximates token counts when a response carries no usage
// block, e.g. a stream the client cancelled after the byte size was known.
// Events priced through an estimator are tagged Estimated so downstream
// consumers can tell exact from approximate cost.
type Estimator interface {
	Estimate(requestBytes, responseBytes int) Usage
}

// CharRatio estimates tokens from payload length under a fixed
// characters-per-token ratio.
type CharRatio struct {
	CharsPerToken int
}

// NewCharRatio returns a CharRatio estimator. A non-positive ratio falls
// back to the default.
func NewCharRatio(charsPerToken int) CharRatio {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return CharRatio{CharsPerToken: charsPerToken}
}

func (c CharRatio) Estimate(requestBytes, responseBytes int) Usage {
	ratio := c.CharsPerToken
	if ratio <= 0 {
		ratio = defaultCharsPerToken
	}
	return Usage{
		InputTokens:  estimateTokens(requestBytes, ratio),
		OutputTokens: estimateTokens(responseBytes, ratio),
		Estimated:    true,
	}
}

func estimateTokens(n, ratio int) int64 {
	if n <= 0 {
		return 0
	}
	return int64((n + ratio - 1) / ratio)
}
