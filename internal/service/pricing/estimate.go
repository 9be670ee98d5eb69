package pricing

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for requests whose upstream response carried no
// usage block. Claude tokenization is approximated with cl100k_base, which is
// close enough for metering.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewEstimator returns an Estimator with an empty encoding cache.
func NewEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings["cl100k_base"]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using char estimate", slog.Any("error", err))
		return nil
	}
	e.encodings["cl100k_base"] = enc
	return enc
}

// Count returns the token count of text, falling back to the ~4 chars per
// token heuristic when the encoder is unavailable.
func (e *Estimator) Count(text string) int64 {
	if text == "" {
		return 0
	}
	enc := e.encoding()
	if enc == nil {
		return int64(len(text) / 4)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

// EstimateUsage counts both sides of a request when the upstream omitted its
// usage block. promptText is the flattened request content, completionText the
// response body text.
func (e *Estimator) EstimateUsage(promptText, completionText string) Usage {
	return Usage{
		InputTokens:  e.Count(promptText),
		OutputTokens: e.Count(completionText),
	}
}
