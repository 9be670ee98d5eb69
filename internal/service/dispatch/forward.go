package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/pricing"
)

// StreamSink receives response bytes as they arrive from upstream.
type StreamSink interface {
	io.Writer
	Flush()
}

// AttemptResult is the outcome of one upstream forward.
type AttemptResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte // full body; for streams, everything relayed to the sink
	Streamed   bool
	Relayed    bool // at least one byte was written to the sink
	Usage      *pricing.Usage
	Completed  bool   // stream reached message_stop, or full body read
	ErrPayload string // error body or transport error text, for classification
}

// Forwarder performs single upstream attempts with the endpoint's timeouts.
type Forwarder struct {
	client *http.Client
}

// NewForwarder builds a Forwarder. The client must not carry its own Timeout;
// streaming responses outlive any fixed total deadline.
func NewForwarder(client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	return &Forwarder{client: client}
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Do forwards body to the endpoint. For streaming requests sink receives the
// bytes as they arrive; a nil status code result (0) means the attempt failed
// before any upstream response.
func (f *Forwarder) Do(ctx domain.Context, p domain.Provider, ep domain.ProviderEndpoint, body []byte, stream bool, sink StreamSink) (AttemptResult, error) {
	url := strings.TrimRight(ep.URL, "/") + "/v1/messages"

	reqCtx := ctx
	var cancel context.CancelFunc
	if !stream && p.RequestTimeoutNonStreamingMs > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, millis(p.RequestTimeoutNonStreamingMs))
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return AttemptResult{}, fmt.Errorf("op=dispatch.forward: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, p)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	// First-byte timeout: client.Do returns when response headers arrive, so
	// a watchdog cancelling the request context bounds that phase.
	var firstByte *time.Timer
	if stream && p.FirstByteTimeoutStreamingMs > 0 {
		firstByte = time.AfterFunc(millis(p.FirstByteTimeoutStreamingMs), cancel)
	}
	resp, err := f.client.Do(req)
	if firstByte != nil {
		firstByte.Stop()
	}
	if err != nil {
		return AttemptResult{ErrPayload: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	res := AttemptResult{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		res.Body = raw
		res.ErrPayload = string(raw)
		return res, nil
	}

	if stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return f.relayStream(reqCtx, cancel, p, resp.Body, sink, res)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		res.ErrPayload = err.Error()
		res.StatusCode = 0
		return res, nil
	}
	res.Body = raw
	res.Completed = true
	res.Usage = parseUsageJSON(raw)
	return res, nil
}

func setAuth(req *http.Request, p domain.Provider) {
	switch p.Type {
	case domain.ProviderClaude:
		req.Header.Set("x-api-key", p.Credential)
		req.Header.Set("anthropic-version", "2023-06-01")
	case domain.ProviderClaudeAuth:
		req.Header.Set("Authorization", "Bearer "+p.Credential)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+p.Credential)
	}
}

// relayStream copies SSE bytes through to the sink, enforcing the idle
// timeout between chunks and accumulating usage from the event stream.
func (f *Forwarder) relayStream(ctx domain.Context, cancel context.CancelFunc, p domain.Provider, upstream io.Reader, sink StreamSink, res AttemptResult) (AttemptResult, error) {
	res.Streamed = true
	var buf bytes.Buffer
	usage := pricing.Usage{}
	sawUsage := false

	var idle *time.Timer
	if p.StreamingIdleTimeoutMs > 0 {
		idle = time.AfterFunc(millis(p.StreamingIdleTimeoutMs), cancel)
		defer idle.Stop()
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		if idle != nil {
			idle.Reset(millis(p.StreamingIdleTimeoutMs))
		}
		line := scanner.Bytes()
		buf.Write(line)
		buf.WriteByte('\n')
		if sink != nil {
			res.Relayed = true
			_, _ = sink.Write(line)
			_, _ = sink.Write([]byte{'\n'})
			if len(line) == 0 {
				sink.Flush()
			}
		}
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			if applyStreamUsage(data, &usage) {
				sawUsage = true
			}
			if eventType(data) == "message_stop" {
				res.Completed = true
			}
		}
	}
	res.Body = buf.Bytes()
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			res.ErrPayload = ctx.Err().Error()
		} else {
			res.ErrPayload = err.Error()
		}
		res.Completed = false
	}
	if sawUsage {
		res.Usage = &usage
	}
	return res, nil
}

func eventType(data []byte) string {
	var ev struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &ev)
	return ev.Type
}

// applyStreamUsage folds usage fragments from message_start (input tokens)
// and message_delta (output tokens) events into u.
func applyStreamUsage(data []byte, u *pricing.Usage) bool {
	var ev struct {
		Type    string `json:"type"`
		Message struct {
			Usage struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return false
	}
	switch ev.Type {
	case "message_start":
		u.InputTokens = ev.Message.Usage.InputTokens
		u.OutputTokens = ev.Message.Usage.OutputTokens
		return true
	case "message_delta":
		if ev.Usage.InputTokens > 0 {
			u.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			u.OutputTokens = ev.Usage.OutputTokens
		}
		return true
	}
	return false
}

func parseUsageJSON(body []byte) *pricing.Usage {
	var msg struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil
	}
	if msg.Usage.InputTokens == 0 && msg.Usage.OutputTokens == 0 {
		return nil
	}
	return &pricing.Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
}
