package relay

import (
	"bytes"
	"encoding/json"
)

// Usage is the token accounting block providers attach to responses. Field
// names differ between buffered and streaming payloads; Normalize folds the
// variants together.
type Usage struct {
	TotalTokens              int `json:"total_tokens"`
	PromptTokens             int `json:"prompt_tokens"`
	CompletionTokens         int `json:"completion_tokens"`
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`

	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// Normalize fills the prompt/completion/total view from whichever aliases the
// provider used.
func (u Usage) Normalize() Usage {
	if u.PromptTokens == 0 {
		u.PromptTokens = u.InputTokens
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = u.OutputTokens
	}
	if u.CacheReadInputTokens == 0 {
		u.CacheReadInputTokens = u.InputTokensDetails.CachedTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// extractUsage pulls the top-level usage block out of a buffered JSON
// response body.
func extractUsage(body []byte) (Usage, bool) {
	var frame struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &frame); err != nil || frame.Usage == nil {
		return Usage{}, false
	}
	return *frame.Usage, true
}

// usageScanner watches an SSE byte stream for usage blocks without altering
// the bytes. Chunks may split lines anywhere; the scanner holds the partial
// tail until the next feed. The last usage block seen wins.
type usageScanner struct {
	buf   []byte
	usage Usage
	found bool
}

var dataPrefix = []byte("data:")

// Feed consumes one forwarded chunk.
func (s *usageScanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return
		}
		s.scanLine(s.buf[:i])
		s.buf = s.buf[i+1:]
	}
}

// Flush processes any trailing line the stream ended without terminating.
func (s *usageScanner) Flush() {
	if len(s.buf) > 0 {
		s.scanLine(s.buf)
		s.buf = nil
	}
}

// Usage reports the most recent usage block, if any line carried one.
func (s *usageScanner) Usage() (Usage, bool) {
	return s.usage, s.found
}

func (s *usageScanner) scanLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || payload[0] != '{' {
		// event terminators and [DONE] markers are not JSON
		return
	}
	var frame struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.Usage != nil {
		s.usage = *frame.Usage
		s.found = true
	}
}
