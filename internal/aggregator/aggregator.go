// Package aggregator parses an upstream SSE event stream into a single
// final response, and performs the reverse transform — replaying a JSON
// response as a synthetic SSE stream — for the non-stream fallback path
// (component C10).
package aggregator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Usage mirrors the upstream usage object accumulated across message_start
// and message_delta events.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContentBlock is one block of the final assembled response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FinalResponse is the shape buildFinalResponse() returns (spec §4.10): a
// reassembled non-stream body from a streamed upstream reply.
type FinalResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// UpstreamError captures an SSE "error" event's payload.
type UpstreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Aggregator is a state machine over the tagged SSE event variants: it
// knows nothing about accounts or retries, only how to fold one event
// stream into a FinalResponse.
type Aggregator struct {
	id         string
	model      string
	text       strings.Builder
	usage      Usage
	stopReason string
	err        *UpstreamError
}

func New() *Aggregator {
	return &Aggregator{}
}

// Feed processes one SSE "data:" payload, dispatching on its "type" field.
// Unknown event types (ping, content_block_start, message_stop) are
// ignored; they carry nothing buildFinalResponse needs.
func (a *Aggregator) Feed(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("aggregator: decode event: %w", err)
	}

	switch head.Type {
	case "message_start":
		var ev struct {
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
				Usage Usage  `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("aggregator: decode message_start: %w", err)
		}
		a.id = ev.Message.ID
		a.model = ev.Message.Model
		a.usage = ev.Message.Usage

	case "content_block_delta":
		var ev struct {
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("aggregator: decode content_block_delta: %w", err)
		}
		if ev.Delta.Type == "text_delta" {
			a.text.WriteString(ev.Delta.Text)
		}

	case "message_delta":
		var ev struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage Usage `json:"usage"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("aggregator: decode message_delta: %w", err)
		}
		if ev.Delta.StopReason != "" {
			a.stopReason = ev.Delta.StopReason
		}
		// message_delta's usage only carries output_tokens going forward;
		// merge rather than overwrite so the message_start input counts
		// survive.
		if ev.Usage.OutputTokens != 0 {
			a.usage.OutputTokens = ev.Usage.OutputTokens
		}
		if ev.Usage.CacheCreationInputTokens != 0 {
			a.usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
		}
		if ev.Usage.CacheReadInputTokens != 0 {
			a.usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
		}

	case "error":
		var ev struct {
			Error UpstreamError `json:"error"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("aggregator: decode error event: %w", err)
		}
		a.err = &ev.Error
	}
	return nil
}

// Err returns the upstream error event, if one was fed.
func (a *Aggregator) Err() *UpstreamError {
	return a.err
}

// Usage returns the usage accumulated so far, for billing even when the
// stream is still in flight (early client disconnect).
func (a *Aggregator) Usage() Usage {
	return a.usage
}

// Model returns the model reported by message_start.
func (a *Aggregator) Model() string {
	return a.model
}

// BuildFinalResponse assembles the final non-stream JSON shape from the
// events fed so far.
func (a *Aggregator) BuildFinalResponse() FinalResponse {
	return FinalResponse{
		ID:         a.id,
		Type:       "message",
		Role:       "assistant",
		Model:      a.model,
		Content:    []ContentBlock{{Type: "text", Text: a.text.String()}},
		StopReason: a.stopReason,
		Usage:      a.usage,
	}
}

// ParseSSE reads r as an SSE stream, line-delimited with "event:"/"data:"
// pairs, feeding each data payload to agg. It stops at EOF or the first
// feed error.
func ParseSSE(r io.Reader, agg *Aggregator) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if err := agg.Feed([]byte(payload)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

const sseChunkSize = 50

// ConvertJSONToSSEStream replays a non-stream FinalResponse as a synthetic
// SSE stream (spec §4.10), used on the fallback path when stream retries
// were exhausted but a non-stream retry succeeded and the client is still
// connected expecting a stream.
func ConvertJSONToSSEStream(w io.Writer, resp FinalResponse) error {
	messageStart := map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    resp.ID,
			"type":  "message",
			"role":  "assistant",
			"model": resp.Model,
			"usage": resp.Usage,
		},
	}
	if err := writeSSEEvent(w, "message_start", messageStart); err != nil {
		return err
	}

	if err := writeSSEEvent(w, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	}); err != nil {
		return err
	}

	text := ""
	if len(resp.Content) > 0 {
		text = resp.Content[0].Text
	}
	for i := 0; i < len(text); i += sseChunkSize {
		end := i + sseChunkSize
		if end > len(text) {
			end = len(text)
		}
		chunk := text[i:end]
		if err := writeSSEEvent(w, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		}); err != nil {
			return err
		}
	}

	if err := writeSSEEvent(w, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	}); err != nil {
		return err
	}

	if err := writeSSEEvent(w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": resp.StopReason},
		"usage": resp.Usage,
	}); err != nil {
		return err
	}

	return writeSSEEvent(w, "message_stop", map[string]any{"type": "message_stop"})
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("aggregator: marshal %s event: %w", event, err)
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	_, err = w.Write(buf.Bytes())
	return err
}
