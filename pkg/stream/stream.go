package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
	"github.com/classmind/kbengine/pkg/types"
)

// Terminators recognized on upstream data payloads.
const (
	doneMarker           = "[DONE]"
	messageEndEvent      = "message_end"
	messageCompleteEvent = "message_complete"
)

// Summary is the outcome of one relayed stream.
type Summary struct {
	Chunks    int
	Usage     *types.Usage
	Completed bool // upstream sent an explicit terminator
}

// Writer frames SSE events onto an http.ResponseWriter and flushes
// after every event so proxies deliver chunks immediately.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for streaming. It fails when the
// underlying writer cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errdefs.E(errdefs.KindInternal, "response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event. name may be empty for plain data events.
func (sw *Writer) Send(name, data string) error {
	if name != "" {
		if _, err := fmt.Fprintf(sw.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Relay copies an upstream SSE body to the client event by event. It
// forwards data payloads as-is, captures token usage when a payload
// carries it, and guarantees the client sees a terminator: when the
// upstream closes without one, a synthetic message_end is appended.
func Relay(ctx context.Context, dst *Writer, upstream io.Reader) (*Summary, error) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	summary := &Summary{}
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventName := ""
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])

		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(line[len("data:"):])
			if payload == doneMarker {
				summary.Completed = true
				if err := dst.Send("", doneMarker); err != nil {
					return summary, err
				}
				return summary, nil
			}

			captureUsage(payload, summary)
			if err := dst.Send(eventName, stampTimestamp(payload)); err != nil {
				return summary, err
			}
			summary.Chunks++
			metrics.StreamChunksForwarded.Inc()

			if eventName == messageEndEvent || payloadEvent(payload) == messageEndEvent {
				summary.Completed = true
				return summary, nil
			}

		case line == "":
			eventName = ""
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithComponent("stream").Warn().Err(err).Msg("upstream stream broke")
	}

	// An upstream that closed before forwarding anything leaves the
	// transport without a single event. Emit a synthetic completion so
	// clients do not hang on an empty stream.
	if !summary.Completed && summary.Chunks == 0 {
		end := map[string]any{
			"event":     messageCompleteEvent,
			"synthetic": true,
			"timestamp": time.Now().UnixMilli(),
		}
		data, _ := json.Marshal(end)
		if err := dst.Send(messageCompleteEvent, string(data)); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// wireUsage tolerates both token-accounting spellings seen on the
// wire: OpenAI-style prompt/completion and the engine's input/output.
type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toUsage() *types.Usage {
	out := &types.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if out.InputTokens == 0 {
		out.InputTokens = u.PromptTokens
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = u.CompletionTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}

// captureUsage pulls the token accounting out of a payload when
// present. Payloads that are not JSON objects are passed through
// untouched.
func captureUsage(payload string, summary *Summary) {
	var probe struct {
		Usage *wireUsage `json:"usage"`
		Meta  struct {
			Usage *wireUsage `json:"usage"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return
	}
	if probe.Usage != nil {
		summary.Usage = probe.Usage.toUsage()
	} else if probe.Meta.Usage != nil {
		summary.Usage = probe.Meta.Usage.toUsage()
	}
}

// stampTimestamp adds a millisecond timestamp to JSON object payloads
// that lack one. Non-object payloads pass through untouched.
func stampTimestamp(payload string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil || obj == nil {
		return payload
	}
	if _, ok := obj["timestamp"]; ok {
		return payload
	}
	obj["timestamp"] = time.Now().UnixMilli()
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return string(out)
}

// payloadEvent reads the event discriminator some upstreams embed in
// the JSON body instead of the SSE event field.
func payloadEvent(payload string) string {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return ""
	}
	return probe.Event
}
