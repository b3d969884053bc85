package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/classmind/kbengine/pkg/metrics"
	"github.com/classmind/kbengine/pkg/provider"
)

// ChatStreamer is the provider slice used to stream completions.
type ChatStreamer interface {
	ChatStream(ctx context.Context, alias string, messages []provider.Message, emit func(provider.StreamEvent)) (provider.CallMeta, error)
}

// Answer streams a chat completion to the client as message chunks
// followed by a message_end carrying the usage.
func Answer(ctx context.Context, dst *Writer, g ChatStreamer, alias string, messages []provider.Message) (*Summary, error) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	summary := &Summary{}
	var writeErr error

	meta, err := g.ChatStream(ctx, alias, messages, func(ev provider.StreamEvent) {
		if writeErr != nil {
			return
		}
		if ev.Done {
			if ev.Usage != nil {
				summary.Usage = ev.Usage
			}
			return
		}
		chunk, _ := json.Marshal(map[string]any{
			"event":     "message",
			"answer":    ev.Delta,
			"timestamp": time.Now().UnixMilli(),
		})
		if writeErr = dst.Send("message", string(chunk)); writeErr == nil {
			summary.Chunks++
			metrics.StreamChunksForwarded.Inc()
		}
	})
	if err != nil {
		return summary, err
	}
	if writeErr != nil {
		return summary, writeErr
	}

	if summary.Usage == nil && meta.Usage.TotalTokens > 0 {
		usage := meta.Usage
		summary.Usage = &usage
	}

	end := map[string]any{
		"event":     messageEndEvent,
		"timestamp": time.Now().UnixMilli(),
	}
	if summary.Usage != nil {
		end["metadata"] = map[string]any{"usage": summary.Usage}
	}
	data, _ := json.Marshal(end)
	if err := dst.Send(messageEndEvent, string(data)); err != nil {
		return summary, err
	}
	summary.Completed = true
	return summary, nil
}
