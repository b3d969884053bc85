package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/provider"
	"github.com/classmind/kbengine/pkg/stream"
	"github.com/classmind/kbengine/pkg/types"
)

const assistantEndpoint = "/api/ai_assistant/stream"

const graphPrompt = `You are a diagram assistant. Produce a Mermaid %s
diagram for the following description. Reply with the Mermaid source
only, no surrounding prose or code fences.

Description:
%s`

func (s *Server) handleGenerateGraph(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
		GraphType   string `json:"graph_type"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Description) == "" {
		writeBadRequest(w, "description is required")
		return
	}
	if s.chat == nil {
		writeError(w, r, errdefs.E(errdefs.KindProviderTransient, "no chat provider configured"))
		return
	}
	graphType := body.GraphType
	if graphType == "" {
		graphType = "flowchart"
	}

	reply, meta, err := s.chat.Chat(r.Context(), chatAlias, []provider.Message{
		{Role: "user", Content: fmt.Sprintf(graphPrompt, graphType, body.Description)},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graph": strings.TrimSpace(reply),
		"usage": meta.Usage,
	})
}

type assistantRequest struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id"`
	Inputs         map[string]any    `json:"inputs"`
	Files          []json.RawMessage `json:"files"`
}

// handleAssistantStream forwards a chat turn to the client as SSE.
// With a Dify-compatible upstream configured, the upstream stream is
// relayed verbatim; otherwise the gateway streams the completion.
func (s *Server) handleAssistantStream(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var body assistantRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeBadRequest(w, "message is required")
		return
	}

	var summary *stream.Summary
	var err error
	switch {
	case s.cfg.DifyBaseURL != "":
		summary, err = s.relayDify(w, r, userID, &body)
	case s.chat != nil:
		summary, err = s.answerLocal(w, r, &body)
	default:
		writeError(w, r, errdefs.E(errdefs.KindProviderTransient, "no assistant backend configured"))
		return
	}
	if err != nil {
		// Headers may already be on the wire; only log.
		log.WithTenant(userID).Warn().Err(err).Msg("assistant stream ended with error")
	}
	if summary != nil {
		s.persistUsage(userID, body.ConversationID, summary)
	}
}

func (s *Server) answerLocal(w http.ResponseWriter, r *http.Request, body *assistantRequest) (*stream.Summary, error) {
	dst, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, r, err)
		return nil, nil
	}
	return stream.Answer(r.Context(), dst, s.chat, chatAlias, []provider.Message{
		{Role: "user", Content: body.Message},
	})
}

func (s *Server) relayDify(w http.ResponseWriter, r *http.Request, userID string, body *assistantRequest) (*stream.Summary, error) {
	inputs := body.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload, _ := json.Marshal(map[string]any{
		"query":           body.Message,
		"inputs":          inputs,
		"files":           body.Files,
		"user":            userID,
		"conversation_id": body.ConversationID,
		"response_mode":   "streaming",
	})

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		strings.TrimRight(s.cfg.DifyBaseURL, "/")+"/v1/chat-messages", bytes.NewReader(payload))
	if err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindInternal, err, "build upstream request"))
		return nil, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.DifyAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindProviderTransient, err, "assistant upstream unreachable"))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		writeError(w, r, errdefs.E(errdefs.KindProviderTransient,
			"assistant upstream returned %d: %s", resp.StatusCode, string(detail)))
		return nil, nil
	}

	dst, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, r, err)
		return nil, nil
	}
	return stream.Relay(r.Context(), dst, resp.Body)
}

// persistUsage records the token triple after the stream has closed.
// Failure here must never affect the already-delivered response.
func (s *Server) persistUsage(userID, conversationID string, summary *stream.Summary) {
	if summary.Usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.InsertUsage(ctx, &types.UsageRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Endpoint:       assistantEndpoint,
		Usage:          *summary.Usage,
	})
	if err != nil {
		log.WithTenant(userID).Warn().Err(err).Msg("usage record not persisted")
	}
}
