package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fixerlabs/fixer/internal/sessions"
	"github.com/fixerlabs/fixer/internal/sse"
	"github.com/fixerlabs/fixer/pkg/models"
)

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

// handleChat runs one agent turn and streams the response as SSE frames.
// The stream ends with [DONE] on success; an error frame is terminal and
// no [DONE] follows it.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "message and threadId are required")
		return
	}
	if req.Message == "" || req.ThreadID == "" {
		writeJSONError(w, http.StatusBadRequest, "message and threadId are required")
		return
	}

	chunks, err := s.runner.Run(r.Context(), req.ThreadID, req.Message)
	if err != nil {
		s.logger.Error("failed to start agent turn", "thread_id", req.ThreadID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}

	// Drain whatever the turn still produces if we bail out early, so
	// the loop goroutine is never left blocked on a full channel.
	defer func() {
		for range chunks {
		}
	}()

	sse.PrepareHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	writer := sse.NewWriter(w)

	start := time.Now()
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
		defer func() {
			s.metrics.ChatTurnDuration.Observe(time.Since(start).Seconds())
		}()
	}

	status := "completed"
	defer func() {
		if s.metrics != nil {
			s.metrics.ChatRequestCounter.WithLabelValues(status).Inc()
		}
	}()

	for chunk := range chunks {
		select {
		case <-r.Context().Done():
			// Client went away. The loop observes the same context and
			// winds down on its own; just stop writing.
			status = "client_gone"
			return
		default:
		}

		var event sse.Event
		switch {
		case chunk.Error != nil:
			s.logger.Error("agent turn failed", "thread_id", req.ThreadID, "error", chunk.Error)
			status = "error"
			_ = writer.Send(sse.ErrorEvent(chunk.Error.Error()))
			return
		case chunk.ToolCall != nil:
			event = sse.ToolCallEvent(chunk.ToolCall.Name, chunk.ToolCall.Input)
		case chunk.ToolResult != nil:
			event = sse.ToolResultEvent(chunk.ToolName)
		case chunk.Text != "":
			event = sse.ContentEvent(chunk.Text)
		default:
			continue
		}

		if err := writer.Send(event); err != nil {
			status = "client_gone"
			return
		}
	}

	_ = writer.Send(sse.DoneEvent())
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleSessionHistory returns the user-visible transcript for a thread:
// user and assistant text only, tool traffic excluded.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")

	history, err := s.sessions.History(r.Context(), threadID, 0)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "Session not found")
			return
		}
		s.logger.Error("failed to load session history", "thread_id", threadID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if len(history) == 0 {
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	out := make([]historyMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		out = append(out, historyMessage{Role: string(msg.Role), Content: msg.Content})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}
