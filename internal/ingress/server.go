package ingress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/agentfs/internal/orchestrator"
	"github.com/user/agentfs/internal/types"
)

// Server is the HTTP ingress. Every endpoint builds a Command and hands it
// to the dispatcher.
type Server struct {
	dispatcher *Dispatcher
	mux        *http.ServeMux
	logger     *slog.Logger
}

func NewServer(dispatcher *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "http"),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/commands", s.handleCommand)
	s.mux.HandleFunc("GET /api/agents", s.handleList)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleAgent(KindStatus))
	s.mux.HandleFunc("GET /api/agents/{id}/events", s.handleAgent(KindEvents))
	s.mux.HandleFunc("GET /api/agents/{id}/diff", s.handleAgent(KindDiff))
	s.mux.HandleFunc("POST /api/agents/{id}/accept", s.handleAgent(KindAccept))
	s.mux.HandleFunc("POST /api/agents/{id}/reject", s.handleAgent(KindReject))
	s.mux.HandleFunc("POST /api/agents/{id}/cancel", s.handleAgent(KindCancel))
	s.mux.HandleFunc("POST /webhook/{name}", s.handleTemplate)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, &Result{Error: "invalid JSON"})
		return
	}
	if cmd.Origin == "" {
		cmd.Origin = "http"
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	cmd := Command{Kind: KindList}
	if q := r.URL.Query().Get("state"); q != "" {
		for _, part := range strings.Split(q, ",") {
			cmd.States = append(cmd.States, types.State(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) handleAgent(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, Command{Kind: kind, Agent: r.PathValue("id")})
	}
}

// templateRequest is the optional JSON body for POST /webhook/{name}.
type templateRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	cmd := Command{Kind: KindRun, Template: r.PathValue("name"), Origin: "http"}
	// Allow body to override the prompt
	var body templateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		cmd.Task = body.Prompt
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd Command) {
	res, err := s.dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		code := StatusFor(err)
		if code >= 500 {
			s.logger.Error("command failed", "kind", string(cmd.Kind), "agent", cmd.Agent, "error", err)
		}
		if res == nil {
			res = &Result{}
		}
		res.Error = err.Error()
		writeJSON(w, code, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StatusFor maps a dispatch error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadCommand):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTemplateDisabled):
		return http.StatusForbidden
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrSyncDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, types.ErrMerge):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
