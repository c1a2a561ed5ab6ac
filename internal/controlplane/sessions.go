package controlplane

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/procadapter"
	"github.com/brennhill/devhostd/internal/supervisor"
	"github.com/brennhill/devhostd/internal/types"
)

// requestedPort decodes the wire `port?|"auto"` field: an explicit
// integer, the literal string "auto", or absent -- all three collapse to
// "let the Port Registry pick", except an explicit integer which is
// passed through as a request.
type requestedPort struct {
	Value int
	Auto  bool
}

func (p *requestedPort) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		p.Value = n
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p.Auto = true
	return nil
}

// commandField accepts an argv object ({"argv": [...]}), a plain JSON
// argv array, or a shell string, resolving the Open Question spec.md leaves about the wire
// shape of `command` in favor of argv-as-contract with a shell-parse
// convenience (see types.Command's doc comment).
type commandField struct {
	Argv []string
}

func (c *commandField) UnmarshalJSON(data []byte) error {
	var withArgv struct {
		Argv []string `json:"argv"`
	}
	if err := json.Unmarshal(data, &withArgv); err == nil && len(withArgv.Argv) > 0 {
		c.Argv = withArgv.Argv
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Argv = procadapter.ShellParse(s).Argv
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return err
	}
	c.Argv = argv
	return nil
}

type startRequest struct {
	Name          string               `json:"name"`
	Command       commandField         `json:"command"`
	Cwd           string               `json:"cwd"`
	Port          *requestedPort       `json:"port"`
	Env           map[string]string    `json:"env"`
	RuntimeClass  types.RuntimeClass   `json:"runtime_class"`
	Backend       types.Backend        `json:"backend"`
	Image         string               `json:"image"`
	RestartPolicy *types.RestartPolicy `json:"restart_policy"`
}

type startResponse struct {
	SessionID string             `json:"session_id"`
	Port      int                `json:"port"`
	PID       int                `json:"pid"`
	State     types.SessionState `json:"state"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Command.Argv) == 0 {
		writeError(w, errs.New(errs.KindInvalidParams, "command is required"))
		return
	}
	if req.Cwd == "" {
		writeError(w, errs.New(errs.KindInvalidParams, "cwd is required"))
		return
	}

	spec := supervisor.StartSpec{
		Name:         req.Name,
		Command:      types.Command{Argv: req.Command.Argv},
		Cwd:          req.Cwd,
		Env:          req.Env,
		RuntimeClass: req.RuntimeClass,
		Backend:      req.Backend,
		Image:        req.Image,
	}
	if req.Port != nil && !req.Port.Auto {
		spec.Port = req.Port.Value
	}
	if req.RestartPolicy != nil {
		spec.RestartPolicy = *req.RestartPolicy
	}

	id, startErr := s.sup.Start(r.Context(), spec)
	if startErr != nil {
		writeError(w, startErr)
		return
	}

	sess, statusErr := s.sup.Status(id)
	if statusErr != nil {
		// Session was created and is already tracked; a lookup failure
		// here would be an invariant violation, not a client error.
		writeError(w, errs.Internal("session vanished immediately after start", nil))
		return
	}

	writeResult(w, http.StatusOK, startResponse{
		SessionID: sess.ID,
		Port:      sess.Port,
		PID:       sess.PID,
		State:     sess.State,
	})
}

type stopRequest struct {
	Force bool `json:"force"`
}

type stateResponse struct {
	State types.SessionState `json:"state"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if stopErr := s.sup.Stop(r.Context(), id, req.Force); stopErr != nil {
		writeError(w, stopErr)
		return
	}

	sess, statusErr := s.sup.Status(id)
	if statusErr != nil {
		writeError(w, statusErr)
		return
	}
	writeResult(w, http.StatusOK, stateResponse{State: sess.State})
}

type restartResponse struct {
	State types.SessionState `json:"state"`
	Port  int                `json:"port"`
	PID   int                `json:"pid"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if restartErr := s.sup.Restart(r.Context(), id); restartErr != nil {
		writeError(w, restartErr)
		return
	}

	sess, statusErr := s.sup.Status(id)
	if statusErr != nil {
		writeError(w, statusErr)
		return
	}
	writeResult(w, http.StatusOK, restartResponse{State: sess.State, Port: sess.Port, PID: sess.PID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, statusErr := s.sup.Status(id)
	if statusErr != nil {
		writeError(w, statusErr)
		return
	}
	writeResult(w, http.StatusOK, sess)
}

type listResponse struct {
	Sessions []types.Session `json:"sessions"`
	Total    int             `json:"total"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := supervisor.Filter{
		State:        types.SessionState(r.URL.Query().Get("state")),
		RuntimeClass: types.RuntimeClass(r.URL.Query().Get("runtime_class")),
	}
	sessions := s.sup.List(filter)
	writeResult(w, http.StatusOK, listResponse{Sessions: sessions, Total: len(sessions)})
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
