// Package controlplane implements the Control Plane (C5): a loopback-only
// HTTP+SSE surface in front of the Supervisor. Routing is built on
// go-chi/chi/v5, grounded on other_examples' ashureev-shsh-labs agent
// handler and linnemanlabs-vigil server main (both route a local
// control/agent HTTP surface with chi and serve SSE from handler
// goroutines) -- the teacher itself has no HTTP surface, so the routing
// and SSE shape come from the rest of the pack rather than from
// lazydocker's gocui front end.
package controlplane

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/brennhill/devhostd/internal/errs"
)

// envelope is the fixed response shape spec.md §4.5 requires for every
// tool operation: exactly one of result/error is non-null.
type envelope struct {
	Result any            `json:"result"`
	Error  *envelopeError `json:"error"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// wireCode maps the closed Kind taxonomy onto the seven wire error codes
// spec.md §4.5 names. NotReady folds into SPAWN_ERROR's status class (408
// would misrepresent it as a client timeout; it is reported as a 400
// since it reflects a session that never became usable, not a slow
// request) -- see DESIGN.md for this mapping decision.
func wireCode(kind errs.Kind) string {
	switch kind {
	case errs.KindInvalidParams:
		return "INVALID_PARAMS"
	case errs.KindNotFound:
		return "NOT_FOUND"
	case errs.KindConflict:
		return "CONFLICT"
	case errs.KindPortError:
		return "PORT_ERROR"
	case errs.KindSpawnError:
		return "SPAWN_ERROR"
	case errs.KindNotReady:
		return "SPAWN_ERROR"
	case errs.KindTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

// httpStatus maps a wire code to the HTTP status spec.md §4.5's table
// specifies: 200 ok, 400 invalid params / conflict, 404 not found, 408
// timeout, 500 internal.
func httpStatus(code string) int {
	switch code {
	case "INVALID_PARAMS", "CONFLICT", "PORT_ERROR", "SPAWN_ERROR":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "TIMEOUT":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Result: result})
}

func writeError(w http.ResponseWriter, err *errs.Error) {
	code := wireCode(err.Kind)
	details := err.Details
	if err.Sub != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["sub"] = string(err.Sub)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	_ = json.NewEncoder(w).Encode(envelope{
		Error: &envelopeError{Code: code, Message: err.Message, Details: details},
	})
}

func decodeJSON(r *http.Request, v any) *errs.Error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errs.New(errs.KindInvalidParams, "malformed request body: "+err.Error())
	}
	return nil
}
