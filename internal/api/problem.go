package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onboardhq/gatekeeper/internal/gate"
	"github.com/onboardhq/gatekeeper/internal/submission"
	"github.com/onboardhq/gatekeeper/internal/template"
	"github.com/onboardhq/gatekeeper/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusConflict: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusForbidden: {
		typeURI: "https://gatekeeper.onboardhq.dev/errors/forbidden",
		title:   "Forbidden",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://gatekeeper.onboardhq.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapDomainError converts engine errors to Problem Details responses.
// Validation failures list every violation; conflicts surface for a
// reload-and-retry UX; internal details never reach the client.
func MapDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *template.ValidationFailedError

	switch {
	case errors.As(err, &vErr):
		WriteProblemWithErrors(w, r, "Template definition is invalid", vErr.Violations)
	case errors.Is(err, template.ErrVersionConflict):
		WriteProblem(w, r, http.StatusConflict, "Template was modified concurrently; reload and retry")
	case errors.Is(err, submission.ErrStaleEdit):
		WriteProblem(w, r, http.StatusConflict, "Record was modified concurrently; reload and retry")
	case errors.Is(err, template.ErrNotFound), errors.Is(err, submission.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, gate.ErrUnknownGate):
		WriteProblem(w, r, http.StatusNotFound, "Unknown gate or questionnaire")
	case errors.Is(err, gate.ErrGateBlocked):
		WriteProblem(w, r, http.StatusForbidden, "Gate is blocked")
	case errors.Is(err, gate.ErrPriorGateNotPassed):
		WriteProblem(w, r, http.StatusForbidden, "Previous gate has not been passed")
	case errors.Is(err, gate.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusConflict, "Gate cannot advance from its current state")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
