package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"geofenced/internal/engine"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the engine error code, when the failure came from the engine.
	Code string `json:"code,omitempty"`
	// Geofence carries the FAILED record of a rejected registration.
	Geofence any `json:"geofence,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// statusFor maps engine codes onto HTTP statuses.
func statusFor(code engine.Code) int {
	switch code {
	case engine.CodeInvalidArguments:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeMissingLocation, engine.CodeMissingBackgroundLocation:
		return http.StatusForbidden
	case engine.CodeCallbackNotInitialized:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError renders err as a problem carrying its engine code.
func writeEngineError(w http.ResponseWriter, r *http.Request, title string, err error) {
	code := engine.CodeOf(err)
	detail := err.Error()
	var ee *engine.Error
	if errors.As(err, &ee) && ee.Message != "" {
		detail = ee.Message
	}
	writeProblemBody(w, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   statusFor(code),
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     string(code),
	})
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
