package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ChineseWriter/novel-dl/internal/shard"
	"github.com/ChineseWriter/novel-dl/internal/snapshot"
	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

const problemTypeBase = "urn:novel-dl:problem:"

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:            {problemTypeBase + "bad-request", "Bad Request"},
	http.StatusUnauthorized:          {problemTypeBase + "unauthorized", "Unauthorized"},
	http.StatusNotFound:              {problemTypeBase + "not-found", "Not Found"},
	http.StatusConflict:              {problemTypeBase + "conflict", "Conflict"},
	http.StatusRequestEntityTooLarge: {problemTypeBase + "too-large", "Request Entity Too Large"},
	http.StatusUnprocessableEntity:   {problemTypeBase + "validation-error", "Validation Error"},
	http.StatusInternalServerError:   {problemTypeBase + "internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:    {problemTypeBase + "service-unavailable", "Service Unavailable"},
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{problemTypeBase + "unknown", http.StatusText(status)}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblemType(status)
	writeProblemJSON(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := lookupProblemType(http.StatusUnprocessableEntity)
	writeProblemJSON(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

func writeProblemJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response",
			"component", "api",
			"action", "encode_failed",
			"error", err,
		)
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, shard.ErrShardNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrSnapshotNotAvailable), errors.Is(err, snapshot.ErrNotConfigured):
		WriteProblem(w, r, http.StatusNotFound, "Snapshot not available")
	case errors.Is(err, store.ErrConstraintViolation):
		WriteProblem(w, r, http.StatusConflict, "Record conflicts with stored data")
	case errors.Is(err, store.ErrStorageUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Storage unavailable")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
