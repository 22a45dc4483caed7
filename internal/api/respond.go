package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindSlotTaken:
		return http.StatusConflict
	case apperrors.KindPoolExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError renders err by kind. Storage details stay in the log.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)
	code := strings.ToLower(string(kind))

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}

	details := err.Error()
	if kind == apperrors.KindStorage {
		details = "internal error"
	}
	writeError(w, status, code, details)
}
