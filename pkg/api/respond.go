package api

import (
	"encoding/json"
	"net/http"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/log"
)

// maxBodyBytes bounds JSON request bodies. Multipart uploads have their
// own cap derived from the configured file size limit.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an engine error to its HTTP status and localized
// user message. Server faults keep operator detail in the log only.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	lang := langOf(r.Context())

	ev := log.WithComponent("api").Warn()
	if status >= http.StatusInternalServerError {
		ev = log.WithComponent("api").Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, map[string]string{
		"error": errdefs.UserMessage(err, lang),
		"kind":  string(errdefs.KindOf(err)),
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// decodeJSON parses a bounded JSON request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}
