package api

import (
	"encoding/json"
	"net/http"

	"github.com/byu-ilab/onekey/ca"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends the protocol error body. code is one of the ca.Code*
// constants clients switch on.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ca.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, out any) bool {
	return json.NewDecoder(r.Body).Decode(out) == nil
}
