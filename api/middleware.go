package api

import (
	"net/http"
	"time"
)

// maxBodyBytes bounds every request body. The largest legitimate body is a
// write of the authenticator data blob.
const maxBodyBytes = 4 << 20

const cleanupInterval = 10 * time.Minute

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupLoop periodically drops expired rate limiter records.
func (a *API) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.proofLimiter.sweep()
			a.signLimiter.sweep()
		}
	}
}
