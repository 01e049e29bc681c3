// Package feedsim simulates the upstream CDR service: a Basic-auth token
// endpoint and a chunked JSON stream of CDR batches.
package feedsim

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Feed serves POST /auth and GET /cdrs. Every value received on the chunk
// channel is written and flushed as one chunk; closing the channel ends the
// stream.
type Feed struct {
	Username string
	Password string
	Token    string

	chunks <-chan []byte
	logger *zap.Logger
}

// NewFeed creates a new simulated upstream
func NewFeed(username, password, token string, chunks <-chan []byte, logger *zap.Logger) *Feed {
	return &Feed{
		Username: username,
		Password: password,
		Token:    token,
		chunks:   chunks,
		logger:   logger,
	}
}

// Router returns the HTTP routes of the simulated upstream
func (f *Feed) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/auth", f.handleAuth).Methods(http.MethodPost)
	router.HandleFunc("/cdrs", f.handleCDRs).Methods(http.MethodGet)
	return router
}

func (f *Feed) handleAuth(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != f.Username || pass != f.Password {
		f.logger.Info("Rejected credentials", zap.String("user", user))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": f.Token})
}

func (f *Feed) handleCDRs(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.Token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	f.logger.Info("Subscriber connected", zap.String("remote_addr", r.RemoteAddr))

	for {
		select {
		case <-r.Context().Done():
			f.logger.Info("Subscriber disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case chunk, ok := <-f.chunks:
			if !ok {
				f.logger.Info("Feed exhausted, closing stream")
				return
			}
			if _, err := w.Write(chunk); err != nil {
				f.logger.Warn("Failed to write chunk", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
