package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPresignTTL = 5 * time.Minute
	maxPresignTTL     = time.Hour
)

// Presigner generates time-limited download URLs for cached boot artifacts.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func (a *API) handlePresignArtifact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if a.presigner == nil {
		respondError(w, http.StatusNotFound, errors.New("artifact store not configured"))
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		respondError(w, http.StatusBadRequest, errors.New("missing key query parameter"))
		return
	}

	ttl := defaultPresignTTL
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl %q", raw))
			return
		}
		ttl = time.Duration(seconds) * time.Second
		if ttl > maxPresignTTL {
			ttl = maxPresignTTL
		}
	}

	url, err := a.presigner.PresignGet(ctx, key, ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}
