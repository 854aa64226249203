package attest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"metald/services/lifecycle"
)

// HTTPQuoteSource fetches measurement quotes from the attestation collector
// at <BaseURL>/quotes/<entity-id>. The collector responds with a JSON object
// carrying the measured PCR values.
type HTTPQuoteSource struct {
	BaseURL string
	Client  *http.Client
}

type quoteResponse struct {
	PCRs map[string]string `json:"pcrs"`
}

func (s *HTTPQuoteSource) Quote(ctx context.Context, entity lifecycle.Entity) (Evidence, error) {
	if s.BaseURL == "" {
		return Evidence{}, errors.New("quote source has no base url")
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	url := strings.TrimRight(s.BaseURL, "/") + "/quotes/" + entity.ID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Evidence{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return Evidence{}, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Evidence{}, fmt.Errorf("quote collector returned status %d", resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Evidence{}, fmt.Errorf("decode quote: %w", err)
	}
	if len(body.PCRs) == 0 {
		return Evidence{}, errors.New("quote carries no measurements")
	}

	return Evidence{PCRs: body.PCRs}, nil
}
