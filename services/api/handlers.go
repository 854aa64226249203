package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metald/pkg/db"
	"metald/services/lifecycle"
)

func (a *API) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var paired *bool
	if v := r.URL.Query().Get("paired"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid paired filter %q", v))
			return
		}
		paired = &parsed
	}

	endpoints, err := a.endpoints.List(ctx, paired)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (a *API) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var states []lifecycle.State
	if v := r.URL.Query().Get("state"); v != "" {
		for _, s := range strings.Split(v, ",") {
			states = append(states, lifecycle.State(strings.TrimSpace(s)))
		}
	}

	entities, err := a.entities.List(ctx, states...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (a *API) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid entity id"))
		return
	}

	entity, err := a.entities.Get(ctx, id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrEntityNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid entity id"))
		return
	}

	if _, err := a.entities.Get(ctx, id); err != nil {
		if errors.Is(err, lifecycle.ErrEntityNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	history, err := a.entities.History(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if wantsText(r) {
		respondText(w, http.StatusOK, formatHistory(history))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

// formatHistory renders the ledger as one line per transition for operators
// reading it in a terminal.
func formatHistory(history []lifecycle.Transition) string {
	var b strings.Builder
	for _, tr := range history {
		verdict := "accepted"
		if !tr.Accepted {
			verdict = "REJECTED"
		}
		from := string(tr.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(&b, "%s  %-10s -> %-18s  %-8s  %s\n",
			tr.At.UTC().Format(time.RFC3339), from, tr.To, verdict, tr.Cause)
	}
	return b.String()
}

func (a *API) handleAttestations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid entity id"))
		return
	}
	if a.reports == nil {
		respondJSON(w, http.StatusOK, map[string]any{"reports": []any{}})
		return
	}

	reports, err := a.reports.Reports(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (a *API) handleBootScript(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid entity id"))
		return
	}
	if a.scripts == nil {
		respondError(w, http.StatusNotFound, errors.New("no boot script available"))
		return
	}

	script, ok := a.scripts.Script(id)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no boot script rendered for this entity"))
		return
	}
	respondText(w, http.StatusOK, script)
}

type templateSummary struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	RequiredParams []string `json:"required_params,omitempty"`
	ReservedParams []string `json:"reserved_params,omitempty"`
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := a.catalog.Templates()
	out := make([]templateSummary, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, templateSummary{
			Name:           tpl.Name,
			Description:    tpl.Description,
			RequiredParams: tpl.RequiredParams,
			ReservedParams: tpl.ReservedParams,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": out})
}

type stateCount struct {
	State string `db:"state"`
	Count int64  `db:"count"`
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var counts []stateCount
	err := db.Select(ctx, a.pool, &counts,
		`SELECT state, COUNT(*) AS count FROM entities GROUP BY state ORDER BY state`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var flagged int64
	err = db.Get(ctx, a.pool, &flagged,
		`SELECT COUNT(*) FROM entities WHERE needs_attention`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	byState := make(map[string]int64, len(counts))
	for _, c := range counts {
		byState[c.State] = c.Count
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entities_by_state": byState,
		"needs_attention":   flagged,
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), a.pool); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
