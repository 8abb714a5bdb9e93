package web

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/ops"
	"github.com/jmallek/chew/internal/report"
)

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	db       *sql.DB
	cfg      *config.Config
	renderer *Renderer
}

// HandleList handles GET /runs - list stored runs.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	input := ops.ListInput{
		Limit:          parseIntParam(r, "limit", 20),
		Offset:         parseIntParam(r, "offset", 0),
		IncludeDeleted: parseBoolParam(r, "include_deleted"),
	}

	result, err := ops.List(h.db, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "list", ListPageData{
		PageData: PageData{
			Title:   "Runs",
			Version: h.renderer.version,
			Nav:     "runs",
		},
		Runs:       result.Runs,
		Pagination: result.Pagination,
		Deleted:    input.IncludeDeleted,
	})
}

// HandleDetail handles GET /runs/{id} - one run rendered as a report.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := ops.Fetch(h.db, ops.FetchInput{
		ID:             id,
		IncludeDeleted: parseBoolParam(r, "include_deleted"),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	displayName := result.ID
	if result.Label != nil && *result.Label != "" {
		displayName = *result.Label
	}

	md := report.Build(&result.Run, result.Records)

	h.renderer.renderPage(w, r, "detail", DetailPageData{
		PageData: PageData{
			Title:   displayName,
			Version: h.renderer.version,
			Nav:     "runs",
		},
		Run:          result,
		RenderedHTML: renderMarkdown(md),
		DisplayName:  displayName,
	})
}

// HandleDelete handles DELETE /runs/{id} - soft delete.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := ops.Delete(h.db, ops.DeleteInput{ID: id})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, result)
}

// HandlePurge handles POST /runs/purge - hard-delete soft-deleted runs.
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	var olderThanDays *int
	if v := r.URL.Query().Get("older_than_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			olderThanDays = &n
		}
	}

	result, err := ops.Purge(h.db, ops.PurgeInput{OlderThanDays: olderThanDays})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, result)
}

// parseIntParam parses an integer query parameter with a default.
func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseBoolParam parses a boolean query parameter, defaulting to false.
func parseBoolParam(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}
