package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/platform/metrics"
	"github.com/dstack-verify/attestor/internal/platform/service"
	"github.com/dstack-verify/attestor/internal/store"
	"github.com/dstack-verify/attestor/internal/sync"
)

// handler bundles the task API's HTTP endpoints (spec.md §4.10, §6).
type handler struct {
	cmds       *Commands
	syncEngine *sync.Engine
	cronKey    string
}

// NewHandler builds the gorilla/mux router exposing C10's command
// surface plus the cron-trigger endpoints spec.md §6's "Auth" section
// names.
func NewHandler(cmds *Commands, syncEngine *sync.Engine, tokens []string, cronKey string) http.Handler {
	h := &handler{cmds: cmds, syncEngine: syncEngine, cronKey: cronKey}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/tasks", h.createTasks).Methods(http.MethodPost)
	r.HandleFunc("/tasks", h.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", h.getTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", h.deleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/cancel", h.cancelTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/retry", h.retryTask).Methods(http.MethodPost)
	r.HandleFunc("/cron/sync/profiles", requireCronKey(h.triggerProfileSync, cronKey)).Methods(http.MethodPost)
	r.HandleFunc("/cron/sync/apps", requireCronKey(h.triggerAppSync, cronKey)).Methods(http.MethodPost)
	r.HandleFunc("/{appId}", h.listAppTasks).Methods(http.MethodGet)
	r.HandleFunc("/{appId}/{taskId}", h.getAppTask).Methods(http.MethodGet)
	r.HandleFunc("/widget/{appId}/{taskId}", h.widget).Methods(http.MethodGet)

	var out http.Handler = r
	out = wrapWithAuth(out, tokens)
	routes := out
	out = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Restrictive default for every route; the widget handler replaces it.
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		routes.ServeHTTP(w, req)
	})
	out = metrics.InstrumentHandler(out)
	return out
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createTasks(w http.ResponseWriter, r *http.Request) {
	var batch []CreateTaskInput
	if err := decodeCreateTasks(r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, apperr.ConfigInvalid("at least one task input is required"))
		return
	}

	tasks, err := h.cmds.CreateTasks(r.Context(), batch)
	if err != nil {
		writeAppError(w, err)
		return
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	if len(views) == 1 {
		writeJSON(w, http.StatusCreated, views[0])
		return
	}
	writeJSON(w, http.StatusCreated, views)
}

// decodeCreateTasks accepts either a single {appId,...} object or an
// array of them, spec.md §4.10 "1-or-N batch insert".
func decodeCreateTasks(r *http.Request, out *[]CreateTaskInput) error {
	raw := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return apperr.ConfigInvalid("invalid request body: " + err.Error())
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, out)
	}
	var single CreateTaskInput
	if err := json.Unmarshal(raw, &single); err != nil {
		return apperr.ConfigInvalid("invalid request body: " + err.Error())
	}
	*out = []CreateTaskInput{single}
	return nil
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.cmds.GetTask(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (h *handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.cmds.DeleteTask(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.cmds.CancelTask(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (h *handler) retryTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.cmds.RetryTask(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskView(task))
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tasks, err := h.cmds.ListTasks(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskViews(tasks))
}

func (h *handler) listAppTasks(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.AppID = appID
	tasks, err := h.cmds.ListTasks(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskViews(tasks))
}

func (h *handler) getAppTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := h.cmds.GetTask(r.Context(), vars["taskId"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	if task.AppID != vars["appId"] {
		writeError(w, http.StatusNotFound, apperr.TaskNotFound(vars["taskId"]))
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

// widget serves the embeddable report shape spec.md §6 names; the
// permissive frame-ancestors header is the one exception to the rest
// of the API's restrictive policy.
func (h *handler) widget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := h.cmds.GetTask(r.Context(), vars["taskId"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	if task.AppID != vars["appId"] {
		writeError(w, http.StatusNotFound, apperr.TaskNotFound(vars["taskId"]))
		return
	}
	w.Header().Set("Content-Security-Policy", "frame-ancestors *")
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (h *handler) triggerProfileSync(w http.ResponseWriter, r *http.Request) {
	if h.syncEngine == nil {
		writeError(w, http.StatusServiceUnavailable, apperr.Internal("sync engine not configured", nil))
		return
	}
	if err := h.syncEngine.RunProfileSync(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) triggerAppSync(w http.ResponseWriter, r *http.Request) {
	if h.syncEngine == nil {
		writeError(w, http.StatusServiceUnavailable, apperr.Internal("sync engine not configured", nil))
		return
	}
	if err := h.syncEngine.RunAppSync(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toTaskViews(tasks []domain.VerificationTask) []TaskView {
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	return views
}

func parseTaskFilter(r *http.Request) (store.TaskFilter, error) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		AppID:  strings.TrimSpace(q.Get("appId")),
		Status: domain.TaskStatus(strings.TrimSpace(q.Get("status"))),
	}

	limit, err := parseLimitParam(q.Get("limit"), service.DefaultListLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	if raw := strings.TrimSpace(q.Get("cursorCreatedAt")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, apperr.ConfigInvalid("invalid cursorCreatedAt: " + err.Error())
		}
		filter.CursorCreatedAt = t
	}
	filter.CursorID = strings.TrimSpace(q.Get("cursorId"))

	return filter, nil
}

func parseLimitParam(raw string, defaultLimit int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.ConfigInvalid("limit must be a positive integer")
	}
	return service.ClampLimit(n, defaultLimit, service.MaxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeAppError(w http.ResponseWriter, err error) {
	writeError(w, apperr.GetHTTPStatus(err), err)
}
