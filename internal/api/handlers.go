package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("hours"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hours")
		return
	}
	if hours == 0 {
		hours = defaultStatusHours
	}
	snap, err := h.Status.Collect(r.Context(), hours)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// jobResponse is a job plus whether a background batch was scheduled.
type jobResponse struct {
	*model.Job
	Enqueued bool `json:"enqueued"`
}

func (h *handler) startJob(w http.ResponseWriter, r *http.Request) {
	var opts jobs.StartOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be enrichment or icebreaker")
		return
	}

	job, err := h.Runner.Start(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{Job: job, Enqueued: h.enqueue(job.ID)})
}

func (h *handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Runner.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Enqueued: h.enqueue(job.ID)})
}

func (h *handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Runner.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) enqueue(id string) bool {
	if h.Queue == nil {
		return false
	}
	return h.Queue.Enqueue(id)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	list, err := h.Store.ListJobs(r.Context(), store.JobFilter{
		Status: model.JobStatus(q.Get("status")),
		Kind:   model.JobKind(q.Get("kind")),
		Limit:  limit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) jobFailures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetJob(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	failures, err := h.Store.ListJobFailures(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if failures == nil {
		failures = []model.JobFailure{}
	}
	writeJSON(w, http.StatusOK, failures)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Sweeper.Run(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) emergencyStop(w http.ResponseWriter, r *http.Request) {
	rep, err := jobs.EmergencyStop(r.Context(), h.Store, h.Locker)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) listProspects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	status := model.ProspectStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	list, err := h.Store.ListProspects(r.Context(), store.ProspectFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Prospect{}
	}
	writeJSON(w, http.StatusOK, list)
}

// prospectDetail is a prospect with its contacts.
type prospectDetail struct {
	*model.Prospect
	Contacts []model.Contact `json:"contacts"`
}

func (h *handler) getProspect(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	contacts, err := h.Store.ListContacts(r.Context(), p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if contacts == nil {
		contacts = []model.Contact{}
	}
	writeJSON(w, http.StatusOK, prospectDetail{Prospect: p, Contacts: contacts})
}

func (h *handler) prospectAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListAudit(r.Context(), store.AuditFilter{
		TableName: model.AuditTableProspects,
		RecordID:  chi.URLParam(r, "id"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) enrichProspect(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	out, err := h.Enricher.Enrich(r.Context(), chi.URLParam(r, "id"), enrich.Options{Force: force, ForceIcebreaker: force})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

const defaultStatusHours = 24

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
