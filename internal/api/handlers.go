package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/verification"
)

type listResponse struct {
	Items    []model.VerificationListItem `json:"items"`
	Total    int                          `json:"total"`
	Page     int                          `json:"page"`
	PageSize int                          `json:"page_size"`
}

type taskResponse struct {
	TaskID string       `json:"task_id,omitempty"`
	Status model.Status `json:"status,omitempty"`
}

type textArtifactRequest struct {
	Text string `json:"text"`
}

func actor(r *http.Request) model.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req verification.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.svc.Create(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, total, err := s.svc.List(r.Context(), actor(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter = filter.Normalize()
	if items == nil {
		items = []model.VerificationListItem{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize})
}

func parseFilter(r *http.Request) (model.VerificationFilter, error) {
	q := r.URL.Query()
	f := model.VerificationFilter{
		Status: model.Status(q.Get("status")),
		Payer:  strings.TrimSpace(q.Get("payer")),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		return f, err
	}
	if f.PageSize, err = intParam(q.Get("page_size")); err != nil {
		return f, err
	}
	if f.From, err = dateParam(q.Get("created_from")); err != nil {
		return f, err
	}
	if f.To, err = dateParam(q.Get("created_to")); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, eris.Wrapf(model.ErrInvalid, "invalid integer %q", s)
	}
	return n, nil
}

func dateParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := model.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch model.VerificationPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.svc.Update(r.Context(), actor(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.RequestRun(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID})
}

// handleAddArtifact accepts either a JSON {"text": ...} body or a multipart
// form with a "file" part.
func (s *Server) handleAddArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		a   *model.Artifact
		err error
	)
	if mediaType == "multipart/form-data" {
		var up verification.Upload
		up, err = readUpload(w, r)
		if err == nil {
			a, err = s.svc.AddUpload(r.Context(), actor(r), id, up)
		}
	} else {
		var req textArtifactRequest
		err = decodeJSON(r, &req)
		if err == nil {
			a, err = s.svc.AddTextArtifact(r.Context(), actor(r), id, req.Text)
		}
	}
	if err != nil {
		if a != nil {
			// Saved, but extraction could not be queued.
			writeJSON(w, http.StatusAccepted, a)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func readUpload(w http.ResponseWriter, r *http.Request) (verification.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return verification.Upload{}, eris.Wrapf(model.ErrInvalid, "invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return verification.Upload{}, eris.Wrap(model.ErrInvalid, "missing file")
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		return verification.Upload{}, eris.Wrap(err, "api: read upload")
	}
	return verification.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.svc.ListArtifacts(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	url, err := s.svc.ArtifactDownloadURL(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"download_url": url})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.GetSummary(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	var upd model.FieldUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	f, err := s.svc.UpdateField(r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "name"), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Finalize(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, Status: model.StatusFinalized})
}

func (s *Server) handleRequestReport(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.RequestReport(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	link, err := s.svc.LatestReport(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.AuditTrail(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Overview(r.Context(), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
