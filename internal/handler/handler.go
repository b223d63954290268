// Package handler exposes the grading pipeline over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/adithyarao/scriptgrader/internal/model"
	"github.com/adithyarao/scriptgrader/internal/pipeline"
)

// maxUploadBytes caps one multipart upload. Scanned scripts run a few
// MB per page.
const maxUploadBytes = 256 << 20

// Handler serves the processing endpoints.
type Handler struct {
	pipe *pipeline.Pipeline
	log  *slog.Logger
}

// New creates a handler.
func New(pipe *pipeline.Pipeline, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{pipe: pipe, log: log}
}

// Routes registers the processing endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/process/student", h.processStudent)
	r.Post("/process/class", h.processClass)
	r.Get("/healthz", h.healthz)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.StatusPayload{Status: model.StatusSuccess, Message: "ok"})
}

// processStudent imports one student's scanned pages and returns their
// report.
func (h *Handler) processStudent(w http.ResponseWriter, r *http.Request) {
	key, pages, ok := h.parseUpload(w, r)
	if !ok {
		return
	}

	roll, err := h.pipe.ImportScript(r.Context(), key, pages, r.FormValue("expected_roll"))
	if err != nil {
		h.fail(w, r.Context(), "import script", err)
		return
	}
	report, err := h.pipe.ProcessStudent(r.Context(), key, roll)
	if err != nil {
		h.fail(w, r.Context(), "process student", err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusPayload{
		Status:  model.StatusSuccess,
		Message: fmt.Sprintf("scored %d answers for %s", len(report.Rows), roll),
		Data:    report,
	})
}

// processClass imports a combined scan of the whole class and returns
// the class matrix.
func (h *Handler) processClass(w http.ResponseWriter, r *http.Request) {
	key, pages, ok := h.parseUpload(w, r)
	if !ok {
		return
	}

	rolls, err := h.pipe.SplitCombined(r.Context(), key, pages)
	if err != nil {
		h.fail(w, r.Context(), "split combined scan", err)
		return
	}
	matrix, err := h.pipe.GradeClass(r.Context(), key)
	if err != nil {
		h.fail(w, r.Context(), "grade class", err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusPayload{
		Status:  model.StatusSuccess,
		Message: fmt.Sprintf("graded %d of %d scripts", len(matrix.Rows), len(rolls)),
		Data:    matrix,
	})
}

func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request) (model.ExamKey, []pipeline.Page, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.fail(w, r.Context(), "parse upload", err)
		return model.ExamKey{}, nil, false
	}

	key, err := examKeyFromForm(r)
	if err != nil {
		h.fail(w, r.Context(), "exam key", err)
		return model.ExamKey{}, nil, false
	}

	files := r.MultipartForm.File["pages"]
	if len(files) == 0 {
		h.fail(w, r.Context(), "upload", fmt.Errorf("no pages attached"))
		return model.ExamKey{}, nil, false
	}
	pages := make([]pipeline.Page, 0, len(files))
	for _, fh := range files {
		page, err := readPage(fh)
		if err != nil {
			h.fail(w, r.Context(), "read page "+fh.Filename, err)
			return model.ExamKey{}, nil, false
		}
		pages = append(pages, page)
	}
	return key, pages, true
}

func readPage(fh *multipart.FileHeader) (pipeline.Page, error) {
	f, err := fh.Open()
	if err != nil {
		return pipeline.Page{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Page{}, err
	}
	return pipeline.Page{Image: data, MIME: fh.Header.Get("Content-Type")}, nil
}

func examKeyFromForm(r *http.Request) (model.ExamKey, error) {
	key := model.ExamKey{
		Course:      r.FormValue("course"),
		SubjectCode: r.FormValue("subject_code"),
		Subject:     r.FormValue("subject"),
		ExamType:    r.FormValue("exam_type"),
		Section:     r.FormValue("section"),
	}
	var err error
	if key.Year, err = strconv.Atoi(r.FormValue("year")); err != nil {
		return key, fmt.Errorf("year: %w", err)
	}
	if key.Semester, err = strconv.Atoi(r.FormValue("semester")); err != nil {
		return key, fmt.Errorf("semester: %w", err)
	}
	for name, val := range map[string]string{
		"course": key.Course, "subject_code": key.SubjectCode,
		"exam_type": key.ExamType, "section": key.Section,
	} {
		if val == "" {
			return key, fmt.Errorf("missing form field %s", name)
		}
	}
	return key, nil
}

func (h *Handler) fail(w http.ResponseWriter, ctx context.Context, op string, err error) {
	h.log.Error(op+" failed", "error", err)
	status := http.StatusInternalServerError
	if ctx.Err() != nil {
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, model.StatusPayload{
		Status:  model.StatusError,
		Message: fmt.Sprintf("%s: %v", op, err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload model.StatusPayload) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
