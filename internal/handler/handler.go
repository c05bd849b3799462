// Package handler is the JSON API surface over the evaluation pipeline.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/gradescan/internal/archive"
	"github.com/pavelanni/gradescan/internal/evaluate"
	"github.com/pavelanni/gradescan/internal/i18n"
	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/objstore"
	"github.com/pavelanni/gradescan/internal/rasterize"
	"github.com/pavelanni/gradescan/internal/reconcile"
	"github.com/pavelanni/gradescan/internal/store"
)

const maxUploadBytes = 32 << 20

// Pinger checks that the external scoring service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	orch       *evaluate.Orchestrator
	gateway    objstore.Gateway
	reconciler *reconcile.Reconciler
	pinger     Pinger
	config     model.PipelineConfig
}

// New creates a new Handler.
func New(s *store.Store, orch *evaluate.Orchestrator, gw objstore.Gateway, pinger Pinger, cfg model.PipelineConfig) *Handler {
	return &Handler{
		store:      s,
		orch:       orch,
		gateway:    gw,
		reconciler: reconcile.New(s),
		pinger:     pinger,
		config:     cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/tests/{testID}/documents", h.handleUploadDocument)
	r.Post("/tests/{testID}/students/{studentID}/evaluate", h.handleEvaluate)
	r.Get("/tests/{testID}/students/{studentID}/evaluation", h.handleGetEvaluation)
	r.Post("/tests/{testID}/students/{studentID}/questions/{question}/score", h.handleOverrideScore)
	r.Get("/tests/{testID}/students/{studentID}/ledger", h.handleGetLedger)
	r.Get("/tests/{testID}/export", h.handleExport)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		slog.Warn("scorer health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"scorer": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadDocument stores an uploaded document and, for PDFs, runs
// the prepare path: rasterize into page images, package them into a
// zip archive and store it next to the original.
func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	testID, err := pathID(r, "testID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid test ID")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "parse upload: "+err.Error())
		return
	}
	role, err := model.ParseDocumentRole(r.FormValue("role"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var studentID int64
	if v := r.FormValue("student_id"); v != "" {
		studentID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid student ID")
			return
		}
	}
	if role == model.RoleAnswerSheet && studentID == 0 {
		respondError(w, http.StatusBadRequest, "answer sheets need a student_id")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	ext := strings.ToLower(path.Ext(header.Filename))
	if ext != ".pdf" && ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		respondError(w, http.StatusUnsupportedMediaType, "only PDF, PNG and JPEG uploads are supported")
		return
	}

	base := fmt.Sprintf("tests/%d/%s/%s", testID, role, uuid.NewString())
	docURL, err := h.gateway.Put(r.Context(), base+ext, data, contentType(ext))
	if err != nil {
		respondError(w, http.StatusBadGateway, "store document: "+err.Error())
		return
	}

	asset := model.DocumentAsset{
		TestID:    testID,
		StudentID: studentID,
		Role:      role,
		URL:       docURL,
	}
	assetID, err := h.store.UpsertDocumentAsset(asset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "record document: "+err.Error())
		return
	}
	asset.ID = assetID

	resp := map[string]any{"asset": &asset}

	if ext == ".pdf" {
		pages, err := rasterize.Pages(r.Context(), data)
		if err != nil {
			// The original is stored; the caller falls back to manual
			// text entry for this document.
			slog.Warn("rasterize failed, manual entry required",
				"test_id", testID, "role", role, "error", err)
			resp["warning"] = i18n.T(r.Context(), "NeedsConversion")
			respondJSON(w, http.StatusCreated, resp)
			return
		}
		zipData, err := archive.Pack(pages, path.Base(base), h.config.ZipCompression)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "package pages: "+err.Error())
			return
		}
		archiveURL, err := h.gateway.Put(r.Context(), base+".zip", zipData, "application/zip")
		if err != nil {
			respondError(w, http.StatusBadGateway, "store page archive: "+err.Error())
			return
		}
		if err := h.store.SetAssetArchiveURL(assetID, archiveURL); err != nil {
			respondError(w, http.StatusInternalServerError, "record page archive: "+err.Error())
			return
		}
		asset.ArchiveURL = archiveURL
		resp["message"] = i18n.Tp(r.Context(), "PagesConverted", len(pages))
	}

	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	testID, studentID, ok := pairIDs(w, r)
	if !ok {
		return
	}

	ev, err := h.orch.Evaluate(r.Context(), testID, studentID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ev)
	case errors.Is(err, evaluate.ErrNoAnswerSheet),
		errors.Is(err, evaluate.ErrMissingDocument):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, evaluate.ErrAlreadyInProgress):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, evaluate.ErrConfiguration):
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		// The attempt failed; the evaluation row carries the retry
		// context, so return it alongside the error.
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":      err.Error(),
			"evaluation": ev,
		})
	}
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	testID, studentID, ok := pairIDs(w, r)
	if !ok {
		return
	}
	ev, err := h.store.GetEvaluation(testID, studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ev == nil {
		respondError(w, http.StatusNotFound, "no evaluation for this student")
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleOverrideScore(w http.ResponseWriter, r *http.Request) {
	testID, studentID, ok := pairIDs(w, r)
	if !ok {
		return
	}
	question, err := strconv.Atoi(chi.URLParam(r, "question"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid question number")
		return
	}

	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	ev, err := h.reconciler.OverrideQuestionScore(testID, studentID, question, body.Score)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"evaluation": ev,
		"message": i18n.Td(r.Context(), "ScoreUpdated",
			map[string]any{"Marks": ev.Payload.Summary.TotalScore[0]}),
	})
}

func (h *Handler) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	testID, studentID, ok := pairIDs(w, r)
	if !ok {
		return
	}
	entry, err := h.store.GetLedgerEntry(testID, studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		respondError(w, http.StatusNotFound, "no grade recorded")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	testID, err := pathID(r, "testID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid test ID")
		return
	}
	export, err := h.store.ExportTestResults(testID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, export)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func pairIDs(w http.ResponseWriter, r *http.Request) (testID, studentID int64, ok bool) {
	testID, err := pathID(r, "testID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid test ID")
		return 0, 0, false
	}
	studentID, err = pathID(r, "studentID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid student ID")
		return 0, 0, false
	}
	return testID, studentID, true
}

func contentType(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
