package prescription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ayush/pharmabot/backend/internal/auth"
	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/httpx"
	"github.com/ayush/pharmabot/backend/internal/logger"
	"github.com/ayush/pharmabot/backend/internal/models"
)

const (
	// multipartOverhead is allowed on top of the image size for boundaries
	// and part headers.
	multipartOverhead = 64 << 10
	multipartMemory   = 32 << 20
	runsLimit         = 50
)

// PrescriptionStore defines the interface for prescription persistence.
type PrescriptionStore interface {
	CreatePrescription(ctx context.Context, p *models.Prescription) error
	ListPrescriptionsByUser(ctx context.Context, userID int64) ([]models.Prescription, error)
	GetPrescription(ctx context.Context, id, userID int64) (*models.Prescription, error)
}

// ImageStore defines the interface for image storage.
type ImageStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, string, error)
	Remove(ctx context.Context, key string) error
}

// Journal records every analysis attempt.
type Journal interface {
	Record(ctx context.Context, run *models.AnalysisRun) error
	ListByUser(ctx context.Context, userID int64, limit int64) ([]models.AnalysisRun, error)
}

type HandlerConfig struct {
	MaxUploadBytes int64
	// Model is recorded with each journal entry.
	Model string
}

// Handler holds prescription HTTP handlers.
type Handler struct {
	store    PrescriptionStore
	images   ImageStore
	journal  Journal
	analyzer Analyzer
	schema   *SchemaChecker
	cfg      HandlerConfig
}

func NewHandler(store PrescriptionStore, images ImageStore, journal Journal, analyzer Analyzer, schema *SchemaChecker, cfg HandlerConfig) *Handler {
	return &Handler{store: store, images: images, journal: journal, analyzer: analyzer, schema: schema, cfg: cfg}
}

// Analyze runs an uploaded image through the vision model and stores the result.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := logger.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusBadRequest, h.tooLargeMessage())
			return
		}
		httpx.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		httpx.Error(w, http.StatusBadRequest, "File must be an image")
		return
	}
	if header.Size > h.cfg.MaxUploadBytes {
		httpx.Error(w, http.StatusBadRequest, h.tooLargeMessage())
		return
	}
	image, err := io.ReadAll(file)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "could not read file")
		return
	}

	start := time.Now()
	run := &models.AnalysisRun{
		UserID:      user.ID,
		Filename:    header.Filename,
		ContentType: contentType,
		Model:       h.cfg.Model,
		CreatedAt:   start.UTC(),
	}
	log = log.WithFields(logrus.Fields{"filename": header.Filename, "bytes": len(image)})

	text, err := h.analyzer.Analyze(ctx, image, contentType)
	if err != nil {
		log.WithError(err).Error("vision analysis failed")
		run.Outcome = models.RunUpstreamError
		run.Error = err.Error()
		h.record(ctx, run, start)
		httpx.Error(w, http.StatusInternalServerError, "Error analyzing prescription: "+err.Error())
		return
	}
	run.RawText = text

	parsed := ParseStructured(text)
	switch parsed.Status {
	case models.StructuredOK:
		run.SchemaViolations = h.schema.Check(parsed.Data)
		run.QuantityMismatches = quantityMismatches(parsed.Data)
		if len(run.SchemaViolations) > 0 || len(run.QuantityMismatches) > 0 {
			log.WithFields(logrus.Fields{
				"schema_violations":   run.SchemaViolations,
				"quantity_mismatches": run.QuantityMismatches,
			}).Warn("structured data does not match expected shape")
		}
	case models.StructuredParseFailed:
		log.WithError(parsed.Err).Warn("structured data not parsed, keeping raw text")
	}

	p := &models.Prescription{
		UserID:           user.ID,
		Filename:         header.Filename,
		Analysis:         text,
		StructuredData:   parsed.Data,
		StructuredStatus: parsed.Status,
	}

	key := imageKey(user.ID, header.Filename)
	if err := h.images.Upload(ctx, key, image, contentType); err != nil {
		log.WithError(err).Warn("image archive failed")
	} else {
		p.ImageKey = key
	}

	if err := h.store.CreatePrescription(ctx, p); err != nil {
		log.WithError(err).Error("save prescription")
		if p.ImageKey != "" {
			// no row references the archived image
			if rmErr := h.images.Remove(context.WithoutCancel(ctx), p.ImageKey); rmErr != nil {
				log.WithError(rmErr).WithField("image_key", p.ImageKey).Warn("remove orphaned image")
			}
		}
		run.Outcome = models.RunPersistError
		run.Error = err.Error()
		h.record(ctx, run, start)
		httpx.Error(w, http.StatusInternalServerError, "Error analyzing prescription: "+err.Error())
		return
	}

	run.Outcome = outcomeFor(parsed.Status)
	run.PrescriptionID = p.ID
	h.record(ctx, run, start)

	log.WithFields(logrus.Fields{"prescription_id": p.ID, "structured_status": p.StructuredStatus}).Info("prescription analyzed")
	httpx.WriteJSON(w, http.StatusOK, p)
}

// History returns the current user's prescriptions, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	list, err := h.store.ListPrescriptionsByUser(r.Context(), user.ID)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("list prescriptions")
		httpx.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if list == nil {
		list = []models.Prescription{}
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

// Get returns a single prescription owned by the current user.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// Structured returns only the parsed dispensing data of a prescription.
func (h *Handler) Structured(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	if p.StructuredStatus == models.StructuredParseFailed {
		httpx.Error(w, http.StatusNotFound, "Structured data could not be parsed for this prescription")
		return
	}
	if !p.HasStructuredData() {
		httpx.Error(w, http.StatusNotFound, "Structured data not available for this prescription")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.StructuredResponse{
		PrescriptionID: p.ID,
		Filename:       p.Filename,
		CreatedAt:      p.CreatedAt,
		Data:           p.StructuredData,
	})
}

// Image streams the archived upload.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	p, ok := h.load(w, r)
	if !ok {
		return
	}
	if p.ImageKey == "" {
		httpx.Error(w, http.StatusNotFound, "Image not available for this prescription")
		return
	}

	data, ct, err := h.images.Download(r.Context(), p.ImageKey)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("image download")
		httpx.Error(w, http.StatusInternalServerError, "download failed")
		return
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(p.Filename)))
	w.Write(data)
}

// Runs lists the current user's recent analysis attempts from the journal.
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	runs, err := h.journal.ListByUser(r.Context(), user.ID, runsLimit)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("list analysis runs")
		httpx.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if runs == nil {
		runs = []models.AnalysisRun{}
	}
	httpx.WriteJSON(w, http.StatusOK, runs)
}

// load resolves the {id} URL parameter to a prescription of the current user.
// Malformed ids are reported the same way as missing ones.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*models.Prescription, bool) {
	user, ok := currentUser(w, r)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusNotFound, "Prescription not found")
		return nil, false
	}

	p, err := h.store.GetPrescription(r.Context(), id, user.ID)
	if errors.Is(err, common.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "Prescription not found")
		return nil, false
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("get prescription")
		httpx.Error(w, http.StatusInternalServerError, "database error")
		return nil, false
	}
	return p, true
}

// record writes run to the journal. The journal is best effort and outlives
// a cancelled request.
func (h *Handler) record(ctx context.Context, run *models.AnalysisRun, start time.Time) {
	run.DurationMS = time.Since(start).Milliseconds()
	if err := h.journal.Record(context.WithoutCancel(ctx), run); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("journal analysis run")
	}
}

func (h *Handler) tooLargeMessage() string {
	return fmt.Sprintf("File exceeds the %d byte upload limit", h.cfg.MaxUploadBytes)
}

func currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w, "Not authenticated")
	}
	return user, ok
}

func outcomeFor(s models.StructuredStatus) models.RunOutcome {
	switch s {
	case models.StructuredOK:
		return models.RunOK
	case models.StructuredParseFailed:
		return models.RunParseFailed
	default:
		return models.RunEmpty
	}
}

func imageKey(userID int64, filename string) string {
	return fmt.Sprintf("%d/%s%s", userID, uuid.NewString(), strings.ToLower(path.Ext(filename)))
}
