package prescription

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush/pharmabot/backend/internal/auth"
	"github.com/ayush/pharmabot/backend/internal/common"
	"github.com/ayush/pharmabot/backend/internal/models"
)

type memPrescriptions struct {
	mu        sync.Mutex
	nextID    int64
	rows      []models.Prescription
	createErr error
}

func (m *memPrescriptions) CreatePrescription(_ context.Context, p *models.Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Date(2025, 11, 24, 12, 0, 0, 0, time.UTC).Add(time.Duration(p.ID) * time.Second)
	m.rows = append(m.rows, *p)
	return nil
}

func (m *memPrescriptions) ListPrescriptionsByUser(_ context.Context, userID int64) ([]models.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Prescription{}
	for _, p := range m.rows {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memPrescriptions) GetPrescription(_ context.Context, id, userID int64) (*models.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.ID == id && p.UserID == userID {
			return &p, nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memPrescriptions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memImages struct {
	objects   map[string][]byte
	types     map[string]string
	uploadErr error
}

func newMemImages() *memImages {
	return &memImages{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memImages) Upload(_ context.Context, key string, data []byte, contentType string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memImages) Remove(_ context.Context, key string) error {
	delete(m.objects, key)
	delete(m.types, key)
	return nil
}

func (m *memImages) Download(_ context.Context, key string) ([]byte, string, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, "", errors.New("no such object")
	}
	return data, m.types[key], nil
}

type memJournal struct {
	runs []models.AnalysisRun
}

func (m *memJournal) Record(_ context.Context, run *models.AnalysisRun) error {
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memJournal) ListByUser(_ context.Context, userID int64, limit int64) ([]models.AnalysisRun, error) {
	var out []models.AnalysisRun
	for i := len(m.runs) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if m.runs[i].UserID == userID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

type fakeAnalyzer struct {
	text  string
	err   error
	calls int
}

func (f *fakeAnalyzer) Analyze(context.Context, []byte, string) (string, error) {
	f.calls++
	return f.text, f.err
}

var (
	alice = &models.User{ID: 1, Username: "alice"}
	bob   = &models.User{ID: 2, Username: "bob"}
)

type testEnv struct {
	router   http.Handler
	store    *memPrescriptions
	images   *memImages
	journal  *memJournal
	analyzer *fakeAnalyzer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	checker, err := NewSchemaChecker()
	require.NoError(t, err)

	env := &testEnv{
		store:    &memPrescriptions{},
		images:   newMemImages(),
		journal:  &memJournal{},
		analyzer: &fakeAnalyzer{},
	}
	h := NewHandler(env.store, env.images, env.journal, env.analyzer, checker, HandlerConfig{MaxUploadBytes: 1 << 10, Model: "gemini-test"})

	r := chi.NewRouter()
	r.Post("/prescriptions/analyze", h.Analyze)
	r.Get("/prescriptions/history", h.History)
	r.Get("/prescriptions/runs", h.Runs)
	r.Get("/prescriptions/{id}", h.Get)
	r.Get("/prescriptions/{id}/structured", h.Structured)
	r.Get("/prescriptions/{id}/image", h.Image)
	env.router = r
	return env
}

func (e *testEnv) do(user *models.User, req *http.Request) *httptest.ResponseRecorder {
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(user *models.User, target string) *httptest.ResponseRecorder {
	return e.do(user, httptest.NewRequest(http.MethodGet, target, nil))
}

func uploadRequest(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/prescriptions/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func decodePrescription(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAnalyze_FencedJSON(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = "```json\n{\"medications\": [], \"patient\": {}}\n```"

	rec := env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("png-bytes")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodePrescription(t, rec)
	assert.Equal(t, "rx.png", body["filename"])
	assert.Equal(t, env.analyzer.text, body["analysis"])
	assert.Equal(t, "ok", body["structured_status"])
	assert.Equal(t, map[string]interface{}{"medications": []interface{}{}, "patient": map[string]interface{}{}}, body["structured_data"])
	assert.NotContains(t, body, "user_id")

	require.Equal(t, 1, env.store.count())
	stored := env.store.rows[0]
	assert.Equal(t, alice.ID, stored.UserID)
	assert.NotEmpty(t, stored.ImageKey)
	assert.True(t, strings.HasPrefix(stored.ImageKey, "1/"))
	assert.True(t, strings.HasSuffix(stored.ImageKey, ".png"))
	assert.Equal(t, []byte("png-bytes"), env.images.objects[stored.ImageKey])

	require.Len(t, env.journal.runs, 1)
	run := env.journal.runs[0]
	assert.Equal(t, models.RunOK, run.Outcome)
	assert.Equal(t, stored.ID, run.PrescriptionID)
	assert.Equal(t, "gemini-test", run.Model)
	assert.Empty(t, run.SchemaViolations)

	// history then structured, as a dispensing client would
	rec = env.get(alice, "/prescriptions/history")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)

	rec = env.get(alice, "/prescriptions/1/structured")
	require.Equal(t, http.StatusOK, rec.Code)
	var structured models.StructuredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &structured))
	assert.Equal(t, int64(1), structured.PrescriptionID)
	assert.JSONEq(t, `{"medications": [], "patient": {}}`, string(structured.Data))
}

func TestAnalyze_InvalidJSONKeepsRawText(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = "The prescription is illegible."

	rec := env.do(alice, uploadRequest(t, "rx.jpg", "image/jpeg", []byte("jpg")))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodePrescription(t, rec)
	assert.Nil(t, body["structured_data"])
	assert.Equal(t, "parse_failed", body["structured_status"])
	assert.Equal(t, "The prescription is illegible.", body["analysis"])
	assert.Equal(t, models.RunParseFailed, env.journal.runs[0].Outcome)

	rec = env.get(alice, "/prescriptions/1/structured")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Structured data could not be parsed for this prescription", detailOf(t, rec))
}

func TestAnalyze_NonObjectJSONIsKept(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = "```json\n[{\"medicine_name\": \"Amoxicillin\"}]\n```"

	rec := env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("png")))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodePrescription(t, rec)
	assert.Equal(t, "ok", body["structured_status"])
	assert.Equal(t, []interface{}{map[string]interface{}{"medicine_name": "Amoxicillin"}}, body["structured_data"])
	assert.NotEmpty(t, env.journal.runs[0].SchemaViolations)

	rec = env.get(alice, "/prescriptions/1/structured")
	require.Equal(t, http.StatusOK, rec.Code)
	var structured models.StructuredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &structured))
	assert.JSONEq(t, `[{"medicine_name": "Amoxicillin"}]`, string(structured.Data))
}

func TestAnalyze_QualityFindingsAreJournaled(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{"prescription_date": "tomorrow", "medications": [{"medicine_name": "Amoxicillin", "quantity_per_dose": 1, "frequency_code": "TID", "duration_days": 5, "total_quantity": 10}]}`

	rec := env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("png")))
	require.Equal(t, http.StatusOK, rec.Code)

	run := env.journal.runs[0]
	assert.Equal(t, models.RunOK, run.Outcome)
	assert.NotEmpty(t, run.SchemaViolations)
	assert.Equal(t, []string{"Amoxicillin: total_quantity 10, expected 15"}, run.QuantityMismatches)
}

func TestAnalyze_RejectsNonImage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(alice, uploadRequest(t, "notes.txt", "text/plain", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File must be an image", detailOf(t, rec))
	assert.Zero(t, env.store.count())
	assert.Zero(t, env.analyzer.calls)
	assert.Empty(t, env.journal.runs)
}

func TestAnalyze_BadUploads(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(alice, uploadRequest(t, "big.png", "image/png", bytes.Repeat([]byte{1}, 2<<10)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/prescriptions/analyze", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec = env.do(alice, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/prescriptions/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = env.do(alice, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file is required", detailOf(t, rec))

	assert.Zero(t, env.store.count())
	assert.Zero(t, env.analyzer.calls)
}

func TestAnalyze_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.err = errors.New("gemini returned no candidates")

	rec := env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("png")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error analyzing prescription: gemini returned no candidates", detailOf(t, rec))
	assert.Zero(t, env.store.count())

	require.Len(t, env.journal.runs, 1)
	assert.Equal(t, models.RunUpstreamError, env.journal.runs[0].Outcome)
	assert.Equal(t, "gemini returned no candidates", env.journal.runs[0].Error)
}

func TestAnalyze_PersistFailure(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{}`
	env.store.createErr = errors.New("connection reset")

	rec := env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("png")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error analyzing prescription: connection reset", detailOf(t, rec))
	assert.Equal(t, models.RunPersistError, env.journal.runs[0].Outcome)
	assert.Zero(t, env.store.count())
	assert.Empty(t, env.images.objects, "archived image must not outlive a failed insert")
}

func TestAnalyze_ArchiveFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{"diagnosis": "flu"}`
	env.images.uploadErr = errors.New("minio down")

	rec := env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("png")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.store.rows[0].ImageKey)

	rec = env.get(alice, "/prescriptions/1/image")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Image not available for this prescription", detailOf(t, rec))
}

func TestAnalyze_RequiresUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(nil, uploadRequest(t, "rx.png", "image/png", []byte("png")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCrossUserIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{"diagnosis": "flu"}`
	require.Equal(t, http.StatusOK, env.do(alice, uploadRequest(t, "a.png", "image/png", []byte("a"))).Code)

	for _, target := range []string{"/prescriptions/1", "/prescriptions/1/structured", "/prescriptions/1/image"} {
		rec := env.get(bob, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "Prescription not found", detailOf(t, rec), target)
	}

	rec := env.get(bob, "/prescriptions/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.get(bob, "/prescriptions/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHistory_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{}`
	for _, name := range []string{"first.png", "second.png", "third.png"} {
		require.Equal(t, http.StatusOK, env.do(alice, uploadRequest(t, name, "image/png", []byte("x"))).Code)
	}

	rec := env.get(alice, "/prescriptions/history")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Prescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 3)
	assert.Equal(t, "third.png", list[0].Filename)
	assert.Equal(t, "first.png", list[2].Filename)
}

func TestGet(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{"diagnosis": "flu"}`
	require.Equal(t, http.StatusOK, env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("x"))).Code)

	rec := env.get(alice, "/prescriptions/1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodePrescription(t, rec)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, map[string]interface{}{"diagnosis": "flu"}, body["structured_data"])

	for _, target := range []string{"/prescriptions/99", "/prescriptions/abc", "/prescriptions/0"} {
		rec := env.get(alice, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "Prescription not found", detailOf(t, rec), target)
	}
}

func TestStructured_Absent(t *testing.T) {
	for _, text := range []string{"", "null", "{}", "[]"} {
		t.Run(text, func(t *testing.T) {
			env := newTestEnv(t)
			env.analyzer.text = text

			require.Equal(t, http.StatusOK, env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("x"))).Code)
			rec := env.get(alice, "/prescriptions/1/structured")
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "Structured data not available for this prescription", detailOf(t, rec))
		})
	}
}

func TestImage(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = `{}`
	require.Equal(t, http.StatusOK, env.do(alice, uploadRequest(t, "scan.JPG", "image/jpeg", []byte("jpeg-bytes"))).Code)

	rec := env.get(alice, "/prescriptions/1/image")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `inline; filename="scan.JPG"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "jpeg-bytes", rec.Body.String())
	assert.True(t, strings.HasSuffix(env.store.rows[0].ImageKey, ".jpg"))
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.text = "not json"
	require.Equal(t, http.StatusOK, env.do(alice, uploadRequest(t, "rx.png", "image/png", []byte("x"))).Code)

	rec := env.get(alice, "/prescriptions/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.AnalysisRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunParseFailed, runs[0].Outcome)
	assert.Equal(t, "rx.png", runs[0].Filename)
}
