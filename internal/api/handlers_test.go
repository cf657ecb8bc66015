package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-takeoff/backend/internal/document"
	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/session"
	"github.com/plan-takeoff/backend/internal/storage"
	"github.com/plan-takeoff/backend/internal/testutil"
	"github.com/plan-takeoff/backend/internal/upload"
)

// countLines treats every line of a "%PDF" file as one page.
func countLines(r io.ReadSeeker) (int, error) {
	defer r.(io.Closer).Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return 0, errors.New("missing header")
	}
	return bytes.Count(data, []byte("\n")), nil
}

type testServer struct {
	e        *echo.Echo
	repo     *testutil.MemoryRepository
	store    *storage.LocalStore
	sessions *session.Manager
	uploads  *upload.Manager
	handlers *Handlers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := testutil.NewMemoryRepository()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	registry := measurement.NewRegistry(repo, measurement.WithCalibrations(repo))
	open := func(ctx context.Context, plan *models.Plan) (document.Renderer, error) {
		return testutil.NewFakeRenderer(plan.PageCount), nil
	}
	hub := NewHub(0, nil)
	sessions := session.NewManager(repo, repo, registry, open, session.WithEventSink(hub.Broadcast))
	t.Cleanup(sessions.CloseAll)
	uploads := upload.NewManager(store, repo, countLines, nil)

	handlers := NewHandlers(&Dependencies{
		Store:             store,
		Plans:             repo,
		Calibrations:      repo,
		Sessions:          sessions,
		Uploads:           uploads,
		Measurements:      registry,
		Hub:               hub,
		RenderTimeout:     5 * time.Second,
		AllowPlanDeletion: true,
		AllowedFileTypes:  []string{".pdf"},
		Version:           "test",
	})

	e := echo.New()
	SetupMiddleware(e)
	RegisterRoutes(e, handlers)
	RegisterWebSocketRoutes(e, handlers)

	for _, id := range []string{"plan-1", "plan-2"} {
		require.NoError(t, repo.CreatePlan(context.Background(), &models.Plan{
			ID: id, ProjectID: "proj-1", Name: id + ".pdf", PageCount: 5,
		}))
	}

	return &testServer{e: e, repo: repo, store: store, sessions: sessions, uploads: uploads, handlers: handlers}
}

func (s *testServer) do(method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) multipart(t *testing.T, path string, fields map[string]string, fileName string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		fw.Write(data)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestUploadPlan(t *testing.T) {
	tests := []struct {
		name       string
		fields     map[string]string
		fileName   string
		data       string
		wantStatus int
		wantCode   string
	}{
		{"valid plan", map[string]string{"projectId": "proj-9"}, "tower.pdf", "%PDF\n1\n2\n", http.StatusCreated, ""},
		{"missing project", nil, "tower.pdf", "%PDF\n", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no file", map[string]string{"projectId": "proj-9"}, "", "", http.StatusBadRequest, "BAD_REQUEST"},
		{"wrong extension", map[string]string{"projectId": "proj-9"}, "notes.txt", "%PDF\n", http.StatusBadRequest, "BAD_REQUEST"},
		{"unreadable document", map[string]string{"projectId": "proj-9"}, "broken.pdf", "garbage", http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.multipart(t, "/api/plans", tt.fields, tt.fileName, []byte(tt.data))

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decode[APIError](t, rec).Code)
				return
			}
			plan := decode[models.Plan](t, rec)
			assert.Equal(t, 3, plan.PageCount)
			assert.Equal(t, "proj-9", plan.ProjectID)

			list := decode[[]models.Plan](t, s.do(http.MethodGet, "/api/projects/proj-9/plans", nil))
			require.Len(t, list, 1)
			assert.Equal(t, plan.ID, list[0].ID)
		})
	}
}

func TestChunkedUpload(t *testing.T) {
	s := newTestServer(t)
	data := []byte("%PDF\n" + strings.Repeat("page\n", 7))

	for i, part := range [][]byte{data[:10], data[10:]} {
		rec := s.multipart(t, "/api/plans/upload/chunk",
			map[string]string{"uploadId": "up-1", "chunkIndex": string(rune('0' + i))}, "blob", part)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec := s.do(http.MethodPost, "/api/plans/upload/complete", map[string]interface{}{
		"uploadId": "up-1", "projectId": "proj-2", "name": "big.pdf", "totalChunks": 2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decode[map[string]interface{}](t, rec)["jobId"].(string)
	s.uploads.Wait()

	rec = s.do(http.MethodGet, "/api/plans/upload/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[upload.Job](t, rec)
	assert.Equal(t, upload.StatusComplete, job.Status, job.Error)
	require.NotNil(t, job.Plan)
	assert.Equal(t, 8, job.Plan.PageCount)

	t.Run("unknown job", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/plans/upload/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid complete request", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/plans/upload/complete", map[string]interface{}{
			"uploadId": "up-2", "projectId": "proj-2", "name": "x.pdf", "totalChunks": 0,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetPage_Progressive(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/plans/plan-1/pages/2?quality=low", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "low", rec.Header().Get(HeaderRenderQuality))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = s.do(http.MethodGet, "/api/plans/plan-1/pages/2?quality=low", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "second request is a cache hit")

	rec = s.do(http.MethodGet, "/api/plans/plan-1/pages/2?quality=high", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderRenderPending))
	assert.Equal(t, "low", rec.Header().Get(HeaderRenderQuality))

	rec = s.do(http.MethodGet, "/api/plans/plan-1/pages/2?quality=high&wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "high", rec.Header().Get(HeaderRenderQuality))
	assert.Empty(t, rec.Header().Get(HeaderRenderPending))
}

func TestGetPage_Errors(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"page out of range", "/api/plans/plan-1/pages/9", http.StatusBadRequest},
		{"page not a number", "/api/plans/plan-1/pages/x", http.StatusBadRequest},
		{"unknown quality", "/api/plans/plan-1/pages/1?quality=ultra", http.StatusBadRequest},
		{"bad rotation", "/api/plans/plan-1/pages/1?rotation=45", http.StatusBadRequest},
		{"unknown plan", "/api/plans/nope/pages/1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestThumbnail(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/plans/plan-1/pages/1/thumbnail", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
}

func TestViewportAndCache(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/plans/plan-1/viewport", map[string]interface{}{"pages": []int{3}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, []interface{}{2.0, 4.0, 1.0, 5.0}, body["prefetch"])

	rec = s.do(http.MethodPost, "/api/plans/plan-1/viewport", map[string]interface{}{"pages": []int{8}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/plans/plan-1/viewport", map[string]interface{}{"pages": []int{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/api/plans/plan-1/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/plans/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[[]session.Info](t, rec)
	require.Len(t, open, 1)
	assert.Equal(t, "plan-1", open[0].PlanID)
}

func TestCalibrationEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/plans/plan-1/pages/1/calibration", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPut, "/api/plans/plan-1/pages/1/calibration", map[string]interface{}{
		"point1": models.Point{X: 0, Y: 0}, "point2": models.Point{X: 300, Y: 400},
		"realDistance": 5, "unit": "m", "scaleRatio": "1:100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cal := decode[models.Calibration](t, rec)
	assert.InDelta(t, 100, cal.PixelsPerUnit, 1e-9)
	assert.Equal(t, "1:100", cal.ScaleRatio)

	rec = s.do(http.MethodGet, "/api/plans/plan-1/pages/1/calibration", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cal.ID, decode[models.Calibration](t, rec).ID)

	t.Run("rejected", func(t *testing.T) {
		for name, body := range map[string]map[string]interface{}{
			"missing point":     {"point1": models.Point{}, "realDistance": 5},
			"zero distance":     {"point1": models.Point{}, "point2": models.Point{X: 1}, "realDistance": 0},
			"coincident points": {"point1": models.Point{X: 1}, "point2": models.Point{X: 1}, "realDistance": 2},
			"unknown unit":      {"point1": models.Point{}, "point2": models.Point{X: 1}, "realDistance": 2, "unit": "yd"},
		} {
			rec := s.do(http.MethodPut, "/api/plans/plan-1/pages/2/calibration", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		}
		rec := s.do(http.MethodGet, "/api/plans/plan-1/pages/2/calibration", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCalibrationPut_DuringInteractiveCalibration(t *testing.T) {
	s := newTestServer(t)
	base := "/api/plans/plan-1/interaction"

	rec := s.do(http.MethodPost, base+"/mode", map[string]interface{}{"mode": "calibrating", "page": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.do(http.MethodPost, base+"/click", models.Point{X: 0, Y: 0})

	rec = s.do(http.MethodPut, "/api/plans/plan-1/pages/1/calibration", map[string]interface{}{
		"point1": models.Point{X: 0, Y: 0}, "point2": models.Point{X: 10, Y: 0}, "realDistance": 1, "unit": "m",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "CALIBRATION_IN_PROGRESS", decode[APIError](t, rec).Code)

	rec = s.do(http.MethodPost, base+"/click", models.Point{X: 100, Y: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, rec)["consumed"])

	rec = s.do(http.MethodPost, base+"/calibrate", map[string]interface{}{"realDistance": 10, "unit": "m"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPut, "/api/plans/plan-1/pages/1/calibration", map[string]interface{}{
		"point1": models.Point{X: 0, Y: 0}, "point2": models.Point{X: 10, Y: 0}, "realDistance": 1, "unit": "m",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInteractionFlow(t *testing.T) {
	s := newTestServer(t)
	base := "/api/plans/plan-1/interaction"

	rec := s.do(http.MethodPost, base+"/mode", map[string]interface{}{"mode": "drawing", "page": 1, "tool": "line"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.do(http.MethodPost, base+"/click", models.Point{X: 0, Y: 0})
	s.do(http.MethodPost, base+"/click", models.Point{X: 50, Y: 0})

	rec = s.do(http.MethodPost, base+"/finish", map[string]interface{}{"label": "Wall"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_CALIBRATED", decode[APIError](t, rec).Code)

	// calibrate: 100 px = 10 m
	rec = s.do(http.MethodPost, base+"/mode", map[string]interface{}{"mode": "calibrating", "page": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	s.do(http.MethodPost, base+"/click", models.Point{X: 0, Y: 0})
	rec = s.do(http.MethodPost, base+"/click", models.Point{X: 100, Y: 0})
	click := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, click["consumed"])

	rec = s.do(http.MethodPost, base+"/click", models.Point{X: 5, Y: 5})
	assert.Equal(t, false, decode[map[string]interface{}](t, rec)["consumed"], "third calibration click is not consumed")

	rec = s.do(http.MethodPost, base+"/calibrate", map[string]interface{}{"realDistance": 10, "unit": "m"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, base+"/mode", map[string]interface{}{"mode": "drawing", "page": 1, "tool": "line"})
	require.Equal(t, http.StatusOK, rec.Code)
	s.do(http.MethodPost, base+"/click", models.Point{X: 0, Y: 0})
	s.do(http.MethodPost, base+"/click", models.Point{X: 50, Y: 0})

	rec = s.do(http.MethodPost, base+"/finish", map[string]interface{}{"label": "Wall", "category": "Framing", "unitPrice": 12.5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[models.Measurement](t, rec)
	assert.InDelta(t, 5, m.Value, 1e-9)
	assert.Equal(t, "m", m.Unit)
	assert.InDelta(t, 62.5, m.TotalPrice, 1e-9)
	assert.Equal(t, models.SyncConfirmed, m.SyncState)

	rec = s.do(http.MethodGet, base, nil)
	st := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "drawing", st["mode"])
	assert.Empty(t, st["points"])

	rec = s.do(http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, "none", decode[map[string]interface{}](t, rec)["mode"])

	rec = s.do(http.MethodPost, base+"/mode", map[string]interface{}{"mode": "drawing", "tool": "spline"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePlan_Cascades(t *testing.T) {
	s := newTestServer(t)
	rec := s.multipart(t, "/api/plans", map[string]string{"projectId": "proj-1"}, "a.pdf", []byte("%PDF\n1\n"))
	require.Equal(t, http.StatusCreated, rec.Code)
	plan := decode[models.Plan](t, rec)

	s.do(http.MethodPut, "/api/plans/"+plan.ID+"/pages/1/calibration", map[string]interface{}{
		"point1": models.Point{}, "point2": models.Point{X: 10}, "realDistance": 1,
	})
	rec = s.do(http.MethodPost, "/api/projects/proj-1/measurements", map[string]interface{}{
		"planId": plan.ID, "page": 1, "type": "count", "points": []models.Point{{X: 1, Y: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodDelete, "/api/plans/"+plan.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/plans/"+plan.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/plans/"+plan.ID+"/pages/1/calibration", nil).Code)
	list := decode[[]models.Measurement](t, s.do(http.MethodGet, "/api/projects/proj-1/measurements?planId="+plan.ID, nil))
	assert.Empty(t, list)
	_, err := s.store.Get(plan.FileID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, open := s.sessions.Get(plan.ID)
	assert.False(t, open)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/plans/"+plan.ID, nil).Code)
}
