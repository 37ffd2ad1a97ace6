package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/datajob/engine/internal/model"
	"github.com/datajob/engine/internal/store"
)

type fakeRunner struct {
	runs map[string][]model.JobRun
}

func (f *fakeRunner) Run(ctx context.Context, jobName string) model.JobRun {
	run := model.JobRun{JobName: jobName, Outcome: model.RunSuccess}
	f.runs[jobName] = append(f.runs[jobName], run)
	return run
}

func (f *fakeRunner) Runs(jobName string) []model.JobRun {
	return f.runs[jobName]
}

type fakeRegistrar struct {
	registered   map[string]string
	unregistered []string
}

func (f *fakeRegistrar) Register(jobName, schedule string) error {
	f.registered[jobName] = schedule
	return nil
}

func (f *fakeRegistrar) Unregister(jobName string) {
	f.unregistered = append(f.unregistered, jobName)
}

func (f *fakeRegistrar) TryEnter(jobName string) (func(), bool) {
	return func() {}, true
}

func newTestHandler(t *testing.T) (*Handler, *fakeRegistrar, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "jobs.json"), zerolog.Nop())
	require.NoError(t, err)

	reg := &fakeRegistrar{registered: map[string]string{}}
	runner := &fakeRunner{runs: map[string][]model.JobRun{}}

	return New(st, reg, runner, filepath.Join(dir, "uploads"), zerolog.Nop()), reg, runner
}

func createPayload(name string) []byte {
	dto := model.JobCreateDTO{
		Name:       name,
		Schedule:   "0 9 * * *",
		Source:     model.Source{Type: model.SourceAPI, Location: "https://example.test/data"},
		Transform:  "result = data",
		Recipients: []string{"x@y.test"},
	}
	b, _ := json.Marshal(dto)
	return b
}

func TestCreateAndGetJob(t *testing.T) {
	h, reg, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(createPayload("daily")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "0 9 * * *", reg.registered["daily"])

	req = httptest.NewRequest(http.MethodGet, "/jobs/daily", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "daily", job.Name)
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	h, _, _ := newTestHandler(t)

	payload := createPayload("dup")
	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(payload))
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInvalidPayloadIsBadRequest(t *testing.T) {
	h, _, _ := newTestHandler(t)

	dto := model.JobCreateDTO{Name: "broken"}
	b, _ := json.Marshal(dto)
	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingJobIsNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJobUnregistersSchedule(t *testing.T) {
	h, reg, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(createPayload("gone")))
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodDelete, "/jobs/gone", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, reg.unregistered, "gone")
}

func TestRunNowReturnsRunRecord(t *testing.T) {
	h, _, runner := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(createPayload("now")))
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/jobs/now/run", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.runs["now"], 1)
}

func TestListRunsReturnsHistory(t *testing.T) {
	h, _, runner := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(createPayload("hist")))
	h.ServeHTTP(httptest.NewRecorder(), req)
	runner.Run(context.Background(), "hist")

	req = httptest.NewRequest(http.MethodGet, "/jobs/hist/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []model.JobRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
}

// multipartUpload builds a "file" multipart/form-data body carrying
// filename/contents, and returns it alongside its Content-Type header.
func multipartUpload(t *testing.T, filename string, contents []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(contents)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadFileRejectsPathTraversal(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, "../escape.csv", []byte("a,b\n1,2\n"))
	req := httptest.NewRequest(http.MethodPost, "/jobs/upload-file", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	// filepath.Base strips the "../" segment, so the upload lands as
	// "escape.csv" under uploadRoot rather than being rejected outright;
	// either way it must not escape uploadRoot.
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "escape.csv", got["filename"])
}

func TestUploadFileStoresUnderUploadRoot(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, contentType := multipartUpload(t, "in.csv", []byte("a,b\n1,2\n"))
	req := httptest.NewRequest(http.MethodPost, "/jobs/upload-file", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "in.csv", got["filename"])
	require.Equal(t, "/data/uploads/in.csv", got["path"])
	require.EqualValues(t, len("a,b\n1,2\n"), got["size"])
}

func TestTestRunReturnsCSV(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(createPayload("preview")))
	h.ServeHTTP(httptest.NewRecorder(), req)

	body, contentType := multipartUpload(t, "preview.csv", []byte("a,b\n1,2\n3,4\n"))
	uploadReq := httptest.NewRequest(http.MethodPost, "/jobs/upload-file", body)
	uploadReq.Header.Set("Content-Type", contentType)
	h.ServeHTTP(httptest.NewRecorder(), uploadReq)

	testBody, _ := json.Marshal(map[string]interface{}{
		"data_source": map[string]string{"source_type": "file", "location": "preview.csv", "file_type": "csv"},
	})
	req = httptest.NewRequest(http.MethodPost, "/jobs/preview/test", bytes.NewReader(testBody))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "a,b")
}

func TestOptionsRequestIsHandledForCORS(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
