package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/store"
)

type fakeRecorder struct {
	mu        sync.Mutex
	started   []string
	taskIDs   map[string]string
	completed map[string]store.ExtractionResult
	failures  map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		taskIDs:   map[string]string{},
		completed: map[string]store.ExtractionResult{},
		failures:  map[string]string{},
	}
}

func (f *fakeRecorder) MarkExtractionStarted(_ context.Context, bookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, bookID)
	return nil
}

func (f *fakeRecorder) SetMineruTask(_ context.Context, bookID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskIDs[bookID] = taskID
	return nil
}

func (f *fakeRecorder) CompleteExtraction(_ context.Context, bookID string, result store.ExtractionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[bookID] = result
	return nil
}

func (f *fakeRecorder) FailExtraction(_ context.Context, bookID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[bookID] = message
	return nil
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// fakeMinerU serves the task API plus the result archive.
type fakeMinerU struct {
	t        *testing.T
	states   []string
	polls    int
	archive  []byte
	createOK bool
	errMsg   string
	mu       sync.Mutex
	created  TaskRequest
}

func (f *fakeMinerU) handler(serverURL func() string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/extract/task":
			assert.Equal(f.t, "Bearer secret", r.Header.Get("Authorization"))
			assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.created))
			if !f.createOK {
				_, _ = w.Write([]byte(`{"code": -60001, "msg": "quota exceeded"}`))
				return
			}
			_, _ = w.Write([]byte(`{"code": 0, "data": {"task_id": "task-1"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/extract/task/task-1":
			state := f.states[min(f.polls, len(f.states)-1)]
			f.polls++
			data := map[string]any{
				"task_id":          "task-1",
				"state":            state,
				"extract_progress": map[string]int{"extracted_pages": f.polls, "total_pages": 3},
			}
			if state == StateDone && f.archive != nil {
				data["full_zip_url"] = serverURL() + "/result.zip"
			}
			if state == StateFailed {
				data["err_msg"] = f.errMsg
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
		case r.URL.Path == "/result.zip":
			assert.Empty(f.t, r.Header.Get("Authorization"))
			_, _ = w.Write(f.archive)
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestExtractor(t *testing.T, fake *fakeMinerU) (*Extractor, *objectstore.MemoryStore, *fakeRecorder) {
	t.Helper()
	fake.t = t
	var server *httptest.Server
	server = httptest.NewServer(fake.handler(func() string { return server.URL }))
	t.Cleanup(server.Close)

	objects := objectstore.NewMemoryStore()
	recorder := newFakeRecorder()
	extractor := NewExtractor(NewClient(server.URL, "secret"), objects, recorder, nil, Options{
		PollInterval: time.Millisecond,
		MaxWait:      5 * time.Second,
	})
	return extractor, objects, recorder
}

func TestRunStoresMarkdownAndImages(t *testing.T) {
	fake := &fakeMinerU{
		states:   []string{StatePending, StateRunning, StateDone},
		createOK: true,
		archive: buildArchive(t, map[string]string{
			"abc/full.md":             "# Book\n![](images/fig1.png)\n",
			"abc/layout.json":         "{}",
			"abc/images/fig1.png":     "png-bytes",
			"abc/images/photo.JPEG":   "jpeg-bytes",
			"abc/images/diagram.svg":  "<svg/>",
			"abc/content_list.md.bak": "ignored",
		}),
	}
	extractor, objects, recorder := newTestExtractor(t, fake)
	ctx := context.Background()
	require.NoError(t, objects.PutString(ctx, "books/b1/source.pdf", "%PDF", objectstore.ContentTypePDF))

	result, err := extractor.Run(ctx, "b1", "b1/source.pdf")
	require.NoError(t, err)

	assert.Equal(t, store.ExtractionResult{
		FullMDPath: "books/b1/extracted/full.md",
		ImagesPath: "books/b1/extracted/images/",
		ImageCount: 2,
	}, result)
	assert.Equal(t, result, recorder.completed["b1"])
	assert.Equal(t, "task-1", recorder.taskIDs["b1"])
	assert.Equal(t, []string{"b1"}, recorder.started)
	assert.Empty(t, recorder.failures)

	md, err := objects.Get(ctx, "books/b1/extracted/full.md")
	require.NoError(t, err)
	assert.Equal(t, "# Book\n![](images/fig1.png)\n", string(md))

	img, err := objects.Get(ctx, "books/b1/extracted/images/photo.JPEG")
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(img))
	exists, err := objects.Exists(ctx, "books/b1/extracted/images/diagram.svg")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, NewTaskRequest(fake.created.URL, "b1"), fake.created)
	assert.True(t, strings.HasPrefix(fake.created.URL, "memory://"))
	assert.Equal(t, 3, fake.polls)
}

func TestRunMissingPDF(t *testing.T) {
	extractor, _, recorder := newTestExtractor(t, &fakeMinerU{states: []string{StateDone}, createOK: true})

	_, err := extractor.Run(context.Background(), "b2", "books/b2/missing.pdf")
	require.Error(t, err)
	assert.Equal(t, CodePDFNotFound, ErrorCode(err))
	assert.Contains(t, recorder.failures["b2"], "PDF_NOT_FOUND")
}

func TestRunFailureCodes(t *testing.T) {
	cases := []struct {
		name string
		fake *fakeMinerU
		code string
	}{
		{name: "create rejected", fake: &fakeMinerU{states: []string{StateDone}}, code: CodeTaskCreationFailed},
		{name: "task failed", fake: &fakeMinerU{states: []string{StateFailed}, createOK: true, errMsg: "bad pdf"}, code: CodeExtractionIncomplete},
		{name: "no zip url", fake: &fakeMinerU{states: []string{StateDone}, createOK: true}, code: CodeNoZipURL},
		{name: "corrupt zip", fake: &fakeMinerU{states: []string{StateDone}, createOK: true, archive: []byte("not a zip")}, code: CodeZipExtractFailed},
		{name: "no markdown", fake: &fakeMinerU{states: []string{StateDone}, createOK: true, archive: buildArchive(t, map[string]string{"a/images/x.png": "x"})}, code: CodeZipExtractFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			extractor, objects, recorder := newTestExtractor(t, tc.fake)
			ctx := context.Background()
			require.NoError(t, objects.PutString(ctx, "books/b3/in.pdf", "%PDF", ""))

			_, err := extractor.Run(ctx, "b3", "books/b3/in.pdf")
			require.Error(t, err)
			assert.Equal(t, tc.code, ErrorCode(err))
			assert.True(t, strings.HasPrefix(recorder.failures["b3"], tc.code))
			assert.Empty(t, recorder.completed)
		})
	}
}

func TestRunTimeoutIsExtractionFailed(t *testing.T) {
	extractor, objects, recorder := newTestExtractor(t, &fakeMinerU{states: []string{StateRunning}, createOK: true})
	extractor.opts.MaxWait = 20 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, objects.PutString(ctx, "books/b4/in.pdf", "%PDF", ""))

	_, err := extractor.Run(ctx, "b4", "books/b4/in.pdf")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, CodeExtractionFailed, ErrorCode(err))
	assert.True(t, strings.HasPrefix(recorder.failures["b4"], CodeExtractionFailed))
}

func TestWaitTimesOut(t *testing.T) {
	fake := &fakeMinerU{states: []string{StateRunning}, createOK: true}
	fake.t = t
	server := httptest.NewServer(fake.handler(func() string { return "" }))
	defer server.Close()

	client := NewClient(server.URL, "secret")
	var seen int
	_, err := client.Wait(context.Background(), "task-1", time.Millisecond, 20*time.Millisecond, func(Task) { seen++ })
	require.ErrorIs(t, err, ErrTimeout)
	assert.Positive(t, seen)
}

func TestWaitHonoursCancel(t *testing.T) {
	fake := &fakeMinerU{states: []string{StateRunning}, createOK: true}
	fake.t = t
	server := httptest.NewServer(fake.handler(func() string { return "" }))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(server.URL, "secret")
	_, err := client.Wait(ctx, "task-1", time.Hour, 0, func(Task) { cancel() })
	require.True(t, errors.Is(err, context.Canceled))
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Code: 7}
	assert.Equal(t, "mineru api error 7: Unknown error", err.Error())
}
