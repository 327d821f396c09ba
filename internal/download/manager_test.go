package download

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), logger.Nop{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// serveFiles builds an origin that honors Range requests for a fixed file
// set.
func serveFiles(t *testing.T, files map[string][]byte, onRequest func(path string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if onRequest != nil {
			onRequest(r.URL.Path)
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
}

func collectResults(results *[]Result, mu *sync.Mutex, done chan struct{}, want int) func(Result) {
	return func(res Result) {
		mu.Lock()
		*results = append(*results, res)
		if len(*results) == want {
			close(done)
		}
		mu.Unlock()
	}
}

// TestDownload_ChunkedRoundTrip verifies byte-exact reassembly of a file
// fetched as four parallel Range chunks.
func TestDownload_ChunkedRoundTrip(t *testing.T) {
	st := testStore(t)
	data := make([]byte, 100*1024)
	for i := range data {
		data[i] = byte(i * 31)
	}
	server := serveFiles(t, map[string][]byte{"/video.mp4": data}, nil)
	defer server.Close()

	var results []Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(server.Client(), st, logger.Nop{}, collectResults(&results, &mu, done, 1))
	m.minChunkLen = 1024 // force all four chunks
	m.Start()
	defer m.Stop()

	file := models.RequiredFile{
		Type: models.FileMedia, ID: 42, Path: "/video.mp4",
		MD5: md5Hex(data), Size: int64(len(data)),
	}
	require.NoError(t, m.Enqueue([]models.RequiredFile{file}, func(f models.RequiredFile) string {
		return server.URL + f.Path
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for download")
	}

	require.NoError(t, results[0].Error)
	f, err := st.OpenBlob(file.Key())
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got, "reassembled bytes must match the origin exactly")

	entry, err := st.GetEntry(file.Key())
	require.NoError(t, err)
	assert.Equal(t, file.MD5, entry.MD5)
}

func TestDownload_SingleByteFile(t *testing.T) {
	st := testStore(t)
	data := []byte{0x7F}
	server := serveFiles(t, map[string][]byte{"/one": data}, nil)
	defer server.Close()

	var results []Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(server.Client(), st, logger.Nop{}, collectResults(&results, &mu, done, 1))
	m.Start()
	defer m.Stop()

	file := models.RequiredFile{Type: models.FileMedia, ID: 1, Path: "/one", MD5: md5Hex(data), Size: 1}
	require.NoError(t, m.Enqueue([]models.RequiredFile{file}, func(f models.RequiredFile) string {
		return server.URL + f.Path
	}))

	<-done
	require.NoError(t, results[0].Error)
	f, _ := st.OpenBlob(file.Key())
	defer f.Close()
	got, _ := io.ReadAll(f)
	assert.Equal(t, data, got)
}

// TestEnqueueOrdering checks the pipeline policy: the layout document first,
// then media ascending by size, regardless of input order.
func TestEnqueueOrdering(t *testing.T) {
	st := testStore(t)
	files := map[string][]byte{
		"/layout.xlf":    bytes.Repeat([]byte{1}, 500),
		"/video1.mp4":    bytes.Repeat([]byte{2}, 29*1024),
		"/video2.mp4":    bytes.Repeat([]byte{3}, 272*1024),
		"/video3.mp4":    bytes.Repeat([]byte{4}, 987*1024),
		"/pdfworker.js":  bytes.Repeat([]byte{5}, 796),
	}

	var order []string
	var orderMu sync.Mutex
	seen := map[string]bool{}
	server := serveFiles(t, files, func(path string) {
		orderMu.Lock()
		if !seen[path] {
			seen[path] = true
			order = append(order, path)
		}
		orderMu.Unlock()
	})
	defer server.Close()

	var results []Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(server.Client(), st, logger.Nop{}, collectResults(&results, &mu, done, 5))
	m.maxActive = 1 // serialize tasks so the dispatch order is observable
	m.Start()
	defer m.Stop()

	mk := func(ftype models.FileType, id int, path string) models.RequiredFile {
		data := files[path]
		return models.RequiredFile{Type: ftype, ID: id, Path: path, MD5: md5Hex(data), Size: int64(len(data))}
	}
	// Deliberately shuffled input.
	input := []models.RequiredFile{
		mk(models.FileMedia, 3, "/video3.mp4"),
		mk(models.FileMedia, 2, "/video2.mp4"),
		mk(models.FileLayout, 7, "/layout.xlf"),
		mk(models.FileMedia, 5, "/pdfworker.js"),
		mk(models.FileMedia, 1, "/video1.mp4"),
	}
	require.NoError(t, m.Enqueue(input, func(f models.RequiredFile) string { return server.URL + f.Path }))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for downloads")
	}

	assert.Equal(t,
		[]string{"/layout.xlf", "/pdfworker.js", "/video1.mp4", "/video2.mp4", "/video3.mp4"},
		order)
}

func TestPrioritize_MovesQueuedToFront(t *testing.T) {
	st := testStore(t)
	files := map[string][]byte{}
	for _, name := range []string{"/a", "/b", "/c"} {
		files[name] = bytes.Repeat([]byte(name[1:]), 400)
	}

	release := make(chan struct{})
	var order []string
	var orderMu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orderMu.Lock()
		order = append(order, r.URL.Path)
		first := len(order) == 1
		orderMu.Unlock()
		if first {
			<-release // hold the first task active while we reprioritize
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(files[r.URL.Path]))
	}))
	defer server.Close()

	var results []Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(server.Client(), st, logger.Nop{}, collectResults(&results, &mu, done, 3))
	m.maxActive = 1
	m.Start()
	defer m.Stop()

	mk := func(id int, path string) models.RequiredFile {
		return models.RequiredFile{Type: models.FileMedia, ID: id, Path: path, MD5: md5Hex(files[path]), Size: int64(len(files[path]))}
	}
	require.NoError(t, m.Enqueue(
		[]models.RequiredFile{mk(1, "/a"), mk(2, "/b"), mk(3, "/c")},
		func(f models.RequiredFile) string { return server.URL + f.Path },
	))

	// /a is active and held; /b and /c are queued. Bump /c.
	m.Prioritize(models.FileKey{Type: models.FileMedia, ID: 3})
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for downloads")
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"/a", "/c", "/b"}, order)
}

func TestDownload_RetryThenSuccess(t *testing.T) {
	st := testStore(t)
	data := bytes.Repeat([]byte{9}, 512)

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(data)
	}))
	defer server.Close()

	var results []Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(server.Client(), st, logger.Nop{}, collectResults(&results, &mu, done, 1))
	m.retryDelay = 5 * time.Millisecond
	m.Start()
	defer m.Stop()

	file := models.RequiredFile{Type: models.FileMedia, ID: 1, Path: "/f", MD5: md5Hex(data), Size: int64(len(data))}
	require.NoError(t, m.Enqueue([]models.RequiredFile{file}, func(models.RequiredFile) string { return server.URL }))

	<-done
	require.NoError(t, results[0].Error)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

// TestDownload_ChecksumMismatch verifies the integrity policy: a corrupt
// download is re-enqueued exactly once, then surfaces as a failure.
func TestDownload_ChecksumMismatch(t *testing.T) {
	st := testStore(t)
	data := bytes.Repeat([]byte{9}, 512)
	server := serveFiles(t, map[string][]byte{"/f": data}, nil)
	defer server.Close()

	var results []Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(server.Client(), st, logger.Nop{}, collectResults(&results, &mu, done, 1))
	m.retryDelay = 5 * time.Millisecond
	m.Start()
	defer m.Stop()

	file := models.RequiredFile{Type: models.FileMedia, ID: 1, Path: "/f", MD5: "not-the-real-md5", Size: int64(len(data))}
	require.NoError(t, m.Enqueue([]models.RequiredFile{file}, func(f models.RequiredFile) string { return server.URL + f.Path }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	require.Error(t, results[0].Error)
	assert.Contains(t, results[0].Error.Error(), "checksum")

	_, err := st.GetEntry(file.Key())
	assert.ErrorIs(t, err, store.ErrNotFound, "a corrupt file is never stored")
}

func TestTask_HasBytes(t *testing.T) {
	task := &Task{File: models.RequiredFile{Size: 400}}
	task.chunks = []chunk{
		{from: 0, to: 99, done: true},
		{from: 100, to: 199, done: false},
		{from: 200, to: 299, done: true},
		{from: 300, to: 399, done: true},
	}

	assert.True(t, task.HasBytes(0, 99), "fully inside a done chunk")
	assert.True(t, task.HasBytes(50, 80))
	assert.False(t, task.HasBytes(50, 150), "span touches a pending chunk")
	assert.True(t, task.HasBytes(200, 399), "span across two done chunks")
	assert.False(t, task.HasBytes(0, 399))
}

func TestEnqueue_AckRequiresActiveTask(t *testing.T) {
	st := testStore(t)
	m := NewManager(&http.Client{}, st, logger.Nop{}, func(Result) {})
	m.ackTimeout = 100 * time.Millisecond
	// Never started: nothing can go active, the ack must fail rather than
	// silently drop the request.
	err := m.Enqueue(
		[]models.RequiredFile{{Type: models.FileMedia, ID: 1, Path: "/x", Size: 10}},
		func(models.RequiredFile) string { return "http://127.0.0.1:0/x" },
	)
	assert.Error(t, err)
}
