package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/store"
)

// TaskState tracks one download through its life.
type TaskState int

const (
	StateQueued TaskState = iota
	StateActive
	StateDone
	StateFailed
)

// Result reports the outcome of one finished download.
type Result struct {
	File      models.RequiredFile
	MediaType string
	Error     error
}

// chunk is one byte range of a task's target file.
type chunk struct {
	from, to int64 // inclusive range
	done     bool
}

// Task is one file being downloaded, split into parallel Range chunks.
type Task struct {
	File models.RequiredFile
	URL  string

	mu         sync.Mutex
	state      TaskState
	chunks     []chunk
	reenqueued bool
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HasBytes reports whether every chunk overlapping [from, to] has completed,
// meaning the span can be served from the partial file.
func (t *Task) HasBytes(from, to int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.chunks {
		if c.to < from || c.from > to {
			continue
		}
		if !c.done {
			return false
		}
	}
	return len(t.chunks) > 0
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Manager runs the parallel chunked download pipeline. Tasks queue in
// priority order (layouts before media, media ascending by size), a bounded
// set runs at once, and each task fans its byte ranges out over a shared
// chunk concurrency limit.
type Manager struct {
	httpClient *http.Client
	logger     logger.Logger
	store      *store.Store
	notify     func(Result)
	now        func() time.Time

	chunkCount  int
	maxActive   int
	chunkSlots  chan struct{}
	maxRetries  int
	retryDelay  time.Duration
	minChunkLen int64
	ackTimeout  time.Duration

	mu     sync.Mutex
	queue  []*Task
	active map[models.FileKey]*Task
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a download manager. notify is invoked once per finished
// task, successful or not; callers serialize it onto their own loop.
func NewManager(client *http.Client, st *store.Store, log logger.Logger, notify func(Result)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		httpClient:  client,
		logger:      log,
		store:       st,
		notify:      notify,
		now:         time.Now,
		chunkCount:  4,
		maxActive:   2,
		chunkSlots:  make(chan struct{}, 8),
		maxRetries:  3,
		retryDelay:  2 * time.Second,
		minChunkLen: 256 * 1024,
		ackTimeout:  10 * time.Second,
		active:      make(map[models.FileKey]*Task),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the dispatch loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.dispatchLoop()
}

// Stop cancels in-flight work and waits for the pipeline to drain.
func (m *Manager) Stop() {
	m.cancel()
	m.poke()
	m.wg.Wait()
}

// Enqueue adds download tasks for the given files. Ordering inside one call
// follows the pipeline policy: layout documents first, then everything else
// ascending by size, so large media never blocks small files. The call
// blocks until at least one of the new tasks has gone active, guarding
// against silent drops on boot.
func (m *Manager) Enqueue(files []models.RequiredFile, urlFor func(models.RequiredFile) string) error {
	if len(files) == 0 {
		return nil
	}

	ordered := make([]models.RequiredFile, len(files))
	copy(ordered, files)
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].Type == models.FileLayout) != (ordered[j].Type == models.FileLayout) {
			return ordered[i].Type == models.FileLayout
		}
		return ordered[i].Size < ordered[j].Size
	})

	tasks := make([]*Task, 0, len(ordered))
	m.mu.Lock()
	for _, f := range ordered {
		if m.findLocked(f.Key()) != nil {
			continue // already queued or active
		}
		t := &Task{File: f, URL: urlFor(f)}
		m.queue = append(m.queue, t)
		tasks = append(tasks, t)
	}
	m.mu.Unlock()
	m.poke()

	if len(tasks) == 0 {
		return nil
	}

	// Wait for the pipeline to actually pick something up.
	deadline := time.After(m.ackTimeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			for _, t := range tasks {
				if t.State() != StateQueued {
					return nil
				}
			}
		case <-deadline:
			return errors.New("download request was not acknowledged: no task went active")
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}
}

// Prioritize moves a queued file to the front of the queue. Active tasks are
// left alone.
func (m *Manager) Prioritize(key models.FileKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.queue {
		if t.File.Key() == key {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.queue = append([]*Task{t}, m.queue...)
			m.poke()
			return
		}
	}
}

// Partial returns the in-flight task for key, if any. The proxy uses it to
// serve Range reads from partially downloaded files.
func (m *Manager) Partial(key models.FileKey) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(key)
}

// QueueDepth reports queued plus active task counts.
func (m *Manager) QueueDepth() (queued, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), len(m.active)
}

func (m *Manager) findLocked(key models.FileKey) *Task {
	if t, ok := m.active[key]; ok {
		return t
	}
	for _, t := range m.queue {
		if t.File.Key() == key {
			return t
		}
	}
	return nil
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 || len(m.active) >= m.maxActive {
				m.mu.Unlock()
				break
			}
			task := m.queue[0]
			m.queue = m.queue[1:]
			m.active[task.File.Key()] = task
			m.mu.Unlock()

			task.setState(StateActive)
			m.wg.Add(1)
			go m.run(task)
		}
	}
}

func (m *Manager) run(task *Task) {
	defer m.wg.Done()

	mediaType, err := m.download(task)

	m.mu.Lock()
	delete(m.active, task.File.Key())
	m.mu.Unlock()
	m.poke()

	if err != nil {
		task.mu.Lock()
		retry := !task.reenqueued && errors.Is(err, errChecksum)
		task.reenqueued = true
		task.chunks = nil
		task.mu.Unlock()

		if retry {
			m.logger.Warnf("Checksum mismatch for %v, re-enqueueing once", task.File.Key())
			task.setState(StateQueued)
			m.mu.Lock()
			m.queue = append([]*Task{task}, m.queue...)
			m.mu.Unlock()
			m.poke()
			return
		}
		task.setState(StateFailed)
		m.notify(Result{File: task.File, Error: err})
		return
	}

	task.setState(StateDone)
	m.notify(Result{File: task.File, MediaType: mediaType})
}

var errChecksum = errors.New("downloaded file failed its checksum")

// downloadWhole fetches one file in a single request, streamed through the
// blob store with the usual retry and integrity policy.
func (m *Manager) downloadWhole(task *Task) (string, error) {
	key := task.File.Key()
	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		mediaType, err := m.fetchWhole(task)
		if err == nil {
			return mediaType, nil
		}
		if errors.Is(err, errChecksum) {
			return "", err // retrying inline cannot help; re-enqueue decides
		}
		lastErr = err
		m.logger.Warnf("Download of %v attempt %d/%d failed: %v", key, attempt, m.maxRetries, err)
		select {
		case <-time.After(m.retryDelay * time.Duration(attempt)):
		case <-m.ctx.Done():
			return "", m.ctx.Err()
		}
	}
	return "", fmt.Errorf("failed to download %v after %d attempts: %w", key, m.maxRetries, lastErr)
}

func (m *Manager) fetchWhole(task *Task) (string, error) {
	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Error bodies are never written into the blob store.
		return "", fmt.Errorf("received status %d", resp.StatusCode)
	}

	key := task.File.Key()
	// An empty media type lets the store sniff the leading bytes.
	extType := mime.TypeByExtension(filepath.Ext(task.File.Path))
	sum, _, err := m.store.WriteBlob(key, resp.Body, extType, m.now())
	if err != nil {
		return "", err
	}
	if task.File.MD5 != "" && sum != task.File.MD5 {
		if err := m.store.DeleteBlob(key); err != nil {
			m.logger.Warnf("Failed to discard corrupt blob %v: %v", key, err)
		}
		return "", fmt.Errorf("%w: %v got %s want %s", errChecksum, key, sum, task.File.MD5)
	}

	task.mu.Lock()
	for i := range task.chunks {
		task.chunks[i].done = true
	}
	task.mu.Unlock()
	return mediaTypeFor(task.File.Path, extType), nil
}

func (m *Manager) download(task *Task) (string, error) {
	key := task.File.Key()

	chunks := m.splitChunks(task.File.Size)
	task.mu.Lock()
	task.chunks = chunks
	task.mu.Unlock()

	if len(chunks) == 1 {
		// Small or unknown-size files stream straight into the blob store;
		// no partial assembly.
		return m.downloadWhole(task)
	}

	path := m.store.PartialPath(key)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create partial file for %v: %w", key, err)
	}
	defer f.Close()

	g, ctx := errgroup.WithContext(m.ctx)
	for i := range chunks {
		g.Go(func() error {
			select {
			case m.chunkSlots <- struct{}{}:
				defer func() { <-m.chunkSlots }()
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.fetchChunk(ctx, task, f, i); err != nil {
				return err
			}
			task.mu.Lock()
			task.chunks[i].done = true
			task.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.Remove(path)
		return "", err
	}

	sum, written, sniffed, err := hashFile(path)
	if err != nil {
		os.Remove(path)
		return "", err
	}
	if task.File.MD5 != "" && sum != task.File.MD5 {
		os.Remove(path)
		return "", fmt.Errorf("%w: %v got %s want %s", errChecksum, key, sum, task.File.MD5)
	}

	mediaType := mediaTypeFor(task.File.Path, sniffed)
	if err := m.store.PromotePartial(key, sum, written, mediaType, m.now()); err != nil {
		return "", err
	}
	m.logger.Debugf("Downloaded %v (%d bytes, %s)", key, written, mediaType)
	return mediaType, nil
}

// splitChunks divides size bytes into up to chunkCount ranges. Unknown or
// small sizes collapse to a single full-file fetch.
func (m *Manager) splitChunks(size int64) []chunk {
	if size < m.minChunkLen*2 {
		return []chunk{{from: 0, to: size - 1}}
	}
	n := int64(m.chunkCount)
	per := size / n
	chunks := make([]chunk, 0, n)
	var from int64
	for i := int64(0); i < n; i++ {
		to := from + per - 1
		if i == n-1 {
			to = size - 1
		}
		chunks = append(chunks, chunk{from: from, to: to})
		from = to + 1
	}
	return chunks
}

// fetchChunk downloads one byte range with retry and writes it at its
// offset in the partial file.
func (m *Manager) fetchChunk(ctx context.Context, task *Task, f *os.File, idx int) error {
	task.mu.Lock()
	c := task.chunks[idx]
	task.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err := m.fetchChunkOnce(reqCtx, task.URL, f, c)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warnf("Chunk %d of %v attempt %d/%d failed: %v", idx, task.File.Key(), attempt, m.maxRetries, err)
		select {
		case <-time.After(m.retryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to download chunk %d of %v after %d attempts: %w",
		idx, task.File.Key(), m.maxRetries, lastErr)
}

func (m *Manager) fetchChunkOnce(ctx context.Context, url string, f *os.File, c chunk) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.from, c.to))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		// Error bodies are never written into the blob store.
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusOK && c.from != 0 {
		// Origin ignored the Range header; only the first chunk writer may
		// take the full body, anything else would interleave.
		return errors.New("origin does not support range requests")
	}

	w := io.NewOffsetWriter(f, c.from)
	_, err = io.Copy(w, resp.Body)
	return err
}

func hashFile(path string) (sum string, size int64, sniffed string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	sniffed = http.DetectContentType(head[:n])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", err
	}

	h := md5.New()
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, "", err
	}
	return hex.EncodeToString(h.Sum(nil)), size, sniffed, nil
}

// mediaTypeFor prefers the file extension's registered type, falling back to
// the sniffed content.
func mediaTypeFor(path, sniffed string) string {
	if ext := filepath.Ext(path); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if sniffed != "" {
		return sniffed
	}
	return "application/octet-stream"
}
