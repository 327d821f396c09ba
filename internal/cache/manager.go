package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"signaged/internal/download"
	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/store"
)

// ErrMissing is returned when a file is not (validly) cached.
var ErrMissing = errors.New("cache: file missing")

// Resource is what the renderer consumes for one cached file: a local proxy
// URL plus the metadata needed to build the media element.
type Resource struct {
	Key       models.FileKey
	URL       string
	MediaType string
	Size      int64
}

// Plan is the outcome of reconciling a required-files manifest against the
// local store.
type Plan struct {
	ToDownload []models.RequiredFile
	ToDelete   []models.FileKey
	ToKeep     []models.FileKey
}

// Manager keeps local storage in sync with the CMS manifest, hands the
// renderer URLs for cached bytes, and garbage-collects entries no layout
// depends on.
type Manager struct {
	store      *store.Store
	downloads  *download.Manager
	logger     logger.Logger
	now        func() time.Time
	urlFor     func(models.RequiredFile) string
	gcInterval time.Duration
	gcMaxAge   time.Duration

	mu         sync.Mutex
	dependants map[models.FileKey]map[int]struct{} // key → set of layoutIds
	widgetHTML map[string][]byte                   // layout/region/widget → rewritten HTML
	assets     map[string]asset                    // widget HTML subresources

	ctx    context.Context
	cancel context.CancelFunc
}

type asset struct {
	data      []byte
	mediaType string
}

// NewManager creates a cache manager over the given store and download
// pipeline. urlFor builds the CMS fetch URL for a manifest entry.
func NewManager(st *store.Store, dl *download.Manager, log logger.Logger, urlFor func(models.RequiredFile) string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      st,
		downloads:  dl,
		logger:     log,
		now:        time.Now,
		urlFor:     urlFor,
		gcInterval: time.Minute,
		gcMaxAge:   24 * time.Hour,
		dependants: make(map[models.FileKey]map[int]struct{}),
		widgetHTML: make(map[string][]byte),
		assets:     make(map[string]asset),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the background eviction worker.
func (m *Manager) Start() {
	go m.evictionWorker()
}

// Stop shuts the eviction worker down.
func (m *Manager) Stop() {
	m.cancel()
}

// Reconcile compares the manifest with local state. Missing or mismatched
// entries go to ToDownload; local entries absent from the manifest and with
// no layout dependants go to ToDelete and are removed. Calling twice with
// the same manifest yields empty ToDownload and ToDelete lists the second
// time (provided the first plan's downloads completed).
func (m *Manager) Reconcile(manifest []models.RequiredFile) (Plan, error) {
	var plan Plan

	wanted := make(map[models.FileKey]models.RequiredFile, len(manifest))
	for _, f := range manifest {
		wanted[f.Key()] = f
	}

	for _, f := range manifest {
		entry, err := m.store.GetEntry(f.Key())
		switch {
		case errors.Is(err, store.ErrNotFound):
			plan.ToDownload = append(plan.ToDownload, f)
		case err != nil:
			return Plan{}, fmt.Errorf("reconcile lookup for %v failed: %w", f.Key(), err)
		case entry.MD5 != f.MD5 || entry.Size != f.Size:
			plan.ToDownload = append(plan.ToDownload, f)
		default:
			plan.ToKeep = append(plan.ToKeep, f.Key())
		}
	}

	local, err := m.store.ListEntries()
	if err != nil {
		return Plan{}, err
	}
	m.mu.Lock()
	for _, e := range local {
		if _, ok := wanted[e.Key]; ok {
			continue
		}
		if len(m.dependants[e.Key]) > 0 {
			continue
		}
		plan.ToDelete = append(plan.ToDelete, e.Key)
	}
	m.mu.Unlock()

	for _, key := range plan.ToDelete {
		if err := m.store.DeleteBlob(key); err != nil {
			m.logger.Warnf("Failed to delete stale cache entry %v: %v", key, err)
		}
	}
	return plan, nil
}

// RequestDownload enqueues the given manifest entries on the pipeline. The
// acknowledgment semantics are the download manager's: at least one task has
// gone active, or an error.
func (m *Manager) RequestDownload(entries []models.RequiredFile) error {
	return m.downloads.Enqueue(entries, m.urlFor)
}

// Prioritize moves a file to the queue front when the player needs it
// mid-cycle.
func (m *Manager) Prioritize(key models.FileKey) {
	m.downloads.Prioritize(key)
}

// GetFile returns a Resource for a cached file, or ErrMissing. Entries that
// look like accidentally cached CMS error pages (text/plain, or under 100
// bytes) are deleted on detection.
func (m *Manager) GetFile(key models.FileKey) (*Resource, error) {
	entry, err := m.store.GetEntry(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(entry.MediaType, "text/plain") || entry.Size < 100 {
		m.logger.Warnf("Cache entry %v looks invalid (%s, %d bytes), deleting", key, entry.MediaType, entry.Size)
		if err := m.store.DeleteBlob(key); err != nil {
			m.logger.Errorf("Failed to delete invalid cache entry %v: %v", key, err)
		}
		return nil, ErrMissing
	}

	m.store.TouchEntry(key, m.now())
	return &Resource{
		Key:       key,
		URL:       fmt.Sprintf("/cache/%s/%d", key.Type, key.ID),
		MediaType: entry.MediaType,
		Size:      entry.Size,
	}, nil
}

// AddDependant marks a layout as depending on a cached file, pinning it
// against garbage collection.
func (m *Manager) AddDependant(key models.FileKey, layoutID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.dependants[key]
	if !ok {
		set = make(map[int]struct{})
		m.dependants[key] = set
	}
	set[layoutID] = struct{}{}
}

// RemoveLayoutDependants drops every dependant reference a layout holds.
func (m *Manager) RemoveLayoutDependants(layoutID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, set := range m.dependants {
		delete(set, layoutID)
		if len(set) == 0 {
			delete(m.dependants, key)
		}
	}
	for htmlKey := range m.widgetHTML {
		if strings.HasPrefix(htmlKey, fmt.Sprintf("%d/", layoutID)) {
			delete(m.widgetHTML, htmlKey)
		}
	}
}

// Dependants returns how many layouts reference a file. Used by tests and
// the eviction worker.
func (m *Manager) Dependants(key models.FileKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dependants[key])
}

// evictionWorker periodically removes entries nobody references.
func (m *Manager) evictionWorker() {
	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runEviction()
		}
	}
}

func (m *Manager) runEviction() {
	entries, err := m.store.ListEntries()
	if err != nil {
		m.logger.Warnf("Cache eviction scan failed: %v", err)
		return
	}

	cutoff := m.now().Add(-m.gcMaxAge)
	evicted := 0
	for _, e := range entries {
		if m.Dependants(e.Key) > 0 {
			continue
		}
		if e.LastUsed.After(cutoff) {
			continue
		}
		if err := m.store.DeleteBlob(e.Key); err != nil {
			m.logger.Warnf("Failed to evict %v: %v", e.Key, err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		m.logger.Infof("Evicted %d unreferenced cache entries", evicted)
	}
}

// EvictLRU deletes unreferenced entries oldest first until at least
// wantBytes are freed or no unreferenced entry is left, so it can free less.
// It is the quota-pressure fallback; bytes actually freed are returned.
func (m *Manager) EvictLRU(wantBytes int64) int64 {
	entries, err := m.store.ListEntries()
	if err != nil {
		return 0
	}

	var candidates []store.Entry
	for _, e := range entries {
		if m.Dependants(e.Key) == 0 {
			candidates = append(candidates, e)
		}
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].LastUsed.Before(candidates[j-1].LastUsed); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	var freed int64
	for _, e := range candidates {
		if freed >= wantBytes {
			break
		}
		if err := m.store.DeleteBlob(e.Key); err != nil {
			continue
		}
		freed += e.Size
	}
	return freed
}

// SetClock overrides the time source. Tests use this.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
