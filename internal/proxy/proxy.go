package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"signaged/internal/cache"
	"signaged/internal/download"
	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/store"
)

// Server is the in-process media proxy the renderer's surface points its
// media elements at. Cached files are served with Range support so video can
// stream; files still in flight answer 404 (never a blocking 202) so clients
// fall back cleanly.
type Server struct {
	cache     *cache.Manager
	store     *store.Store
	downloads *download.Manager
	logger    logger.Logger
}

// New builds the proxy handler.
func New(c *cache.Manager, st *store.Store, dl *download.Manager, log logger.Logger) *Server {
	return &Server{cache: c, store: st, downloads: dl, logger: log}
}

// Routes returns the chi router for the proxy endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cache/widget/{layoutID}/{regionID}/{widgetID}", s.handleWidgetHTML)
	r.Get("/cache/asset/{name}", s.handleAsset)
	r.Get("/cache/{fileType}/{id}", s.handleFile)
	return r
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	fileType := models.FileType(chi.URLParam(r, "fileType"))
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad file id", http.StatusBadRequest)
		return
	}
	key := models.FileKey{Type: fileType, ID: id}

	res, err := s.cache.GetFile(key)
	if errors.Is(err, cache.ErrMissing) {
		s.servePartial(w, r, key)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("cache lookup failed: %v", err), http.StatusInternalServerError)
		return
	}

	f, err := s.store.OpenBlob(key)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", res.MediaType)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// servePartial answers a Range request from a partially downloaded file when
// every chunk covering the span is present. Anything else is 404.
func (s *Server) servePartial(w http.ResponseWriter, r *http.Request, key models.FileKey) {
	task := s.downloads.Partial(key)
	if task == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	from, to, ok := parseRange(r.Header.Get("Range"))
	if !ok || !task.HasBytes(from, to) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(s.store.PartialPath(key))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	length := to - from + 1
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, task.File.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	io.Copy(w, io.NewSectionReader(f, from, length))
}

func (s *Server) handleWidgetHTML(w http.ResponseWriter, r *http.Request) {
	layoutID, err1 := strconv.Atoi(chi.URLParam(r, "layoutID"))
	widgetID, err2 := strconv.Atoi(chi.URLParam(r, "widgetID"))
	regionID := chi.URLParam(r, "regionID")
	if err1 != nil || err2 != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	html, err := s.cache.WidgetHTML(layoutID, regionID, widgetID)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	data, mediaType, err := s.cache.Asset(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Write(data)
}

// parseRange decodes a single-span "bytes=a-b" header. Open-ended and
// multi-span forms are rejected; partial files cannot serve them.
func parseRange(header string) (from, to int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	fromStr, toStr, found := strings.Cut(spec, "-")
	if !found || fromStr == "" || toStr == "" {
		return 0, 0, false
	}
	from, err1 := strconv.ParseInt(fromStr, 10, 64)
	to, err2 := strconv.ParseInt(toStr, 10, 64)
	if err1 != nil || err2 != nil || from < 0 || to < from {
		return 0, 0, false
	}
	return from, to, true
}
