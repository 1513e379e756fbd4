package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"bridgehost/internal/license"
)

const maxBodyBytes = 1 << 20 // 1 MiB request cap

// Server is the local caching front for the remote validation API.
// Terminal-embedded scripts talk to it on loopback; short upstream
// blips are absorbed by the TTL cache.
type Server struct {
	allowedOrigin string
	upstreamBase  string
	licenses      *license.Client
	cache         *Cache
	allocator     PortAllocator
	forward       *http.Client

	requestSeq atomic.Uint64

	port       int
	listener   net.Listener
	httpServer *http.Server
}

func NewServer(allowedOrigin, upstreamBase string, licenses *license.Client, cache *Cache, allocator PortAllocator) *Server {
	return &Server{
		allowedOrigin: allowedOrigin,
		upstreamBase:  strings.TrimRight(upstreamBase, "/"),
		licenses:      licenses,
		cache:         cache,
		allocator:     allocator,
		forward:       &http.Client{Timeout: 15 * time.Second},
	}
}

// Start allocates a port and binds the server. Losing the bind race
// between allocation and listen releases the allocation and fails the
// start rather than silently retrying.
func (s *Server) Start() error {
	port, err := s.allocator.Allocate()
	if err != nil {
		return fmt.Errorf("allocate proxy port: %w", err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		s.allocator.Release(port)
		return fmt.Errorf("bind proxy port %d: %w", port, err)
	}

	s.port = port
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("proxy: serve: %v", err)
		}
	}()
	log.Printf("proxy: listening on 127.0.0.1:%d", port)
	return nil
}

// Stop drains in-flight responses before releasing the port.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.allocator.Release(s.port)
	s.httpServer = nil
	return err
}

// Port reports the bound port after a successful Start.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(s.cors)

	r.Post("/v1/license/validate", s.handleValidate)
	r.Get("/v1/license/status", s.handleStatus)
	r.Get("/health", s.handleRoot)
	r.Get("/", s.handleRoot)
	r.NotFound(s.handleForward)
	r.MethodNotAllowed(s.handleForward)

	return r
}

// requestLog assigns a sequential id to every inbound request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.requestSeq.Add(1)
		log.Printf("proxy: [#%d] %s %s", id, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// cors allows exactly one local origin. The server is reachable by any
// local process; a wildcard would turn it into a public API.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readCappedBody(w, r)
	if !ok {
		return
	}

	var req license.ValidateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed validation request")
		return
	}

	// Key on the fields that determine the answer, not the whole body,
	// so irrelevant fields cannot explode key cardinality.
	key := strings.Join([]string{
		r.URL.Path,
		req.EffectiveLicenseKey(),
		req.EffectiveDeviceID(),
		req.EffectivePlatform(),
	}, "|")

	now := time.Now().UTC()
	if entry, hit := s.cache.Get(key, now); hit {
		writeCached(w, entry, now)
		return
	}

	resp, err := s.licenses.Validate(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "license validation unavailable")
		return
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if resp.Valid {
		s.cache.Put(key, http.StatusOK, http.Header{"Content-Type": []string{"application/json"}}, raw, now)
	}
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.licenses.LastSummary()
	if !ok {
		writeJSON(w, http.StatusOK, license.Summary{Valid: false, Status: "unknown", CheckedAt: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"port":          s.port,
		"requests":      s.requestSeq.Load(),
		"cache_entries": s.cache.Len(),
		"time":          time.Now().UTC().Format(time.RFC3339),
	})
}

// handleForward relays unknown paths to the upstream base URL. GET
// responses with status 200 are cached by path.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.upstreamBase == "" {
		writeError(w, http.StatusBadGateway, "no upstream configured")
		return
	}

	now := time.Now().UTC()
	cacheKey := r.URL.Path
	if r.Method == http.MethodGet {
		if entry, hit := s.cache.Get(cacheKey, now); hit {
			writeCached(w, entry, now)
			return
		}
	}

	body, ok := s.readCappedBody(w, r)
	if !ok {
		return
	}

	target := s.upstreamBase + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, strings.NewReader(string(body)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := s.forward.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream read failed")
		return
	}

	if r.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		s.cache.Put(cacheKey, resp.StatusCode, resp.Header, respBody, now)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// readCappedBody enforces the 1 MiB request cap before anything tries
// to parse the payload.
func (s *Server) readCappedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	limited := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

func writeCached(w http.ResponseWriter, entry CacheEntry, now time.Time) {
	for key, values := range entry.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("X-Cache-Age", fmt.Sprintf("%d", int(entry.Age(now).Seconds())))
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
