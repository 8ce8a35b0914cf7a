// Package server wires the inbound HTTP surface on top of chi: the
// published registries index, the three resource-family routes, and the
// Prometheus metrics endpoint. On a cache miss it drives internal/resolve's
// non-blocking Fetch so range serving can begin before the download
// finishes.
package server

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AdguardTeam/golibs/log"

	"github.com/bboehmke/cacheproxy/internal/cache"
	"github.com/bboehmke/cacheproxy/internal/fetchstate"
	"github.com/bboehmke/cacheproxy/internal/metrics"
	"github.com/bboehmke/cacheproxy/internal/rangeserve"
	"github.com/bboehmke/cacheproxy/internal/resolve"
	"github.com/bboehmke/cacheproxy/internal/resource"
)

// uuidPattern and hashPattern mirror internal/resource's grammar so
// malformed path segments 404 before ever reaching resource.New*Key.
const (
	uuidPattern = `{uuid:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}}`
	hashPattern = `{hash:[0-9a-f]{40}}`
)

// Server answers the proxy's inbound HTTP surface.
type Server struct {
	Cache           *cache.Cache
	Resolver        *resolve.Resolver
	StorageServers  []string
	RegistriesIndex string

	router chi.Router
}

// New builds a Server with its routes registered.
func New(c *cache.Cache, resolver *resolve.Resolver, storageServers []string, registriesIndex string) *Server {
	s := &Server{
		Cache:           c,
		Resolver:        resolver,
		StorageServers:  storageServers,
		RegistriesIndex: registriesIndex,
	}

	r := chi.NewRouter()
	r.Get("/registries", s.handleRegistries)
	r.Head("/registries", s.handleRegistries)
	r.Get("/registry/"+uuidPattern+"/"+hashPattern, s.handleRegistry)
	r.Head("/registry/"+uuidPattern+"/"+hashPattern, s.handleRegistry)
	r.Get("/package/"+uuidPattern+"/"+hashPattern, s.handlePackage)
	r.Head("/package/"+uuidPattern+"/"+hashPattern, s.handlePackage)
	r.Get("/artifact/"+hashPattern, s.handleArtifact)
	r.Head("/artifact/"+hashPattern, s.handleArtifact)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleRegistries serves the registry tracker's published index verbatim
// as text/plain.
func (s *Server) handleRegistries(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.RegistriesIndex)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	http.ServeContent(w, r, "registries", info.ModTime(), f)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	key, err := resource.NewRegistryKey(chi.URLParam(r, "uuid"), chi.URLParam(r, "hash"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.serveResource(w, r, key)
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	key, err := resource.NewPackageKey(chi.URLParam(r, "uuid"), chi.URLParam(r, "hash"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.serveResource(w, r, key)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := resource.NewArtifactKey(chi.URLParam(r, "hash"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.serveResource(w, r, key)
}

// serveResource is the single cache-hit/cache-miss dispatcher behind all
// three resource routes: pinned via IncRef/DecRef for the handler's
// lifetime, serving straight from disk on a hit, or joining/starting a
// fetch and streaming the staging file as it grows on a miss.
func (s *Server) serveResource(w http.ResponseWriter, r *http.Request, key resource.Key) {
	s.Cache.IncRef(key)
	defer s.Cache.DecRef(key)

	if path, ok := s.Cache.PathOf(key); ok {
		s.Cache.Touch(key)
		f, err := os.Open(path)
		if err != nil {
			log.Printf("server: open resident %s at %s: %v", key, path, err)
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			log.Printf("server: stat resident %s at %s: %v", key, path, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.serveFile(w, r, key, f, info.Size(), nil)
		return
	}

	state, err := s.Resolver.Fetch(r.Context(), key, s.StorageServers)
	if err != nil {
		if errors.Is(err, fetchstate.ErrRecentFailure) {
			http.NotFound(w, r)
			return
		}
		log.Printf("server: fetch %s: %v", key, err)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if state == nil {
		http.NotFound(w, r)
		return
	}

	// The content length is already known from the upstream HEAD captured
	// when the download started — the file itself is still growing, so its
	// current on-disk size is not the final answer.
	path := state.PathHandle.Await()
	f, err := os.Open(path)
	if err != nil {
		log.Printf("server: open in-flight %s at %s: %v", key, path, err)
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	s.serveFile(w, r, key, f, state.ContentLength, state.Handle)
}

// serveFile hands an already-opened file to rangeserve.Serve and records
// the resulting hit/throughput telemetry.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, key resource.Key, f *os.File, contentLength int64, handle rangeserve.CompletionHandle) {
	metrics.TotalHits.Inc()
	rangeserve.Serve(w, r, f, key, contentLength, "application/x-tar", "gzip", handle)
	if r.Method == http.MethodHead {
		return
	}
	// Serve sets Content-Length to the body it sends: the whole resource or
	// just the requested range.
	if n, err := strconv.ParseInt(w.Header().Get("Content-Length"), 10, 64); err == nil {
		metrics.PayloadBytesServed.Add(float64(n))
	}
}
