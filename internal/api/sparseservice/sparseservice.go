// Package sparseservice exposes sparse.Service over HTTP, following
// Cargo's sparse registry protocol: a crate's index file lives at a URL
// whose path segments are its shard prefix followed by its name, and
// the registry's dl/api template lives at /config.json. Short names
// (1 or 2 characters) shard to a single segment before the name; longer
// names shard to two. Both shapes are registered as distinct patterns
// since net/http.ServeMux routes on segment count.
package sparseservice

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/sparse"
)

// Register mounts the sparse index's routes onto mux.
func Register(mux *http.ServeMux, svc *sparse.Service) {
	mux.HandleFunc("GET /config.json", configHandler(svc))
	mux.HandleFunc("GET /{fst}/{name}", twoSegmentHandler(svc))
	mux.HandleFunc("GET /{fst}/{snd}/{name}", threeSegmentHandler(svc))
}

type apiError struct {
	Errors []apiErrorDetail `json:"errors"`
}

type apiErrorDetail struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(err))
	if encErr := json.NewEncoder(w).Encode(apiError{Errors: []apiErrorDetail{{Detail: err.Error()}}}); encErr != nil {
		log.Println("encoding error response:", encErr)
	}
}

func configHandler(svc *sparse.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := svc.Configuration(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cfg); err != nil {
			log.Println("encoding config.json:", err)
		}
	}
}

func twoSegmentHandler(svc *sparse.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveIndex(w, r, svc, r.PathValue("fst"), "")
	}
}

func threeSegmentHandler(svc *sparse.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveIndex(w, r, svc, r.PathValue("fst"), r.PathValue("snd"))
	}
}

func serveIndex(w http.ResponseWriter, r *http.Request, svc *sparse.Service, fst, snd string) {
	body, err := svc.FetchIndex(r.Context(), fst, snd, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(body)); err != nil {
		log.Println("writing index file:", err)
	}
}
