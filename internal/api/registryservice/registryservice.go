// Package registryservice wires the registry core's coordinators
// (publish, yank, owner, download, info, search) to Cargo's HTTP API
// surface. Cargo's wire protocol mixes path-segment routing, raw binary
// request bodies, and a bare-token Authorization header, so this package
// talks directly to net/http, translating each coordinator's
// apierr.Error into the JSON error envelope Cargo's client expects.
package registryservice

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/download"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/info"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/owner"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/publish"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/search"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/yank"
)

// Deps collects every coordinator the registry API surface calls into.
type Deps struct {
	Publish  *publish.Coordinator
	Yank     *yank.Coordinator
	Owner    *owner.Coordinator
	Download *download.Service
	Info     *info.Service
	Search   *search.Service
}

// apiError is the JSON shape Cargo's client expects for any non-2xx
// response: {"errors":[{"detail":"..."}]}.
type apiError struct {
	Errors []apiErrorDetail `json:"errors"`
}

type apiErrorDetail struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(apiError{Errors: []apiErrorDetail{{Detail: err.Error()}}}); encErr != nil {
		log.Println("encoding error response:", encErr)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("encoding response:", err)
	}
}

// Register mounts the registry API's routes onto mux.
func Register(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("PUT /api/v1/crates/new", d.handlePublish)
	mux.HandleFunc("DELETE /api/v1/crates/{name}/{version}/yank", d.handleYank)
	mux.HandleFunc("PUT /api/v1/crates/{name}/{version}/unyank", d.handleUnyank)
	mux.HandleFunc("GET /api/v1/crates/{name}/{version}/download", d.handleDownload)
	mux.HandleFunc("GET /api/v1/crates/{name}/owners", d.handleListOwners)
	mux.HandleFunc("PUT /api/v1/crates/{name}/owners", d.handleAddOwners)
	mux.HandleFunc("DELETE /api/v1/crates/{name}/owners", d.handleRemoveOwners)
	mux.HandleFunc("GET /api/v1/crates/suggest", d.handleSuggest)
	mux.HandleFunc("GET /api/v1/crates/{name}", d.handleCrateInfo)
	mux.HandleFunc("GET /api/v1/crates", d.handleSearch)
}

func (d Deps) handlePublish(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractToken(r.Header.Get("Authorization"))
	result, err := d.Publish.Publish(r.Context(), token, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Warnings struct {
			InvalidCategories []string `json:"invalid_categories"`
			InvalidBadges     []string `json:"invalid_badges"`
			Other             []string `json:"other"`
		} `json:"warnings"`
	}{struct {
		InvalidCategories []string `json:"invalid_categories"`
		InvalidBadges     []string `json:"invalid_badges"`
		Other             []string `json:"other"`
	}{Other: result.Warnings}})
}

func (d Deps) handleYank(w http.ResponseWriter, r *http.Request) {
	d.setYank(w, r, true)
}

func (d Deps) handleUnyank(w http.ResponseWriter, r *http.Request) {
	d.setYank(w, r, false)
}

func (d Deps) setYank(w http.ResponseWriter, r *http.Request, yanked bool) {
	token := auth.ExtractToken(r.Header.Get("Authorization"))
	name := r.PathValue("name")
	vers := r.PathValue("version")
	if err := d.Yank.Set(r.Context(), token, name, vers, yanked); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Ok bool `json:"ok"`
	}{true})
}

func (d Deps) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	vers := r.PathValue("version")
	body, err := d.Download.Fetch(r.Context(), name, vers)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/gzip")
	if _, err := io.Copy(w, body); err != nil {
		log.Println("streaming tarball:", err)
	}
}

func (d Deps) handleListOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := d.Owner.ListOwners(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	type ownerView struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	views := make([]ownerView, len(owners))
	for i, o := range owners {
		views[i] = ownerView{Login: o.Name, Name: o.Name}
	}
	writeJSON(w, struct {
		Users []ownerView `json:"users"`
	}{views})
}

type ownersRequest struct {
	Users []string `json:"users"`
}

func (d Deps) handleAddOwners(w http.ResponseWriter, r *http.Request) {
	var req ownersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.Validation, err, "decoding request body"))
		return
	}
	token := auth.ExtractToken(r.Header.Get("Authorization"))
	if _, err := d.Owner.AddOwners(r.Context(), token, r.PathValue("name"), req.Users); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Ok  bool   `json:"ok"`
		Msg string `json:"msg"`
	}{true, "owners added"})
}

func (d Deps) handleRemoveOwners(w http.ResponseWriter, r *http.Request) {
	var req ownersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.Validation, err, "decoding request body"))
		return
	}
	token := auth.ExtractToken(r.Header.Get("Authorization"))
	if err := d.Owner.RemoveOwners(r.Context(), token, r.PathValue("name"), req.Users); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Ok  bool   `json:"ok"`
		Msg string `json:"msg"`
	}{true, "owners removed"})
}

func (d Deps) handleCrateInfo(w http.ResponseWriter, r *http.Request) {
	crateInfo, err := d.Info.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Crate      metadatastore.Crate `json:"crate"`
		Keywords   []string            `json:"keywords"`
		Categories []string            `json:"categories"`
	}{crateInfo.Crate, crateInfo.Keywords, crateInfo.Categories})
}

func (d Deps) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	results, err := d.Search.Search(r.Context(), query, page)
	if err != nil {
		writeError(w, err)
		return
	}
	type crateHit struct {
		Name       string `json:"name"`
		MaxVersion string `json:"max_version"`
		Downloads  uint64 `json:"downloads"`
		Description string `json:"description"`
	}
	hits := make([]crateHit, len(results.Hits))
	for i, h := range results.Hits {
		hits[i] = crateHit{
			Name:        h.Crate.Name,
			MaxVersion:  h.LatestVers,
			Downloads:   h.Crate.Downloads,
			Description: h.Crate.Description,
		}
	}
	writeJSON(w, struct {
		Crates []crateHit `json:"crates"`
		Meta   struct {
			Total int64 `json:"total"`
		} `json:"meta"`
	}{hits, struct {
		Total int64 `json:"total"`
	}{results.Total}})
}

func (d Deps) handleSuggest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	suggestions, err := d.Search.Suggest(r.Context(), query, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	type suggestion struct {
		Name       string `json:"name"`
		MaxVersion string `json:"max_version"`
	}
	views := make([]suggestion, len(suggestions))
	for i, s := range suggestions {
		views[i] = suggestion{Name: s.Name, MaxVersion: s.LatestVers}
	}
	writeJSON(w, struct {
		Suggestions []suggestion `json:"suggestions"`
	}{views})
}
