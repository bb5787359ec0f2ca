package server

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strconv"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/search"
)

// multipartMemory is how much of an upload is held in memory before spilling
// to temporary files.
const multipartMemory = 8 << 20

// parseForm reads url-encoded or multipart bodies for every method, including
// DELETE, which net/http leaves unread.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if r.Method == http.MethodDelete {
		r.Method = http.MethodPost
		defer func() { r.Method = http.MethodDelete }()
	}

	var err error
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(multipartMemory)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrBadRequest, err)
}

func requiredField(r *http.Request, name string) (string, error) {
	if v := r.FormValue(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: missing field %q", core.ErrBadRequest, name)
}

// imageSource takes the image from urlField when present, else from the
// uploaded file fileField.
func imageSource(r *http.Request, urlField, fileField string) (search.Source, error) {
	if u := r.FormValue(urlField); u != "" {
		return search.Source{URL: u}, nil
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File[fileField]) == 0 {
		return search.Source{}, fmt.Errorf("%w: provide %q or upload %q", core.ErrBadRequest, urlField, fileField)
	}
	f, err := r.MultipartForm.File[fileField][0].Open()
	if err != nil {
		return search.Source{}, fmt.Errorf("%w: open upload: %w", core.ErrBadRequest, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return search.Source{}, fmt.Errorf("%w: read upload: %w", core.ErrBadRequest, err)
	}
	return search.Source{Data: data}, nil
}

func intField(r *http.Request, name string, fallback int) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", core.ErrBadRequest, name)
	}
	return n, nil
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	const method = "add"
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, method, err)
		return
	}
	path, err := requiredField(r, "filepath")
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	var metadata json.RawMessage
	if v := r.FormValue("metadata"); v != "" {
		metadata = json.RawMessage(v)
	}
	src, err := imageSource(r, "url", "image")
	if err != nil {
		s.writeError(w, method, err)
		return
	}

	if _, err := s.svc.Add(r.Context(), src, path, metadata); err != nil {
		s.writeError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(method))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	const method = "delete"
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, method, err)
		return
	}
	path, err := requiredField(r, "filepath")
	if err != nil {
		s.writeError(w, method, err)
		return
	}

	if _, err := s.svc.Remove(r.Context(), path); err != nil {
		s.writeError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(method))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	const method = "search"
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, method, err)
		return
	}
	src, err := imageSource(r, "url", "image")
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	allOrientations := s.svc.DefaultAllOrientations()
	if _, present := r.Form["all_orientations"]; present {
		allOrientations = r.FormValue("all_orientations") == "true"
	}

	results, err := s.svc.Search(r.Context(), src, allOrientations)
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	hits := make([]any, len(results))
	for i, res := range results {
		hits[i] = SearchHit{Score: res.Score, Filepath: res.Path, Metadata: res.Metadata}
	}
	writeJSON(w, http.StatusOK, ok(method, hits...))
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	const method = "compare"
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, method, err)
		return
	}
	a, err := imageSource(r, "url1", "image1")
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	b, err := imageSource(r, "url2", "image2")
	if err != nil {
		s.writeError(w, method, err)
		return
	}

	score, err := s.svc.Compare(r.Context(), a, b)
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(method, CompareResult{Score: score}))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	const method = "count"
	n, err := s.svc.Count(r.Context())
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(method, n))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	const method = "list"
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, method, err)
		return
	}
	offset, err := intField(r, "offset", 0)
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	limit, err := intField(r, "limit", DefaultListLimit)
	if err != nil {
		s.writeError(w, method, err)
		return
	}

	paths, err := s.svc.List(r.Context(), max(offset, 0), min(max(limit, 0), s.maxListLimit))
	if err != nil {
		s.writeError(w, method, err)
		return
	}
	result := make([]any, len(paths))
	for i, p := range paths {
		result[i] = p
	}
	writeJSON(w, http.StatusOK, ok(method, result...))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ok("ping"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Metrics()
	stats := make([]OpStats, 0, len(snap.Ops))
	for _, op := range snap.Ops {
		stats = append(stats, OpStats{
			Op:     op.Op,
			Calls:  op.Calls,
			Errors: op.Errors,
			AvgMs:  op.AvgMillis(),
			MaxMs:  float64(op.MaxDuration.Microseconds()) / 1000,
		})
	}
	slices.SortFunc(stats, func(a, b OpStats) int { return cmp.Compare(a.Op, b.Op) })

	result := make([]any, len(stats))
	for i, st := range stats {
		result[i] = st
	}
	writeJSON(w, http.StatusOK, ok("metrics", result...))
}
