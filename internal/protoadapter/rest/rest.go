// Package rest is the REST protocol surface: a thin net/http.ServeMux
// router over internal/chrondb. Handlers parse, delegate, and serialize;
// no storage or query logic lives here.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/chrondb"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/planner"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
)

// Server routes REST requests to one chrondb.DB.
type Server struct {
	db  *chrondb.DB
	log *slog.Logger
}

// New builds a Server over an already-open DB.
func New(db *chrondb.DB) *Server {
	return &Server{db: db, log: slog.Default().With(slog.String("protocol", "rest"))}
}

// Router builds the http.ServeMux this collaborator serves.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /documents/{id}", s.handleGet)
	mux.HandleFunc("PUT /documents/{id}", s.handlePut)
	mux.HandleFunc("DELETE /documents/{id}", s.handleDelete)
	mux.HandleFunc("GET /documents/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /documents/{id}/at/{commit}", s.handleGetAt)
	mux.HandleFunc("GET /search", s.handleSearch)

	return mux
}

func (s *Server) jsonOK(w http.ResponseWriter, resp any) {
	s.jsonWithCode(w, http.StatusOK, resp)
}

func (s *Server) jsonWithCode(w http.ResponseWriter, code int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to json encode response", "err", err)
	}
}

func (s *Server) errResponse(w http.ResponseWriter, err error) {
	type response struct {
		Err string `json:"error"`
	}

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, chronerr.NotFound):
		code = http.StatusNotFound
	case errors.Is(err, chronerr.BadDocument):
		code = http.StatusBadRequest
	case errors.Is(err, chronerr.VersionConflict), errors.Is(err, chronerr.Conflict):
		code = http.StatusConflict
	}
	s.jsonWithCode(w, code, &response{Err: err.Error()})
}

func branchOf(r *http.Request) string {
	if b := r.URL.Query().Get("branch"); b != "" {
		return b
	}
	return "main"
}

func tableAndID(r *http.Request) (string, string, error) {
	raw := r.PathValue("id")
	table, id, ok := docid.ParseTableAndID(raw)
	if !ok {
		return "", "", fmt.Errorf("%w: id must be \"table:id\"", chronerr.BadDocument)
	}
	return table, id, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	table, id, err := tableAndID(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	doc, err := s.db.Get(branchOf(r), table, id)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonOK(w, doc)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	table, id, err := tableAndID(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}

	var doc docid.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.errResponse(w, fmt.Errorf("%w: %v", chronerr.BadDocument, err))
		return
	}
	if doc == nil {
		doc = docid.Document{}
	}
	if _, ok := doc["id"]; !ok {
		// the document's id field keeps the full "table:rest" form the
		// client addressed it by, not just the path segment
		doc["id"] = r.PathValue("id")
	}

	tx := txctx.Begin(txctx.OriginREST, r.RemoteAddr)
	res, err := s.db.Put(branchOf(r), table, id, doc, tx)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonOK(w, map[string]string{"commit": res.CommitID.String()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, id, err := tableAndID(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	tx := txctx.Begin(txctx.OriginREST, r.RemoteAddr)
	res, err := s.db.Delete(branchOf(r), table, id, tx)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonOK(w, map[string]string{"commit": res.CommitID.String()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	table, id, err := tableAndID(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	entries, err := s.db.History(branchOf(r), table, id)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonOK(w, entries)
}

func (s *Server) handleGetAt(w http.ResponseWriter, r *http.Request) {
	table, id, err := tableAndID(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	commit := r.PathValue("commit")
	doc, err := s.db.GetAt(commit, table, id)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonOK(w, doc)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := q.Get("table")
	if table == "" {
		s.errResponse(w, fmt.Errorf("%w: table query param is required", chronerr.BadDocument))
		return
	}

	var clauses []query.Clause
	if term := q.Get("q"); term != "" {
		clauses = append(clauses, query.NewFts("_all", term, ""))
	}
	for field, values := range q {
		if field == "table" || field == "q" || field == "branch" || field == "limit" || field == "offset" {
			continue
		}
		for _, v := range values {
			clauses = append(clauses, query.NewTerm(field, v))
		}
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	res, err := s.db.Search(planner.Request{
		Table: table,
		Filter: query.Query{
			Branch:  branchOf(r),
			Clauses: clauses,
			Limit:   limit,
			Offset:  offset,
		},
	})
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonOK(w, res.Rows)
}
