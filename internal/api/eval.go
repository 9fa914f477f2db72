package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"evaldb/pkg/generation"
	"evaldb/pkg/journal"
)

func allowCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handleEvalPreflight(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the {db} path value, writing the error response itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, notFound int) (*journal.Database, bool) {
	d, err := s.bus.Database(r.Context(), r.PathValue("db"))
	if errors.Is(err, journal.ErrDatabaseNotFound) {
		s.writeError(w, notFound, "doesn't exist")
		return nil, false
	}
	if err != nil {
		s.writeError(w, 500, err.Error())
		return nil, false
	}
	return d, true
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	allowCORS(w)

	d, ok := s.lookup(w, r, 400)
	if !ok {
		return
	}
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		s.writeError(w, 400, "json only")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestSize)
	var q generation.Request
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if q.Args == nil {
		q.Args = map[string]json.RawMessage{}
	}

	s.writeJSON(w, 200, s.evaluate(r.Context(), d, q))
}

// evaluate runs q against d and journals the result when it produced a
// generation.
func (s *Server) evaluate(ctx context.Context, d *journal.Database, q generation.Request) generation.Response {
	// a client hanging up must not kill the evaluator mid-query
	ctx = context.WithoutCancel(ctx)
	s.log.Info("evaluating", "db", d.Name, "code", q.Code, "readonly", q.Readonly)

	res := s.eval.Eval(ctx, d, q)
	evalDuration.Observe(time.Duration(res.WallTime).Seconds())

	switch {
	case res.Gen <= 0:
		evalTotal.WithLabelValues("failed").Inc()
	case len(res.Error) > 0:
		evalTotal.WithLabelValues("error").Inc()
	default:
		evalTotal.WithLabelValues("ok").Inc()
	}

	if res.Gen > 0 {
		if err := s.bus.Append(ctx, d.Name, generation.Transac{Query: q, Result: res}); err != nil {
			s.log.Error("journal append failed", "db", d.Name, "gen", res.Gen, "error", err)
		}
	}
	return res
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, 400, err.Error())
		return
	}
	lang := r.FormValue("lang")
	if lang == "" {
		s.writeError(w, 400, "lang is required")
		return
	}
	if !journal.ValidLanguage(lang) {
		s.log.Warn("unexpected language", "lang", lang)
		s.writeError(w, 400, "invalid language")
		return
	}

	d, err := s.bus.CreateDatabase(r.Context(), lang)
	if err != nil {
		s.log.Error("unable to create database", "lang", lang, "error", err)
		s.writeError(w, 500, err.Error())
		return
	}
	s.log.Info("created database", "db", d.Name, "lang", lang)
	w.Header().Set("Location", "/query/"+d.Name)
	s.writeJSON(w, 201, d)
}
