package api

import (
	"net/http"
	"strconv"

	"evaldb/pkg/generation"
)

func (s *Server) handleDatabaseGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}
	n, err := s.bus.Count(r.Context(), d.Name)
	if err != nil {
		s.writeError(w, 500, err.Error())
		return
	}
	s.writeJSON(w, 200, map[string]any{
		"name":        d.Name,
		"lang":        d.Lang,
		"created_at":  d.CreatedAt,
		"generations": n,
		"subscribers": s.bus.Subscribers(d.Name),
	})
}

func (s *Server) handleGenerationList(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}
	after := generation.ID(queryInt(r, "after", 0))
	limit := queryInt(r, "limit", 100)
	txs, err := s.bus.Since(r.Context(), d.Name, after, limit)
	if err != nil {
		s.writeError(w, 500, err.Error())
		return
	}
	s.writeJSON(w, 200, txs)
}

func (s *Server) handleGenerationGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}
	gen, ok := s.pathGen(w, r)
	if !ok {
		return
	}
	tx, err := s.bus.Get(r.Context(), d.Name, gen)
	if err != nil {
		s.writeError(w, 404, err.Error())
		return
	}
	s.writeJSON(w, 200, tx)
}

func (s *Server) handleGenerationAncestors(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}
	gen, ok := s.pathGen(w, r)
	if !ok {
		return
	}
	depth := max(queryInt(r, "depth", 10), 1)
	txs, err := s.bus.Ancestors(r.Context(), d.Name, gen, depth)
	if err != nil {
		s.writeError(w, 500, err.Error())
		return
	}
	s.writeJSON(w, 200, txs)
}

func (s *Server) pathGen(w http.ResponseWriter, r *http.Request) (generation.ID, bool) {
	n, err := strconv.ParseInt(r.PathValue("gen"), 10, 64)
	if err != nil {
		s.writeError(w, 400, "invalid generation: "+r.PathValue("gen"))
		return 0, false
	}
	return generation.ID(n), true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
