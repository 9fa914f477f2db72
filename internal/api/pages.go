package api

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"evaldb/pkg/generation"
	"evaldb/pkg/journal"
)

var queryTmpl = template.Must(template.New("query").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>evaldb {{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>language: {{.Lang}}</p>
{{if .Link}}<p>serving web requests for <code>{{.Link}}</code></p>{{end}}
<p>eval: <code>POST /eval/{{.Name}}</code>, tail: <code>GET /tail/{{.Name}}</code></p>
<form method="post" action="/link">
<input type="hidden" name="dbname" value="{{.Name}}">
<input name="hostname" placeholder="hostname" value="{{.Link}}">
<button>link</button>
</form>
</body>
</html>
`))

func (s *Server) handleQueryPage(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := queryTmpl.Execute(w, struct {
		Lang string
		Name string
		Link string
	}{d.Lang, d.Name, d.Hostname})
	if err != nil {
		s.log.Warn("render query page", "db", d.Name, "error", err)
	}
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, 400, err.Error())
		return
	}
	dbname := r.FormValue("dbname")
	hostname := strings.ToLower(r.FormValue("hostname"))
	if hostname == "" || strings.ContainsAny(hostname, ".:/") {
		s.writeError(w, 400, "invalid hostname")
		return
	}

	err := s.bus.Link(r.Context(), dbname, hostname)
	switch {
	case errors.Is(err, journal.ErrDatabaseNotFound):
		s.writeError(w, 404, "doesn't exist")
		return
	case errors.Is(err, journal.ErrHostnameTaken):
		s.writeError(w, 400, journal.ErrHostnameTaken.Error())
		return
	case err != nil:
		s.log.Error("unable to link database", "db", dbname, "hostname", hostname, "error", err)
		s.writeError(w, 500, err.Error())
		return
	}
	s.log.Info("linked database", "db", dbname, "hostname", hostname)
	http.Redirect(w, r, "/query/"+dbname, http.StatusFound)
}

// linkedHost reports the hostname label of a web request host, i.e. "blog"
// for "blog.<Domain>".
func (s *Server) linkedHost(host string) (string, bool) {
	if s.Domain == "" {
		return "", false
	}
	label, ok := strings.CutSuffix(strings.ToLower(host), "."+strings.ToLower(s.Domain))
	if !ok || label == "" {
		return "", false
	}
	return label, true
}

// handleWebRequest lets the database linked to hostname answer r by
// evaluating its http.req route with the request path and method.
func (s *Server) handleWebRequest(w http.ResponseWriter, r *http.Request, hostname string) {
	d, err := s.bus.DatabaseForHost(r.Context(), hostname)
	if errors.Is(err, journal.ErrDatabaseNotFound) {
		http.Error(w, "404", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("host lookup", "hostname", hostname, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	req, _ := json.Marshal(map[string]string{
		"path":   r.URL.Path,
		"method": r.Method,
	})
	res := s.evaluate(r.Context(), d, generation.Request{
		Code: "return http.req(r)",
		Args: map[string]json.RawMessage{"r": req},
	})

	var body string
	if len(res.Error) > 0 && string(res.Error) != "null" {
		if json.Unmarshal(res.Error, &body) != nil {
			body = "internal error, route return object not a string"
		}
		http.Error(w, body, http.StatusInternalServerError)
		return
	}
	if len(res.Object) == 0 || string(res.Object) == "null" || json.Unmarshal(res.Object, &body) != nil {
		http.Error(w, "internal error, route didn't return a string", http.StatusInternalServerError)
		return
	}
	w.Write([]byte(body))
}
