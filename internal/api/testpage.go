package api

import (
	_ "embed"
	"net/http"
)

//go:embed static/wstest.html
var wsTestHTML []byte

// wsTestPage serves a small page for watching a bus feed from a browser.
func (s *Server) wsTestPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(wsTestHTML)
}
