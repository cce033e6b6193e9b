package oauth

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/Masterminds/sprig/v3"
)

//go:embed templates/*.html
var templateFiles embed.FS

var pages = template.Must(
	template.New("pages").Funcs(sprig.HtmlFuncMap()).ParseFS(templateFiles, "templates/*.html"),
)

type authorizePage struct {
	ClientName string
	Scopes     []string
	Action     string
	Email      string
	Error      string
}

type errorPage struct {
	Title   string
	Message string
}

type callbackPage struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func renderPage(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func renderError(w http.ResponseWriter, status int, message string) {
	renderPage(w, status, "error.html", errorPage{Title: "Authorization error", Message: message})
}
