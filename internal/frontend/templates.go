package frontend

import (
	"embed"
	"html/template"
	"io"
	"strings"

	"github.com/jo-hoe/lesiontriage/internal/backend/classifier"
	"github.com/labstack/echo/v4"
)

const viewsPattern = "views/*.html"

//go:embed views/*.html
var templateFS embed.FS

//go:embed views/icon.svg
var assetsFS embed.FS

// Template renders the embedded views for echo.
type Template struct {
	templates *template.Template
}

func (t *Template) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return t.templates.ExecuteTemplate(w, name, data)
}

func newTemplate() *Template {
	funcs := template.FuncMap{
		"percent":  classifier.FormatPercent,
		"humanize": func(label string) string { return strings.ReplaceAll(label, "_", " ") },
	}
	return &Template{
		templates: template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, viewsPattern)),
	}
}
