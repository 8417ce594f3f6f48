package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/layout.html
var templatesFS embed.FS

// Placeholders は本文テンプレートに埋め込む値です。
type Placeholders struct {
	FullName       string
	Email          string
	EmployeeNumber string
	IsActive       string
	Link           string
}

// Renderer はロケール別の文面を共通レイアウトへ埋め込みます。
type Renderer struct {
	locale string
	layout *template.Template
	bodies map[Kind]*template.Template
	titles map[Kind]string
}

// NewRenderer は locale の文面を読み込みます。未対応のロケールはエラーになります。
func NewRenderer(locale string) (*Renderer, error) {
	entries, ok := catalog[locale]
	if !ok {
		return nil, fmt.Errorf("mail: unsupported locale %q", locale)
	}

	layout, err := template.ParseFS(templatesFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("mail: parse layout: %w", err)
	}

	r := &Renderer{
		locale: locale,
		layout: layout,
		bodies: make(map[Kind]*template.Template, len(entries)),
		titles: make(map[Kind]string, len(entries)),
	}
	for kind, e := range entries {
		body, err := template.New(string(kind)).Parse(e.body)
		if err != nil {
			return nil, fmt.Errorf("mail: parse %s/%s: %w", locale, kind, err)
		}
		r.bodies[kind] = body
		r.titles[kind] = e.subject
	}
	return r, nil
}

// Render は件名と HTML 本文を返します。
func (r *Renderer) Render(kind Kind, p Placeholders) (string, string, error) {
	body, ok := r.bodies[kind]
	if !ok {
		return "", "", fmt.Errorf("mail: unknown kind %q", kind)
	}

	var content bytes.Buffer
	if err := body.Execute(&content, p); err != nil {
		return "", "", fmt.Errorf("mail: render %s: %w", kind, err)
	}

	subject := r.titles[kind]
	var page bytes.Buffer
	if err := r.layout.Execute(&page, struct {
		Locale  string
		Title   string
		Content template.HTML
	}{
		Locale: r.locale,
		Title:  subject,
		// content は html/template で値をエスケープ済み
		Content: template.HTML(content.String()),
	}); err != nil {
		return "", "", fmt.Errorf("mail: render layout: %w", err)
	}

	return subject, page.String(), nil
}
