package web

import (
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed assets/*.html
var assets embed.FS

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu []Link
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Load and parse the embedded templates
func NewTemplates() (*Templates, error) {
	t, err := template.New("").Funcs(template.FuncMap{
		"loss": formatLoss,
	}).ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	return &Templates{Template: t}, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = key.Url == url
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func logError(log *zap.SugaredLogger, w http.ResponseWriter, err error, status int) {
	log.Errorw("request failed", "error", err, "status", status)
	http.Error(w, err.Error(), status)
}
