// Package storage stores encoded sticky snapshots in a local directory or
// an object store.
package storage

import (
	"strings"
	"time"

	"github.com/op3/ucesb-sub002/pkg/storage"
)

// Ensure implementation satisfies interface.
var _ storage.Router = (*TemplateRouter)(nil)

// TemplateRouter expands a path template with the snapshot time.
// Placeholders: {date} (YYYY-MM-DD), {year}, {month}, {day}, {hour}.
// Times are taken in UTC.
type TemplateRouter struct {
	prefix   string
	template string
}

// NewRouter creates a router. prefix is prepended to every path, which is
// how object store backends get their base path.
func NewRouter(prefix, template string) *TemplateRouter {
	return &TemplateRouter{
		prefix:   strings.Trim(prefix, "/"),
		template: strings.Trim(template, "/"),
	}
}

// Route returns the directory for a snapshot taken at t, without leading
// or trailing slash.
func (r *TemplateRouter) Route(t time.Time) string {
	t = t.UTC()
	dir := strings.NewReplacer(
		"{date}", t.Format("2006-01-02"),
		"{year}", t.Format("2006"),
		"{month}", t.Format("01"),
		"{day}", t.Format("02"),
		"{hour}", t.Format("15"),
	).Replace(r.template)

	switch {
	case r.prefix == "":
		return dir
	case dir == "":
		return r.prefix
	default:
		return r.prefix + "/" + dir
	}
}
