// Package extract turns fetched listing pages into structured records.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/pkg/utils"
)

const (
	ModeCSS  = "css"
	ModeText = "text"
)

// Strategy extracts records from one page payload.
type Strategy interface {
	Name() string
	Extract(page entity.PageResult) ([]entity.Record, error)
}

// Field maps a record field to a selector inside a record element. An empty
// Attr takes the element's text.
type Field struct {
	Name     string
	Selector string
	Attr     string
}

// ParseFields parses "name=selector;name=selector@attr".
func ParseFields(spec string) ([]Field, error) {
	var fields []Field
	seen := make(map[string]bool)
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, sel, ok := strings.Cut(part, "=")
		name, sel = strings.TrimSpace(name), strings.TrimSpace(sel)
		if !ok || name == "" || sel == "" {
			return nil, fmt.Errorf("invalid record field %q, want name=selector", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate record field %q", name)
		}
		seen[name] = true

		f := Field{Name: name, Selector: sel}
		if i := strings.LastIndex(sel, "@"); i > 0 {
			f.Selector = strings.TrimSpace(sel[:i])
			f.Attr = strings.TrimSpace(sel[i+1:])
		}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no record fields configured")
	}
	return fields, nil
}

// New returns the strategy for mode.
func New(mode, recordSelector, fieldSpec string) (Strategy, error) {
	switch mode {
	case ModeCSS:
		fields, err := ParseFields(fieldSpec)
		if err != nil {
			return nil, err
		}
		return NewCSS(recordSelector, fields)
	case ModeText:
		return NewText(recordSelector), nil
	default:
		return nil, fmt.Errorf("unknown extraction mode %q", mode)
	}
}

// ExtractAll runs s over every page in order.
func ExtractAll(s Strategy, pages []entity.PageResult) ([]entity.Record, error) {
	var records []entity.Record
	for _, p := range pages {
		recs, err := s.Extract(p)
		if err != nil {
			return records, fmt.Errorf("extract page %d: %w", p.PageIndex, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

var spaces = regexp.MustCompile(`\s+`)

func cleanText(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func parse(page entity.PageResult) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.RawBody))
	if err != nil {
		return nil, err
	}
	if u, err := url.Parse(page.URL); err == nil && u.IsAbs() {
		doc.Url = u
	}
	return doc, nil
}

// resolve makes link attributes absolute against the page URL.
func resolve(doc *goquery.Document, attr, val string) string {
	if doc.Url == nil || (attr != "href" && attr != "src") {
		return val
	}
	return utils.ResolveLink(doc.Url, val)
}
