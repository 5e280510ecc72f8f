package extract

import (
	"errors"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/user/listing-crawler/internal/entity"
)

// CSS extracts one record per element matching the record selector.
type CSS struct {
	recordSelector string
	fields         []Field
}

// NewCSS validates every selector up front.
func NewCSS(recordSelector string, fields []Field) (*CSS, error) {
	if recordSelector == "" {
		return nil, errors.New("record selector is required for css extraction")
	}
	if _, err := cascadia.ParseGroup(recordSelector); err != nil {
		return nil, err
	}
	for _, f := range fields {
		if _, err := cascadia.ParseGroup(f.Selector); err != nil {
			return nil, err
		}
	}
	return &CSS{recordSelector: recordSelector, fields: fields}, nil
}

func (c *CSS) Name() string { return ModeCSS }

// Extract skips elements where every field is empty.
func (c *CSS) Extract(page entity.PageResult) ([]entity.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}

	var records []entity.Record
	doc.Find(c.recordSelector).Each(func(_ int, card *goquery.Selection) {
		fields := make(map[string]string, len(c.fields))
		for _, f := range c.fields {
			match := card.Find(f.Selector).First()
			if match.Length() == 0 {
				continue
			}
			var val string
			if f.Attr != "" {
				v, ok := match.Attr(f.Attr)
				if !ok {
					continue
				}
				val = resolve(doc, f.Attr, cleanText(v))
			} else {
				val = cleanText(match.Text())
			}
			if val != "" {
				fields[f.Name] = val
			}
		}
		if len(fields) == 0 {
			return
		}
		records = append(records, entity.Record{
			PageIndex: page.PageIndex,
			Position:  len(records),
			Fields:    fields,
		})
	})
	return records, nil
}
