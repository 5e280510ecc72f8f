package extract

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/user/listing-crawler/internal/entity"
)

// Text keeps the visible text of each record element under a single "text"
// field. Without a record selector the whole page body is one record.
type Text struct {
	recordSelector string
}

func NewText(recordSelector string) *Text {
	return &Text{recordSelector: recordSelector}
}

func (t *Text) Name() string { return ModeText }

func (t *Text) Extract(page entity.PageResult) ([]entity.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript").Remove()

	var records []entity.Record
	add := func(s *goquery.Selection) {
		text := cleanText(s.Text())
		if text == "" {
			return
		}
		records = append(records, entity.Record{
			PageIndex: page.PageIndex,
			Position:  len(records),
			Fields:    map[string]string{"text": text},
		})
	}

	if t.recordSelector == "" {
		add(doc.Find("body"))
		return records, nil
	}
	doc.Find(t.recordSelector).Each(func(_ int, s *goquery.Selection) { add(s) })
	return records, nil
}
