package extract

import (
	"sort"
	"strings"

	"github.com/user/listing-crawler/internal/entity"
)

// Dedupe drops records already seen, keeping the first occurrence. Records are
// keyed by keyField when present, otherwise by their normalised field values.
func Dedupe(records []entity.Record, keyField string) []entity.Record {
	seen := make(map[string]bool, len(records))
	out := make([]entity.Record, 0, len(records))
	for _, r := range records {
		key := dedupeKey(r, keyField)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func dedupeKey(r entity.Record, keyField string) string {
	if keyField != "" {
		if v := r.Fields[keyField]; v != "" {
			return "key:" + v
		}
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("fields:")
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(cleanText(r.Fields[name])))
		b.WriteByte(';')
	}
	return b.String()
}
