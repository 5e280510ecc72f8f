package entity

// Record is one structured item produced by an extraction strategy.
type Record struct {
	PageIndex int               `json:"page_index"`
	Position  int               `json:"position"`
	Fields    map[string]string `json:"fields"`
}
