package types

// ResultType classifies a search result by the query that produced it.
type ResultType string

const (
	ResultProfile ResultType = "profile"
	ResultNote    ResultType = "note"
	ResultOther   ResultType = "other"
)

// SearchResult is a single deduplicated hit from an aggregated search.
type SearchResult struct {
	Type     ResultType `json:"type"`
	Event    Event      `json:"event"`
	RelayURL string     `json:"relay"`
}
