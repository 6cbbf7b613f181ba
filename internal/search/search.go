package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	CaseNumber string `json:"numero_caso"`
	Title      string `json:"titulo"`
	Snippet    string `json:"snippet"`
	Category   string `json:"tipo_caso"`
	Status     string `json:"estado"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterCategory string // empty = both categories
	FilterStatus   string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CaseRecord is the data we index for a case.
type CaseRecord struct {
	ID          string `json:"id"`
	CaseNumber  string `json:"numero_caso"`
	Title       string `json:"titulo"`
	Description string `json:"descripcion"`
	ClientName  string `json:"cliente_nombre"`
	Category    string `json:"tipo_caso"`
	Status      string `json:"estado"`
}
