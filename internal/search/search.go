// Package search indexes artifact previews for list views. Meilisearch is
// the primary engine; PostgreSQL full-text search is the fallback when it
// is unconfigured or unhealthy.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	VersionID  string `json:"versionId"`
	MaterialID string `json:"materialId"`
	Type       string `json:"type"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request. UserID scopes results to materials the
// requester owns; public materials are always visible.
type Query struct {
	Text       string
	UserID     string
	FilterType string // empty = all artifact types
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ArtifactRecord is the data we index for one artifact version.
type ArtifactRecord struct {
	ID         string `json:"id"`
	MaterialID string `json:"materialId"`
	OwnerID    string `json:"ownerId"`
	IsPublic   bool   `json:"isPublic"`
	Type       string `json:"type"`
	Preview    string `json:"preview"`
}

// Searcher can execute a preview search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push artifact versions into a search index.
type Indexer interface {
	IndexArtifact(rec ArtifactRecord) error
}
