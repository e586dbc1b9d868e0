package search

// Result is a single post hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Level    int    `json:"level"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Author   string `json:"author"`
}

// Query describes a search request over the ingested posts.
type Query struct {
	Text     string
	ThreadID string // empty = all threads
	Level    int    // 0 = all levels; 1 restricts to thread roots
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over posts.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PostRecord is the data we index for a post.
type PostRecord struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Level    int    `json:"level"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Author   string `json:"author"`
}
