// Package search talks to the full-text search engine: it runs stored
// queries and resolves passage offsets into document text.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/httputil"
)

const (
	queryPath  = "/api/v1/search.query"
	chunksPath = "/api/v1/engine.documentTextChunks"
)

// Result is one executed query. Passages carry their global rank.
type Result struct {
	Raw      json.RawMessage
	Passages []domain.Passage
	Records  map[string]map[string]any
	Elapsed  time.Duration
}

// Record returns the projected fields of a result record, or nil.
func (r *Result) Record(id string) map[string]any {
	if r == nil {
		return nil
	}
	return r.Records[id]
}

type Executor interface {
	Execute(ctx context.Context, app string, query json.RawMessage) (*Result, error)
}

// ChunkRequest asks for the text behind a document's passage spans.
type ChunkRequest struct {
	App       string
	QueryName string
	DocID     string
	Spans     []domain.Passage
	Mode      domain.ExtendMode
	Sentences int
}

type ChunkResolver interface {
	Resolve(ctx context.Context, req ChunkRequest) ([]domain.TextChunk, error)
}

// Client implements Executor and ChunkResolver over the engine's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	now     func() time.Time
}

func NewClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
		now:     time.Now,
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, raw, err := httputil.PostJSON(ctx, c.http, c.baseURL+path, c.header(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSearchFailed, err)
	}
	if !httputil.IsSuccess(status) {
		return nil, fmt.Errorf("%w: [%d] %s", domain.ErrSearchFailed, status, string(raw))
	}
	return raw, nil
}

type queryRequest struct {
	App   string          `json:"app"`
	Query json.RawMessage `json:"query"`
}

type queryResponse struct {
	TopPassages *struct {
		Passages []domain.Passage `json:"passages"`
	} `json:"topPassages"`
	Records []map[string]any `json:"records"`
}

func (c *Client) Execute(ctx context.Context, app string, query json.RawMessage) (*Result, error) {
	start := c.now()
	raw, err := c.post(ctx, queryPath, queryRequest{App: app, Query: query})
	elapsed := c.now().Sub(start)
	if err != nil {
		return nil, err
	}

	res, err := ParseResult(raw)
	if err != nil {
		return nil, err
	}
	res.Elapsed = elapsed
	return res, nil
}

// ParseResult decodes a query response. A response without top passages
// yields an empty passage list.
func ParseResult(raw []byte) (*Result, error) {
	var resp queryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrSearchFailed, err)
	}

	res := &Result{
		Raw:     raw,
		Records: make(map[string]map[string]any, len(resp.Records)),
	}
	if resp.TopPassages != nil {
		res.Passages = resp.TopPassages.Passages
		for i := range res.Passages {
			res.Passages[i].Rank = i
		}
	}
	for _, rec := range resp.Records {
		if id, ok := rec["id"].(string); ok {
			res.Records[id] = rec
		}
	}
	return res, nil
}

// QueryName extracts the "name" member of a query reference.
func QueryName(query json.RawMessage) string {
	var ref struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(query, &ref); err != nil {
		return ""
	}
	return ref.Name
}

type span struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type chunksRequest struct {
	App   string `json:"app"`
	Query struct {
		Name string `json:"name"`
	} `json:"query"`
	ID                  string `json:"id"`
	TextChunks          []span `json:"textChunks"`
	LeftSentencesCount  int    `json:"leftSentencesCount,omitempty"`
	RightSentencesCount int    `json:"rightSentencesCount,omitempty"`
}

type chunksResponse struct {
	Chunks []domain.TextChunk `json:"chunks"`
}

func (c *Client) Resolve(ctx context.Context, req ChunkRequest) ([]domain.TextChunk, error) {
	payload := chunksRequest{
		App:        req.App,
		ID:         req.DocID,
		TextChunks: make([]span, len(req.Spans)),
	}
	payload.Query.Name = req.QueryName
	for i, p := range req.Spans {
		payload.TextChunks[i] = span{Offset: p.Offset(), Length: p.Length()}
	}
	if req.Mode == domain.ExtendSentence && req.Sentences > 0 {
		payload.LeftSentencesCount = req.Sentences
		payload.RightSentencesCount = req.Sentences
	}

	raw, err := c.post(ctx, chunksPath, payload)
	if err != nil {
		return nil, err
	}

	var resp chunksResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode chunks: %v", domain.ErrSearchFailed, err)
	}
	return resp.Chunks, nil
}
