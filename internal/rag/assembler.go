// Package rag turns search results into prompt context: passages grouped by
// record, resolved to text and wrapped in <document> blocks.
package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/search"
)

type Assembler struct {
	Resolver search.ChunkResolver
}

func NewAssembler(resolver search.ChunkResolver) *Assembler {
	return &Assembler{Resolver: resolver}
}

// Context is the grouped view of one search result.
type Context struct {
	App       string
	QueryName string
	Options   domain.ContextOptions
	Documents []domain.SearchDocument

	resolver search.ChunkResolver
}

// Build groups passages by record in first-seen order. Passage ranks are
// their global position in the result.
func (a *Assembler) Build(app, queryName string, res *search.Result, opts domain.ContextOptions) *Context {
	c := &Context{
		App:       app,
		QueryName: queryName,
		Options:   opts,
		resolver:  a.Resolver,
	}
	if res == nil {
		return c
	}

	index := make(map[string]int)
	for rank, p := range res.Passages {
		p.Rank = rank
		i, ok := index[p.RecordID]
		if !ok {
			i = len(c.Documents)
			index[p.RecordID] = i
			c.Documents = append(c.Documents, domain.SearchDocument{
				ID:     p.RecordID,
				Fields: res.Record(p.RecordID),
			})
		}
		c.Documents[i].Passages = append(c.Documents[i].Passages, p)
	}
	return c
}

// qualifying applies the global rank cutoff and the optional score floor.
func (c *Context) qualifying(doc domain.SearchDocument) []domain.Passage {
	var out []domain.Passage
	for _, p := range doc.Passages {
		if p.Rank >= c.Options.TopPassages {
			continue
		}
		if c.Options.TopPassagesMinScore > 0 && p.Score < c.Options.TopPassagesMinScore {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DocumentsContext renders one block per document with qualifying passages,
// each on its own line.
func (c *Context) DocumentsContext(ctx context.Context) (string, error) {
	switch c.Options.Strategy {
	case domain.StrategyTopPassagesByScore:
	default:
		return "", &domain.UnsupportedError{What: fmt.Sprintf("context strategy %q not implemented", c.Options.Strategy)}
	}

	type job struct {
		doc      domain.SearchDocument
		passages []domain.Passage
	}
	var jobs []job
	for _, doc := range c.Documents {
		if ps := c.qualifying(doc); len(ps) > 0 {
			jobs = append(jobs, job{doc: doc, passages: ps})
		}
	}

	blocks := make([]string, len(jobs))
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		i, j := i, j
		wg.Add(1)
		go func() {
			defer wg.Done()
			blocks[i], errs[i] = c.renderDocument(ctx, j.doc, j.passages)
		}()
	}
	wg.Wait()

	var sb strings.Builder
	for i := range jobs {
		if errs[i] != nil {
			return "", fmt.Errorf("resolve document %s: %w", jobs[i].doc.ID, errs[i])
		}
		sb.WriteString(blocks[i])
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String(), nil
}

// PromptContext surrounds the documents with the template's literal prefix
// and suffix, each on its own line when non-empty.
func (c *Context) PromptContext(ctx context.Context, tmpl domain.PromptTemplate) (string, error) {
	docs, err := c.DocumentsContext(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if tmpl.UserBeforeContext != "" {
		sb.WriteString(tmpl.UserBeforeContext)
		sb.WriteString("\n")
	}
	sb.WriteString(docs)
	sb.WriteString("\n")
	if tmpl.UserAfterContext != "" {
		sb.WriteString(tmpl.UserAfterContext)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (c *Context) renderDocument(ctx context.Context, doc domain.SearchDocument, passages []domain.Passage) (string, error) {
	chunks, err := c.resolver.Resolve(ctx, search.ChunkRequest{
		App:       c.App,
		QueryName: c.QueryName,
		DocID:     doc.ID,
		Spans:     passages,
		Mode:      c.Options.ExtendMode,
		Sentences: c.Options.ExtendSentences,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("<document")
	for _, col := range c.Options.DocColumns {
		if col == "" {
			continue
		}
		fmt.Fprintf(&sb, " %s=\"%s\"", col, escapeAttr(fieldValue(doc.Fields, col)))
	}
	sb.WriteString(">")
	for _, ch := range chunks {
		sb.WriteString(ch.Text)
	}
	sb.WriteString("</document>")
	return sb.String(), nil
}

// fieldValue looks up a dotted path such as "meta.author".
func fieldValue(fields map[string]any, path string) string {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}

	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ";")
	default:
		return fmt.Sprint(v)
	}
}

func escapeAttr(s string) string {
	return strings.ReplaceAll(s, `"`, "&quot;")
}
