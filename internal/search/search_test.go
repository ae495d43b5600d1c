package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
)

const sampleResponse = `{
	"topPassages": {"passages": [
		{"id": 1, "score": 0.9, "location": [10, 20], "recordId": "doc-a"},
		{"id": 2, "score": 0.8, "location": [50, 5], "recordId": "doc-b"}
	]},
	"records": [
		{"id": "doc-a", "title": "Alpha"},
		{"id": "doc-b", "title": "Beta"}
	]
}`

func TestClient_Execute(t *testing.T) {
	var got map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != queryPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", "tok", server.Client())
	res, err := c.Execute(context.Background(), "app1", json.RawMessage(`{"name":"q","text":"hello"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if string(got["app"]) != `"app1"` {
		t.Errorf("app = %s", got["app"])
	}
	if len(res.Passages) != 2 || res.Passages[1].Rank != 1 || res.Passages[1].RecordID != "doc-b" {
		t.Errorf("passages = %+v", res.Passages)
	}
	if res.Passages[0].Offset() != 10 || res.Passages[0].End() != 30 {
		t.Errorf("location = %v", res.Passages[0].Location)
	}
	if res.Record("doc-a")["title"] != "Alpha" {
		t.Errorf("record = %v", res.Record("doc-a"))
	}
}

func TestClient_ExecuteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("denied"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", server.Client())
	_, err := c.Execute(context.Background(), "app", json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrSearchFailed) {
		t.Errorf("error = %v, want ErrSearchFailed", err)
	}
}

func TestParseResult_NoPassages(t *testing.T) {
	res, err := ParseResult([]byte(`{"records":[]}`))
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if len(res.Passages) != 0 {
		t.Errorf("passages = %+v", res.Passages)
	}
}

func TestQueryName(t *testing.T) {
	if got := QueryName(json.RawMessage(`{"name":"kb","text":"x"}`)); got != "kb" {
		t.Errorf("QueryName() = %q", got)
	}
	if got := QueryName(json.RawMessage(`"bad"`)); got != "" {
		t.Errorf("QueryName() = %q", got)
	}
}

func TestClient_Resolve(t *testing.T) {
	tests := []struct {
		name      string
		mode      domain.ExtendMode
		sentences int
		wantLeft  bool
	}{
		{"none", domain.ExtendNone, 2, false},
		{"sentence", domain.ExtendSentence, 2, true},
		{"sentence zero", domain.ExtendSentence, 0, false},
		{"passage", domain.ExtendPassage, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]json.RawMessage
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != chunksPath {
					t.Errorf("path = %s", r.URL.Path)
				}
				json.NewDecoder(r.Body).Decode(&got)
				w.Write([]byte(`{"chunks":[{"offset":10,"length":20,"text":"chunk text"}]}`))
			}))
			defer server.Close()

			c := NewClient(server.URL, "", server.Client())
			chunks, err := c.Resolve(context.Background(), ChunkRequest{
				App:       "app",
				QueryName: "q",
				DocID:     "doc-a",
				Spans:     []domain.Passage{{Location: [2]int{10, 20}}},
				Mode:      tt.mode,
				Sentences: tt.sentences,
			})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if len(chunks) != 1 || chunks[0].Text != "chunk text" {
				t.Errorf("chunks = %+v", chunks)
			}

			if string(got["query"]) != `{"name":"q"}` || string(got["id"]) != `"doc-a"` {
				t.Errorf("payload = %v", got)
			}
			if string(got["textChunks"]) != `[{"offset":10,"length":20}]` {
				t.Errorf("textChunks = %s", got["textChunks"])
			}
			_, hasLeft := got["leftSentencesCount"]
			_, hasRight := got["rightSentencesCount"]
			if hasLeft != tt.wantLeft || hasRight != tt.wantLeft {
				t.Errorf("sentence counts present = %v/%v, want %v", hasLeft, hasRight, tt.wantLeft)
			}
		})
	}
}
