// Package tokenizer counts tokens for the model families served by the gateway.
//
// Encoders are built once per process and never mutated afterwards, so a
// Tokenizer returned by For may be shared by any number of goroutines.
package tokenizer

import (
	"log/slog"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const (
	FamilyCL100K = "cl100k_base"
	FamilyApprox = "approx"
)

type Tokenizer interface {
	Count(text string) int
}

// Tiktoken counts BPE tokens with an OpenAI encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Approx estimates tokens from the rune count. Used for vendors whose
// tokenizer is only reachable over the network.
type Approx struct {
	RunesPerToken float64
}

func (a Approx) Count(text string) int {
	if text == "" {
		return 0
	}
	per := a.RunesPerToken
	if per <= 0 {
		per = 4
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / per))
}

var (
	once     sync.Once
	families map[string]Tokenizer
)

func load() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())

	families = map[string]Tokenizer{
		FamilyApprox: Approx{RunesPerToken: 4},
	}

	cl, err := NewTiktoken(FamilyCL100K)
	if err != nil {
		slog.Warn("tiktoken unavailable, using approximation", "encoding", FamilyCL100K, "error", err)
		families[FamilyCL100K] = Approx{RunesPerToken: 4}
		return
	}
	families[FamilyCL100K] = cl
}

// For returns the shared tokenizer of a family. Unknown families fall back to
// the approximation.
func For(family string) Tokenizer {
	once.Do(load)
	if t, ok := families[family]; ok {
		return t
	}
	return families[FamilyApprox]
}

// CountAll sums the token counts of texts.
func CountAll(t Tokenizer, texts ...string) int {
	total := 0
	for _, s := range texts {
		total += t.Count(s)
	}
	return total
}
