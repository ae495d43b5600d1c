package domain

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatMessage struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Display    bool        `json:"display"`
	Tokens     *int        `json:"tokens,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment links a message back to the search record it was built from.
type Attachment struct {
	RecordID        string `json:"recordId"`
	Query           string `json:"queryStr,omitempty"`
	Text            string `json:"text,omitempty"`
	Type            string `json:"type,omitempty"`
	Offset          int    `json:"offset"`
	Length          int    `json:"length"`
	SentencesBefore int    `json:"sentencesBefore,omitempty"`
	SentencesAfter  int    `json:"sentencesAfter,omitempty"`
	TokenCount      int    `json:"tokenCount,omitempty"`
}

type Provider string

const (
	ProviderAzureOpenAI  Provider = "AzureOpenAI"
	ProviderGoogleVertex Provider = "GoogleVertex"
	ProviderCohere       Provider = "Cohere"
	ProviderBedrock      Provider = "Bedrock"
)

type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

type ParameterBounds struct {
	Temperature      Range  `json:"temperature" yaml:"temperature"`
	GenerateTokens   Range  `json:"generateTokens" yaml:"generateTokens"`
	TopP             *Range `json:"topP,omitempty" yaml:"topP,omitempty"`
	TopK             *Range `json:"topK,omitempty" yaml:"topK,omitempty"`
	FrequencyPenalty *Range `json:"frequencyPenalty,omitempty" yaml:"frequencyPenalty,omitempty"`
	PresencePenalty  *Range `json:"presencePenalty,omitempty" yaml:"presencePenalty,omitempty"`
	BestOf           *Range `json:"bestOf,omitempty" yaml:"bestOf,omitempty"`
}

type Credential struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional,omitempty"`
}

// ModelDescriptor is the static description of one provider+size variant.
type ModelDescriptor struct {
	Provider            Provider        `json:"provider"`
	Name                string          `json:"name"`
	DisplayName         string          `json:"displayName"`
	ContextSize         int             `json:"size"`
	SupportsEventStream bool            `json:"eventStream"`
	TokenizerFamily     string          `json:"-"`
	Bounds              ParameterBounds `json:"parameters"`
	Credentials         []Credential    `json:"-"`
}

// Validate checks every bounded knob of params. A single violation is returned
// as is; several are grouped in a ValidationErrors.
func (d ModelDescriptor) Validate(params ModelParameters) error {
	var errs []error
	check := func(field string, r *Range, v float64) {
		if r != nil && !r.Contains(v) {
			errs = append(errs, &FieldOutOfRangeError{Field: field, Min: r.Min, Max: r.Max})
		}
	}

	check("temperature", &d.Bounds.Temperature, params.Temperature)
	check("generateTokens", &d.Bounds.GenerateTokens, float64(params.GenerateTokens))
	check("topP", d.Bounds.TopP, params.TopP)
	check("topK", d.Bounds.TopK, float64(params.TopK))
	check("frequencyPenalty", d.Bounds.FrequencyPenalty, params.FrequencyPenalty)
	check("presencePenalty", d.Bounds.PresencePenalty, params.PresencePenalty)
	check("bestOf", d.Bounds.BestOf, float64(params.BestOf))

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &ValidationErrors{Errs: errs}
	}
}

// ValidationErrors groups several out-of-range fields. errors.As finds the
// first FieldOutOfRangeError.
type ValidationErrors struct {
	Errs []error
}

func (e *ValidationErrors) Error() string {
	msg := e.Errs[0].Error()
	for _, err := range e.Errs[1:] {
		msg += "; " + err.Error()
	}
	return msg
}

func (e *ValidationErrors) Unwrap() []error { return e.Errs }

type ModelParameters struct {
	Name             string         `json:"name"`
	Temperature      float64        `json:"temperature"`
	GenerateTokens   int            `json:"generateTokens"`
	TopP             float64        `json:"topP"`
	FrequencyPenalty float64        `json:"frequencyPenalty"`
	PresencePenalty  float64        `json:"presencePenalty"`
	BestOf           int            `json:"bestOf"`
	TopK             int            `json:"topK"`
	Context          string         `json:"context,omitempty"`
	Examples         []ModelExample `json:"examples,omitempty"`
}

type ModelExample struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

func DefaultModelParameters() ModelParameters {
	return ModelParameters{
		Temperature:    0.7,
		GenerateTokens: 800,
		TopP:           0.8,
		BestOf:         1,
		TopK:           40,
	}
}

// UnmarshalJSON fills absent fields with DefaultModelParameters.
func (p *ModelParameters) UnmarshalJSON(b []byte) error {
	type alias ModelParameters
	a := alias(DefaultModelParameters())
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = ModelParameters(a)
	return nil
}

// QuotaState is the persisted part of a user's quota.
type QuotaState struct {
	TokenCount int       `json:"tokenCount"`
	LastReset  time.Time `json:"lastReset"`
}

type QuotaSnapshot struct {
	TokenCount   int       `json:"tokenCount"`
	PeriodTokens int       `json:"periodTokens"`
	ResetHours   int       `json:"resetHours"`
	LastReset    time.Time `json:"lastResetUTC"`
	NextReset    time.Time `json:"nextResetUTC"`
}

type TokensStats struct {
	LeftForPrompt int           `json:"leftForPrompt"`
	Model         int           `json:"model"`
	Generation    int           `json:"generation"`
	Used          int           `json:"used"`
	Quota         QuotaSnapshot `json:"quota"`
}

type Passage struct {
	ID       int     `json:"id"`
	Score    float64 `json:"score"`
	Location [2]int  `json:"location"`
	RecordID string  `json:"recordId"`
	Rank     int     `json:"-"`
}

func (p Passage) Offset() int { return p.Location[0] }
func (p Passage) Length() int { return p.Location[1] }
func (p Passage) End() int    { return p.Location[0] + p.Location[1] }

type SearchDocument struct {
	ID       string         `json:"id"`
	Fields   map[string]any `json:"fields,omitempty"`
	Passages []Passage      `json:"passages"`
}

type TextChunk struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}

type ExtendMode string

const (
	ExtendNone     ExtendMode = "None"
	ExtendSentence ExtendMode = "Sentence"
	ExtendPassage  ExtendMode = "Passage"
)

const StrategyTopPassagesByScore = "TopPassagesByScore"

type ContextOptions struct {
	Strategy            string     `json:"strategy"`
	TopPassages         int        `json:"topPassages"`
	TopPassagesMinScore float64    `json:"topPassagesMinScore"`
	ExtendMode          ExtendMode `json:"extendPassageMode"`
	ExtendSentences     int        `json:"extendSentences"`
	DocColumns          []string   `json:"docColumns"`
}

func DefaultContextOptions() ContextOptions {
	return ContextOptions{
		Strategy:    StrategyTopPassagesByScore,
		TopPassages: 5,
		ExtendMode:  ExtendNone,
	}
}

func (o *ContextOptions) UnmarshalJSON(b []byte) error {
	type alias ContextOptions
	a := alias(DefaultContextOptions())
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*o = ContextOptions(a)
	return nil
}

type PromptTemplate struct {
	SystemPrompt      string `json:"systemPrompt"`
	UserBeforeContext string `json:"userBeforeContext"`
	UserAfterContext  string `json:"userAfterContext"`
}

// Response is a backend reply normalized to the common contract.
type Response struct {
	Message     ChatMessage
	Choices     []string
	TotalTokens int
	Raw         json.RawMessage
}
