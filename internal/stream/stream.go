// Package stream paces an upstream token stream into time-coalesced frames.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/felipepmaragno/rag-gateway/internal/provider"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

const DefaultInterval = 500 * time.Millisecond

// Frame is one event delivered to the client. Tokens is the running total of
// prompt and generated tokens. Choice is not part of the wire frame.
type Frame struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
	Stop    bool   `json:"stop"`
	Choice  int    `json:"-"`
}

type FrameWriter interface {
	WriteFrame(f Frame) error
}

type Result struct {
	Tokens    int
	Completed bool
}

// ErrDownstreamClosed reports that a frame could not be delivered.
var ErrDownstreamClosed = errors.New("downstream closed")

type Multiplexer struct {
	Tokenizer tokenizer.Tokenizer
	Interval  time.Duration
	Now       func() time.Time
}

func NewMultiplexer(tok tokenizer.Tokenizer, interval time.Duration) *Multiplexer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Multiplexer{Tokenizer: tok, Interval: interval, Now: time.Now}
}

func (m *Multiplexer) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

type choiceBuffer struct {
	text      strings.Builder
	lastFlush time.Time
	closed    bool
}

// Run drains src and writes frames to w. A frame for a choice is flushed
// once Interval has elapsed since its previous flush; a choice's last frame
// always has Stop set. The running total starts at seed.
func (m *Multiplexer) Run(ctx context.Context, src *provider.Stream, seed int, w FrameWriter) (Result, error) {
	total := seed
	start := m.now()
	buffers := make(map[int]*choiceBuffer)

	buffer := func(choice int) *choiceBuffer {
		b, ok := buffers[choice]
		if !ok {
			b = &choiceBuffer{lastFlush: start}
			buffers[choice] = b
		}
		return b
	}

	flush := func(choice int, b *choiceBuffer, stop bool) error {
		f := Frame{Content: b.text.String(), Tokens: total, Stop: stop, Choice: choice}
		b.text.Reset()
		if err := w.WriteFrame(f); err != nil {
			return fmt.Errorf("%w: %v", ErrDownstreamClosed, err)
		}
		return nil
	}

	for {
		var frag provider.Fragment
		var ok bool
		select {
		case <-ctx.Done():
			return Result{Tokens: total}, ctx.Err()
		case frag, ok = <-src.Fragments:
		}

		if !ok {
			break
		}

		now := m.now()
		b := buffer(frag.Choice)
		if b.closed {
			continue
		}

		if frag.Text != "" {
			b.text.WriteString(frag.Text)
			total += m.Tokenizer.Count(frag.Text)
		}

		if frag.Done {
			b.closed = true
			if err := flush(frag.Choice, b, true); err != nil {
				return Result{Tokens: total}, err
			}
			continue
		}

		if now.Sub(b.lastFlush) >= m.Interval {
			if err := flush(frag.Choice, b, false); err != nil {
				return Result{Tokens: total}, err
			}
			b.lastFlush = now
		}
	}

	if src.Errs != nil {
		if err := <-src.Errs; err != nil {
			return Result{Tokens: total}, err
		}
	}

	if len(buffers) == 0 {
		buffer(0)
	}
	choices := make([]int, 0, len(buffers))
	for c := range buffers {
		choices = append(choices, c)
	}
	sort.Ints(choices)

	for _, c := range choices {
		b := buffers[c]
		if b.closed {
			continue
		}
		b.closed = true
		if err := flush(c, b, true); err != nil {
			return Result{Tokens: total}, err
		}
	}

	return Result{Tokens: total, Completed: true}, nil
}

// SSEWriter writes frames as server-sent events.
// FrameWriteTimeout bounds each frame write. The server's WriteTimeout
// would otherwise cut off streams that outlive it.
const FrameWriteTimeout = time.Minute

type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &SSEWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *SSEWriter) extendDeadline() {
	err := s.rc.SetWriteDeadline(time.Now().Add(FrameWriteTimeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("set write deadline failed", "error", err)
	}
}

// Begin sends the event stream headers with the upstream status.
func (s *SSEWriter) Begin(status int) {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	if status == 0 {
		status = http.StatusOK
	}
	s.extendDeadline()
	s.w.WriteHeader(status)
	s.flusher.Flush()
}

func (s *SSEWriter) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.extendDeadline()
	if _, err := s.w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
