package llm

import (
	"context"
	"io"
	"sync"

	"modelgate/pkg/domain"
)

// Stream is a pull-based canonical chunk sequence for one request.
// Production is demand-driven: the producing goroutine blocks on an
// unbuffered channel until the consumer calls Recv, so a consumer that stops
// pulling stops upstream consumption instead of growing a buffer.
//
// A stream yields zero or more content chunks, then either exactly one
// terminal chunk (Done=true, optionally carrying usage) followed by io.EOF,
// or a terminal error with no Done chunk.
type Stream struct {
	ch     chan domain.StreamChunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{ch: make(chan domain.StreamChunk), cancel: cancel}
}

// Recv blocks for the next chunk. After the terminal chunk it returns
// io.EOF; a failed stream returns the upstream error instead. Cancelling ctx
// closes the stream and releases the upstream connection.
func (s *Stream) Recv(ctx context.Context) (domain.StreamChunk, error) {
	select {
	case <-ctx.Done():
		s.Close()
		return domain.StreamChunk{}, ctx.Err()
	case chunk, ok := <-s.ch:
		if !ok {
			return domain.StreamChunk{}, s.terminalErr()
		}
		return chunk, nil
	}
}

// Close cancels upstream consumption. Safe to call more than once and after
// the stream has finished.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// emit hands one chunk to the consumer. Returns false when the producer
// context is cancelled before the consumer pulls the chunk.
func (s *Stream) emit(ctx context.Context, chunk domain.StreamChunk) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish ends the stream. A nil err means normal completion (Recv reports
// io.EOF); a non-nil err is surfaced as the terminal failure.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

// Producer is the write side of a piped stream, for adapters that transform
// or observe another stream.
type Producer struct {
	s *Stream
}

// NewPipe returns a stream and its producer handle. Closing the stream runs
// cancel, which should stop whatever feeds the producer.
func NewPipe(cancel context.CancelFunc) (*Stream, *Producer) {
	s := newStream(cancel)
	return s, &Producer{s: s}
}

// Emit hands one chunk to the consumer. Returns false when ctx is cancelled
// before the consumer pulls it.
func (p *Producer) Emit(ctx context.Context, chunk domain.StreamChunk) bool {
	return p.s.emit(ctx, chunk)
}

// Finish ends the stream; see Stream.finish semantics.
func (p *Producer) Finish(err error) {
	p.s.finish(err)
}

// Collect drains a stream into an aggregated response. Content of all
// non-terminal chunks is concatenated; usage and finish reason come from the
// terminal chunk.
func Collect(ctx context.Context, s *Stream) (*domain.ChatResponse, error) {
	defer s.Close()
	var out domain.ChatResponse
	var content []byte
	for {
		chunk, err := s.Recv(ctx)
		if err == io.EOF {
			out.Content = string(content)
			return &out, nil
		}
		if err != nil {
			return nil, err
		}
		content = append(content, chunk.Content...)
		if chunk.Done {
			out.Usage = chunk.Usage
			out.FinishReason = chunk.FinishReason
		}
	}
}
