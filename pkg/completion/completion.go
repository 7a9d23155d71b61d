package completion

import (
	"context"
)

// Message is one entry of the ordered history handed to the generator.
type Message struct {
	Role    string
	Content string
}

// Stream is a lazy sequence of text fragments. Next blocks until the next
// fragment arrives, the stream ends (io.EOF), or ctx is cancelled. Fragments
// already returned stay valid after an error; they are never retracted.
type Stream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Generator produces a cancellable fragment stream for an ordered message
// history. Cancelling the ctx passed to Stream terminates the sequence at
// its next suspension point.
type Generator interface {
	Stream(ctx context.Context, history []Message) (Stream, error)
}
