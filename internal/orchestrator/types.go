package orchestrator

import (
	"context"
	"iter"

	"github.com/lexiqai/smart-speaker/internal/dialog"
)

// ReplyChunk is one fragment of a streamed reply. A chunk with Err set
// ends the stream early.
type ReplyChunk struct {
	Text string
	Err  error
}

// ReplyGenerator streams a reply to prompt given the conversation so far.
// The channel is closed at the end of the reply.
type ReplyGenerator interface {
	StreamReply(ctx context.Context, prompt string, history []dialog.Turn) (<-chan *ReplyChunk, error)
}

// Fragments adapts a reply channel to the sequence consumed by the
// synthesis pipeline. Iteration stops at the first error.
func Fragments(ch <-chan *ReplyChunk) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for chunk := range ch {
			if chunk.Err != nil {
				yield("", chunk.Err)
				return
			}
			if !yield(chunk.Text, nil) {
				return
			}
		}
	}
}
