package pipeline

import (
	"context"
	"io"
	"sync"
)

// SliceStream replays a fixed list of chunks.
type SliceStream struct {
	mu     sync.Mutex
	chunks []Chunk
	closed bool
}

func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.chunks) == 0 {
		return Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.chunks = nil
	s.mu.Unlock()
	return nil
}
