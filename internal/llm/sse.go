package llm

import (
	"bufio"
	"bytes"
	"io"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
)

// SSEReader yields the payload of each `data:` frame read from an event
// stream. Comment lines, event/id fields and blank separators are skipped.
type SSEReader struct {
	r *bufio.Reader
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReader(r)}
}

// Next returns the next data payload, or io.EOF when the body is exhausted.
func (s *SSEReader) Next() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			if bytes.HasPrefix(line, []byte(sseDataPrefix)) {
				return bytes.TrimSpace(line[len(sseDataPrefix):]), nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// IsDone reports whether payload is the end-of-stream sentinel.
func IsDone(payload []byte) bool {
	return bytes.Equal(payload, []byte(sseDone))
}
