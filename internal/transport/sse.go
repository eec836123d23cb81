package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/a2aflow/host/pkg/a2a"
)

// sseReader parses a `text/event-stream` response body into a2a.InboundEvent
// values, one per `data:` line (the remote agents in this corpus emit one
// complete JSON event per SSE data field; multi-line data blocks are
// concatenated per the SSE spec before parsing).
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
func (r *sseReader) Next() (*a2a.InboundEvent, error) {
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if len(dataLines) == 0 {
				continue // keep-alive / blank separator with no pending event
			}
			break
		}
		if strings.HasPrefix(line, ":") {
			continue // SSE comment line
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
			continue
		}
		// event:/id:/retry: fields are not needed — eventType travels inside
		// the JSON payload itself (spec §6.3).
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if len(dataLines) == 0 {
		return nil, io.EOF
	}

	var ev a2a.InboundEvent
	if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
