package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// RecordSource yields messages as a lazy, forward-only, single-pass stream.
// Records arrive in arbitrary order; consumers must not assume sortedness.
// Next returns io.EOF after the last record.
type RecordSource interface {
	Next(ctx context.Context) (*model.Message, error)
	Close() error
}

// jsonlSource reads one JSON message per line
type jsonlSource struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	line    int
}

// NewJSONLSource opens a JSONL message file as a record source
func NewJSONLSource(path string) (RecordSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open message file", goerr.V("path", path))
	}
	return NewJSONLReader(f), nil
}

// NewJSONLReader wraps a reader of JSONL messages as a record source
func NewJSONLReader(rc io.ReadCloser) RecordSource {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &jsonlSource{rc: rc, scanner: scanner}
}

func (s *jsonlSource) Next(ctx context.Context) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "record source canceled")
	}

	for s.scanner.Scan() {
		s.line++
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message", goerr.V("line", s.line))
		}
		if err := msg.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid message record", goerr.V("line", s.line))
		}
		return &msg, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read message stream")
	}
	return nil, io.EOF
}

func (s *jsonlSource) Close() error {
	return s.rc.Close()
}

// sliceSource yields messages from a fixed slice. Used by tests and examples.
type sliceSource struct {
	msgs []*model.Message
	pos  int
}

// NewSliceSource wraps in-memory messages as a record source
func NewSliceSource(msgs []*model.Message) RecordSource {
	return &sliceSource{msgs: msgs}
}

func (s *sliceSource) Next(ctx context.Context) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "record source canceled")
	}
	if s.pos >= len(s.msgs) {
		return nil, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}

func (s *sliceSource) Close() error {
	return nil
}
