package adapter_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/gt"
)

func writeJSONL(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	gt.NoError(t, os.WriteFile(path, []byte(lines), 0600))
	return path
}

func TestJSONLSource(t *testing.T) {
	path := writeJSONL(t, `{"id":1,"sender_id":"u1","content":"hello","date":"2024-03-01T12:00:00Z"}
{"id":2,"sender_id":"u2","content":"hi","date":"2024-03-01T12:01:00Z","reply_to_msg_id":1}

{"id":3,"sender_id":"u1","content":"bye","date":"2024-03-01T12:02:00Z"}
`)

	src, err := adapter.NewJSONLSource(path)
	gt.NoError(t, err)
	defer src.Close()

	ctx := context.Background()

	m1 := gt.R1(src.Next(ctx)).NoError(t)
	gt.Equal(t, m1.ID, 1)
	gt.Equal(t, m1.SenderID, "u1")

	m2 := gt.R1(src.Next(ctx)).NoError(t)
	gt.Equal(t, m2.ReplyToMsgID, 1)

	// Blank lines are skipped
	m3 := gt.R1(src.Next(ctx)).NoError(t)
	gt.Equal(t, m3.ID, 3)

	_, err = src.Next(ctx)
	gt.Equal(t, err, io.EOF)
}

func TestJSONLSourceRejectsBadRecords(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		path := writeJSONL(t, `{"id":1,`+"\n")
		src := gt.R1(adapter.NewJSONLSource(path)).NoError(t)
		defer src.Close()

		_, err := src.Next(context.Background())
		gt.Error(t, err)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		path := writeJSONL(t, `{"id":1,"sender_id":"u1","content":"x"}`+"\n")
		src := gt.R1(adapter.NewJSONLSource(path)).NoError(t)
		defer src.Close()

		_, err := src.Next(context.Background())
		gt.Error(t, err)
	})
}

func TestJSONLSourceMissingFile(t *testing.T) {
	_, err := adapter.NewJSONLSource(filepath.Join(t.TempDir(), "nope.jsonl"))
	gt.Error(t, err)
}

func TestJSONLSourceCanceledContext(t *testing.T) {
	path := writeJSONL(t, `{"id":1,"sender_id":"u1","content":"x","date":"2024-03-01T12:00:00Z"}`+"\n")
	src := gt.R1(adapter.NewJSONLSource(path)).NoError(t)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Next(ctx)
	gt.Error(t, err)
}
