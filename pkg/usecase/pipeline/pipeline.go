package pipeline

import (
	"context"
	"encoding/json"
	"io"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Pipeline wires the offline stages: record source, external sort,
// anonymization, conversation building and conversation output. One Run is
// one consistent snapshot of the input; on failure the whole run is restarted
// from the beginning, never resumed.
type Pipeline struct {
	source     adapter.RecordSource
	sorter     *Sorter
	anonymizer *Anonymizer
	builder    *Builder
	output     io.Writer
}

// Stats summarizes one pipeline run
type Stats struct {
	Messages      int
	Runs          int
	Conversations int
}

// NewPipeline assembles a pipeline from its stages
func NewPipeline(source adapter.RecordSource, sorter *Sorter, anonymizer *Anonymizer, builder *Builder, output io.Writer) *Pipeline {
	return &Pipeline{
		source:     source,
		sorter:     sorter,
		anonymizer: anonymizer,
		builder:    builder,
		output:     output,
	}
}

// Run executes the full pass and writes the conversation array to the output
func (p *Pipeline) Run(ctx context.Context) (*Stats, error) {
	logger := logging.From(ctx)
	stats := &Stats{}

	sorted, sortStats, err := p.sorter.Sort(ctx, p.source)
	if err != nil {
		return nil, goerr.Wrap(err, "external sort failed")
	}
	defer func() {
		if err := sorted.Close(); err != nil {
			logger.Warn("failed to clean up spill files", "error", err)
		}
	}()
	stats.Messages = sortStats.Records
	stats.Runs = sortStats.Runs

	w := NewConversationWriter(p.output)

	emit := func(convs []*model.Conversation) error {
		for _, conv := range convs {
			if err := w.Write(conv); err != nil {
				return err
			}
			stats.Conversations++
		}
		return nil
	}

	var processed int
	for {
		msg, err := sorted.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read sorted stream")
		}

		if err := p.anonymizer.Anonymize(ctx, msg); err != nil {
			return nil, err
		}

		closed, err := p.builder.Feed(msg)
		if err != nil {
			return nil, err
		}
		if err := emit(closed); err != nil {
			return nil, err
		}

		processed++
		if processed%100000 == 0 {
			logger.Info("processing messages",
				"processed", processed, "conversations", stats.Conversations)
		}
	}

	if err := emit(p.builder.Flush()); err != nil {
		return nil, err
	}
	if err := w.Finish(); err != nil {
		return nil, err
	}

	logger.Info("pipeline complete",
		"messages", stats.Messages,
		"runs", stats.Runs,
		"conversations", stats.Conversations)
	return stats, nil
}

// ConversationWriter streams conversations as one JSON array without holding
// them all in memory
type ConversationWriter struct {
	w     io.Writer
	count int
}

func NewConversationWriter(w io.Writer) *ConversationWriter {
	return &ConversationWriter{w: w}
}

func (cw *ConversationWriter) Write(conv *model.Conversation) error {
	prefix := "[\n"
	if cw.count > 0 {
		prefix = ",\n"
	}
	if _, err := io.WriteString(cw.w, prefix); err != nil {
		return goerr.Wrap(err, "failed to write conversation output")
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return goerr.Wrap(err, "failed to encode conversation")
	}
	if _, err := cw.w.Write(data); err != nil {
		return goerr.Wrap(err, "failed to write conversation output")
	}
	cw.count++
	return nil
}

// Finish terminates the JSON array. An empty run still produces valid JSON.
func (cw *ConversationWriter) Finish() error {
	out := "\n]\n"
	if cw.count == 0 {
		out = "[]\n"
	}
	if _, err := io.WriteString(cw.w, out); err != nil {
		return goerr.Wrap(err, "failed to finish conversation output")
	}
	return nil
}
