package pipeline_test

import (
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/pipeline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id int64, offset time.Duration) *model.Message {
	return &model.Message{
		ID:       id,
		SenderID: "raw-sender",
		Content:  "hello",
		Date:     testBase.Add(offset),
	}
}

func drain(t *testing.T, src adapter.RecordSource) []*model.Message {
	t.Helper()
	var out []*model.Message
	for {
		msg, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		gt.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestSortOrdersShuffledInput(t *testing.T) {
	const total = 1000
	rng := rand.New(rand.NewSource(42))

	msgs := make([]*model.Message, 0, total)
	for i := 0; i < total; i++ {
		msgs = append(msgs, msgAt(int64(i+1), time.Duration(rng.Intn(100000))*time.Second))
	}
	rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })

	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{
		ChunkSize: 64,
		Dir:       t.TempDir(),
		Compress:  true,
	})
	gt.NoError(t, err)

	sorted, stats, err := sorter.Sort(context.Background(), adapter.NewSliceSource(msgs))
	gt.NoError(t, err)
	defer func() { gt.NoError(t, sorted.Close()) }()

	out := drain(t, sorted)
	gt.Equal(t, len(out), total)
	gt.Equal(t, stats.Records, total)

	// Output is a permutation of the input
	seen := map[int64]bool{}
	for _, m := range out {
		gt.False(t, seen[m.ID])
		seen[m.ID] = true
	}

	// Non-decreasing in (timestamp, id)
	for i := 1; i < len(out); i++ {
		gt.False(t, out[i].Before(out[i-1]))
	}
}

func TestSortMemoryBound(t *testing.T) {
	const total = 100
	const chunk = 16

	msgs := make([]*model.Message, 0, total)
	for i := total; i > 0; i-- {
		msgs = append(msgs, msgAt(int64(i), time.Duration(i)*time.Minute))
	}

	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: chunk, Dir: t.TempDir()})
	gt.NoError(t, err)

	sorted, stats, err := sorter.Sort(context.Background(), adapter.NewSliceSource(msgs))
	gt.NoError(t, err)
	defer func() { gt.NoError(t, sorted.Close()) }()

	// ceil(100/16) = 7 runs of at most chunk records each
	gt.Equal(t, stats.Runs, 7)
	gt.Equal(t, len(drain(t, sorted)), total)
}

func TestSortBreaksTimestampTiesByID(t *testing.T) {
	msgs := []*model.Message{
		msgAt(30, time.Minute),
		msgAt(10, time.Minute),
		msgAt(20, time.Minute),
	}

	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 2, Dir: t.TempDir()})
	gt.NoError(t, err)

	sorted, _, err := sorter.Sort(context.Background(), adapter.NewSliceSource(msgs))
	gt.NoError(t, err)
	defer func() { gt.NoError(t, sorted.Close()) }()

	out := drain(t, sorted)
	gt.Equal(t, []int64{out[0].ID, out[1].ID, out[2].ID}, []int64{10, 20, 30})
}

func TestSortEmptyInput(t *testing.T) {
	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 10, Dir: t.TempDir()})
	gt.NoError(t, err)

	sorted, stats, err := sorter.Sort(context.Background(), adapter.NewSliceSource(nil))
	gt.NoError(t, err)
	defer func() { gt.NoError(t, sorted.Close()) }()

	gt.Equal(t, stats.Records, 0)
	gt.Equal(t, stats.Runs, 0)

	_, err = sorted.Next(context.Background())
	gt.Equal(t, err, io.EOF)
}

func TestSortSpillFailure(t *testing.T) {
	msgs := []*model.Message{msgAt(1, 0), msgAt(2, time.Second)}

	// A nonexistent spill directory makes every spill write fail
	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{
		ChunkSize: 1,
		Dir:       t.TempDir() + "/does/not/exist",
	})
	gt.NoError(t, err)

	_, _, err = sorter.Sort(context.Background(), adapter.NewSliceSource(msgs))
	gt.Error(t, err)
}

type failingSource struct {
	after int
	pos   int
}

func (s *failingSource) Next(ctx context.Context) (*model.Message, error) {
	if s.pos >= s.after {
		return nil, goerr.New("record source broke")
	}
	s.pos++
	return msgAt(int64(s.pos), time.Duration(s.pos)*time.Second), nil
}

func (s *failingSource) Close() error { return nil }

func TestSortSourceFailure(t *testing.T) {
	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 2, Dir: t.TempDir()})
	gt.NoError(t, err)

	_, _, err = sorter.Sort(context.Background(), &failingSource{after: 5})
	gt.Error(t, err)
	gt.S(t, err.Error()).Contains("record source")
}

func spillFiles(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "burrow_run_*"))
	gt.NoError(t, err)
	return paths
}

func TestSortFailureRemovesSpillFiles(t *testing.T) {
	// The first runs spill fine before the source breaks; none of them may
	// survive the aborted sort
	dir := t.TempDir()
	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 2, Dir: dir})
	gt.NoError(t, err)

	_, _, err = sorter.Sort(context.Background(), &failingSource{after: 5})
	gt.Error(t, err)
	gt.A(t, spillFiles(t, dir)).Length(0)
}

func TestSortCloseRemovesSpillFiles(t *testing.T) {
	dir := t.TempDir()
	msgs := make([]*model.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msgAt(int64(i+1), time.Duration(10-i)*time.Minute))
	}

	sorter, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 3, Dir: dir})
	gt.NoError(t, err)

	sorted, stats, err := sorter.Sort(context.Background(), adapter.NewSliceSource(msgs))
	gt.NoError(t, err)
	gt.Equal(t, stats.Runs, 4)
	gt.A(t, spillFiles(t, dir)).Length(4)

	// Partial drain, then close: every spill file goes away
	_, err = sorted.Next(context.Background())
	gt.NoError(t, err)
	_, err = sorted.Next(context.Background())
	gt.NoError(t, err)

	gt.NoError(t, sorted.Close())
	gt.A(t, spillFiles(t, dir)).Length(0)
}

func TestSorterConfigValidation(t *testing.T) {
	_, err := pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 0})
	gt.Error(t, err)

	_, err = pipeline.NewSorter(pipeline.SorterConfig{ChunkSize: 10, Workers: -1})
	gt.Error(t, err)
}
