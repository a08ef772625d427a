package adapter

import (
	"context"
	"io"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
)

// messageRow is the expected schema of a message table queried from BigQuery
type messageRow struct {
	ID           int64                  `bigquery:"id"`
	SenderID     string                 `bigquery:"sender_id"`
	Content      string                 `bigquery:"content"`
	Date         bigquery.NullTimestamp `bigquery:"date"`
	ReplyToMsgID bigquery.NullInt64     `bigquery:"reply_to_msg_id"`
}

type bigquerySource struct {
	client *bigquery.Client
	iter   *bigquery.RowIterator
}

// NewBigQuerySource runs a SELECT over a message table and exposes the rows
// as a record source. The query must yield columns id, sender_id, content,
// date and reply_to_msg_id.
func NewBigQuerySource(ctx context.Context, projectID, query string) (RecordSource, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client", goerr.V("project", projectID))
	}

	q := client.Query(query)
	it, err := q.Read(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			err = goerr.Wrap(err, "failed to close BigQuery client after query failure")
		}
		return nil, goerr.Wrap(err, "failed to run message query")
	}

	return &bigquerySource{client: client, iter: it}, nil
}

func (s *bigquerySource) Next(ctx context.Context) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "record source canceled")
	}

	var row messageRow
	err := s.iter.Next(&row)
	if err == iterator.Done {
		return nil, io.EOF
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to iterate message rows")
	}

	msg := &model.Message{
		ID:       row.ID,
		SenderID: row.SenderID,
		Content:  row.Content,
	}
	if row.Date.Valid {
		msg.Date = row.Date.Timestamp
	}
	if row.ReplyToMsgID.Valid {
		msg.ReplyToMsgID = row.ReplyToMsgID.Int64
	}
	if err := msg.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid message row")
	}

	return msg, nil
}

func (s *bigquerySource) Close() error {
	if err := s.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close BigQuery client")
	}
	return nil
}
