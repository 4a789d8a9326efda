package client

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ChineseWriter/novel-dl/internal/ingest"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

// DefaultBatchSize is the number of records posted per request by IngestFeed.
const DefaultBatchSize = 500

// IngestFeed posts every record of feed in batches of batchSize and sums
// the per-batch responses. All batches share one run ID: runID when set,
// otherwise a fresh ULID. Records that failed to decode locally are
// counted as rejected and never sent.
//
// The returned response covers every batch posted before an error.
func (c *Client) IngestFeed(ctx context.Context, feed ingest.Feed, runID string, batchSize int) (*types.IngestResponse, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if runID == "" {
		runID = ulid.Make().String()
	}
	total := &types.IngestResponse{RunID: runID, Errors: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	records := make(chan ingest.Record)
	g.Go(func() error {
		defer close(records)
		return feed(gctx, records)
	})

	g.Go(func() error {
		batch := make([]ingest.Record, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			resp, err := c.Ingest(gctx, batch, runID)
			if err != nil {
				return fmt.Errorf("post batch of %d records: %w", len(batch), err)
			}
			addResponse(total, resp)
			batch = batch[:0]
			return nil
		}

		for rec := range records {
			if rec.Err != nil {
				total.Rejected++
				total.Errors = append(total.Errors, fmt.Sprintf("line %d: %v", rec.Line, rec.Err))
				continue
			}
			batch = append(batch, rec)
			if len(batch) == batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	err := g.Wait()
	return total, err
}

func addResponse(total, resp *types.IngestResponse) {
	total.BooksCreated += resp.BooksCreated
	total.BooksMerged += resp.BooksMerged
	total.ChaptersStored += resp.ChaptersStored
	total.ChaptersBuffered += resp.ChaptersBuffered
	total.ChaptersReplayed += resp.ChaptersReplayed
	total.Rejected += resp.Rejected
	total.Errors = append(total.Errors, resp.Errors...)
}
