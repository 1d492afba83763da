// Package export streams a tenant's ledger history as zstd-compressed NDJSON.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"stockbook/internal/core/id"
	"stockbook/internal/domain/ledger"
)

// DefaultPageSize is the number of entries fetched per History call.
const DefaultPageSize = 500

// HistorySource pages through ledger entries. *ledger.Service implements it.
type HistorySource interface {
	History(ctx context.Context, tenantID id.ID, filter ledger.HistoryFilter) ([]ledger.LedgerEntry, error)
}

// HistoryWriter writes entries one JSON object per line through a zstd encoder.
type HistoryWriter struct {
	source   HistorySource
	pageSize int
	level    zstd.EncoderLevel
}

// NewHistoryWriter creates a writer reading from source.
func NewHistoryWriter(source HistorySource, pageSize int) *HistoryWriter {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryWriter{source: source, pageSize: pageSize, level: zstd.SpeedDefault}
}

// Options narrows an export.
type Options struct {
	IncludeUndone bool
	ProductID     *id.ID
}

// Write exports the tenant's history to out in entry id order and returns the
// number of entries written. out is not closed.
func (w *HistoryWriter) Write(ctx context.Context, tenantID id.ID, out io.Writer, opts Options) (int, error) {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(w.level))
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}

	n, err := w.copy(ctx, tenantID, json.NewEncoder(enc), opts)
	if err != nil {
		_ = enc.Close()
		return n, err
	}
	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("flush zstd stream: %w", err)
	}
	return n, nil
}

func (w *HistoryWriter) copy(ctx context.Context, tenantID id.ID, enc *json.Encoder, opts Options) (int, error) {
	filter := ledger.HistoryFilter{
		ProductID:     opts.ProductID,
		IncludeUndone: opts.IncludeUndone,
		Limit:         w.pageSize,
	}

	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		page, err := w.source.History(ctx, tenantID, filter)
		if err != nil {
			return written, fmt.Errorf("read history after %d entries: %w", written, err)
		}
		for i := range page {
			if err := enc.Encode(&page[i]); err != nil {
				return written, fmt.Errorf("encode entry %s: %w", page[i].ID, err)
			}
			written++
		}
		if len(page) < w.pageSize {
			return written, nil
		}
		last := page[len(page)-1].ID
		filter.After = &last
	}
}

// ReadHistory decodes an export produced by HistoryWriter, calling fn per entry.
func ReadHistory(r io.Reader, fn func(ledger.LedgerEntry) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	jd := json.NewDecoder(dec)
	for {
		var e ledger.LedgerEntry
		err := jd.Decode(&e)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
