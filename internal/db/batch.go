package db

import (
	"context"
	"fmt"
	"time"
)

// BatchConfig holds configuration for batch insert operations.
type BatchConfig struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	OnProgress func(processed, total int)
}

// DefaultBatchConfig returns sensible defaults for batch processing.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:  500,
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		OnProgress: nil,
	}
}

// BatchInsert performs a batch insert operation with configurable chunk size.
// Returns the total number of rows inserted and any error encountered.
func (d *DB) BatchInsert(ctx context.Context, tableName string, columns []string, values [][]interface{}, cfg BatchConfig) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}

	totalInserted := 0
	totalRows := len(values)

	for i := 0; i < len(values); i += cfg.BatchSize {
		end := i + cfg.BatchSize
		if end > len(values) {
			end = len(values)
		}

		batch := values[i:end]
		inserted, err := d.insertBatch(ctx, tableName, columns, batch, cfg.MaxRetries, cfg.RetryDelay)
		if err != nil {
			return totalInserted, fmt.Errorf("batch insert failed at offset %d: %w", i, err)
		}

		totalInserted += inserted

		if cfg.OnProgress != nil {
			cfg.OnProgress(totalInserted, totalRows)
		}
	}

	return totalInserted, nil
}

// insertBatch inserts a single batch with retry logic.
func (d *DB) insertBatch(ctx context.Context, tableName string, columns []string, batch [][]interface{}, maxRetries int, retryDelay time.Duration) (int, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		rowCount, err := d.executeBatchInsert(ctx, tableName, columns, batch)
		if err == nil {
			return rowCount, nil
		}

		lastErr = err
		if attempt < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	return 0, lastErr
}

// executeBatchInsert performs the actual batch insert using COPY.
func (d *DB) executeBatchInsert(ctx context.Context, tableName string, columns []string, batch [][]interface{}) (int, error) {
	rowsCopied, err := d.Pool.CopyFrom(
		ctx,
		[]string{tableName},
		columns,
		&batchSource{rows: batch},
	)
	if err != nil {
		return 0, err
	}

	return int(rowsCopied), nil
}

// batchSource implements pgx.CopyFromSource for batch inserts.
type batchSource struct {
	rows  [][]interface{}
	index int
}

func (b *batchSource) Next() bool {
	b.index++
	return b.index <= len(b.rows)
}

func (b *batchSource) Values() ([]interface{}, error) {
	return b.rows[b.index-1], nil
}

func (b *batchSource) Err() error {
	return nil
}
