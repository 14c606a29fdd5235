// Package transfers archives committed ERC20 transfers in ClickHouse.
package transfers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/token-indexer/pkg/clickhouse"
	"github.com/ava-labs/token-indexer/pkg/sink"
)

const columns = 8

// Repository writes transfer records to a ReplacingMergeTree table keyed by
// log identity, so a window that is re-applied after a crash collapses to one
// row per log on merge.
type Repository struct {
	client    clickhouse.Client
	tableName string
}

var _ sink.Sink = (*Repository)(nil)

// NewRepository creates the repository and its table.
func NewRepository(ctx context.Context, client clickhouse.Client, tableName string) (*Repository, error) {
	if client == nil {
		return nil, errors.New("invalid client: must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("invalid table name: must not be empty")
	}
	repo := &Repository{client: client, tableName: tableName}
	if err := repo.CreateTableIfNotExists(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize transfers table: %w", err)
	}
	return repo, nil
}

// CreateTableIfNotExists creates the transfers table if it doesn't exist.
func (r *Repository) CreateTableIfNotExists(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			token_id Int64,
			contract FixedString(20),
			block_number UInt64,
			tx_hash FixedString(32),
			log_index UInt32,
			from_addr FixedString(20),
			to_addr FixedString(20),
			amount UInt256,
			inserted_at DateTime64(3, 'UTC') DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(inserted_at)
		ORDER BY (contract, block_number, tx_hash, log_index)
		SETTINGS index_granularity = 8192
	`, r.tableName)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create transfers table: %w", err)
	}
	return nil
}

func (*Repository) Name() string { return "clickhouse" }

// Publish inserts all records with one multi-row INSERT.
func (r *Repository) Publish(ctx context.Context, records []sink.Record) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*columns)
	for i, rec := range records {
		if rec.BlockNumber < 0 {
			return fmt.Errorf("invalid block number %d for tx %s", rec.BlockNumber, rec.TxHash.Hex())
		}
		if rec.Amount == nil || rec.Amount.Sign() < 0 {
			return fmt.Errorf("invalid amount for tx %s log %d", rec.TxHash.Hex(), rec.LogIndex)
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			rec.TokenID,
			string(rec.Contract.Bytes()),
			uint64(rec.BlockNumber),
			string(rec.TxHash.Bytes()),
			uint32(rec.LogIndex),
			string(rec.From.Bytes()),
			string(rec.To.Bytes()),
			rec.Amount.String(),
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (token_id, contract, block_number, tx_hash, log_index, from_addr, to_addr, amount) VALUES %s",
		r.tableName,
		strings.Join(placeholders, ", "),
	)
	if err := r.client.Conn().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write %d transfers: %w", len(records), err)
	}
	return nil
}
