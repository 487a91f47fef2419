package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTitleNotFound is returned when no auction row matches the id.
var ErrTitleNotFound = errors.New("auction title not found")

// TitleStore reads auction titles from the marketplace's auctions table.
type TitleStore struct {
	pool  *pgxpool.Pool
	query string
}

// NewTitleStore creates a TitleStore reading table.
func NewTitleStore(pool *pgxpool.Pool, table string) *TitleStore {
	return &TitleStore{
		pool:  pool,
		query: "SELECT title FROM " + pgx.Identifier{table}.Sanitize() + " WHERE auction_id = $1",
	}
}

// AuctionTitle returns the title of auction id.
func (s *TitleStore) AuctionTitle(ctx context.Context, id string) (string, error) {
	var title string
	err := s.pool.QueryRow(ctx, s.query, id).Scan(&title)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("auction %s: %w", id, ErrTitleNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query auction title %s: %w", id, err)
	}
	return title, nil
}
