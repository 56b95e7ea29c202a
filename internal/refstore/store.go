// Package refstore is a database/sql implementation of the remote block store
// contract, used for development and end-to-end tests.
package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/reorder"
)

// Store persists blocks and products scoped by owner.
type Store struct {
	db       *sql.DB
	postgres bool
	logger   *zap.Logger
}

// Open connects to dsn and creates the schema if needed. A dsn of the form
// "postgres://..." selects PostgreSQL; "sqlite:path" or a bare path selects
// SQLite.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, source := "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, source = "postgres", dsn
	}
	if source == "" {
		return nil, errors.New("refstore: empty dsn")
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("refstore: failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// One connection serializes writers and keeps ":memory:" databases alive.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("refstore: failed to connect: %w", err)
	}

	s := &Store{db: db, postgres: driver == "postgres", logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("block store opened", zap.String("driver", driver))
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			id          TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '{}',
			thumbnail   TEXT NOT NULL DEFAULT '',
			position    INTEGER NOT NULL,
			is_active   BOOLEAN NOT NULL DEFAULT TRUE,
			is_featured BOOLEAN NOT NULL DEFAULT FALSE,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			click_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS blocks_owner_position ON blocks (owner, position)`,
		`CREATE TABLE IF NOT EXISTS products (
			id          TEXT PRIMARY KEY,
			owner       TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price       DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency    TEXT NOT NULL DEFAULT '',
			image_url   TEXT NOT NULL DEFAULT '',
			url         TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("refstore: migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const blockColumns = "id, title, kind, content, thumbnail, position, is_active, is_featured, is_archived, click_count"

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (bioblocks.Block, error) {
	var (
		b       bioblocks.Block
		kind    string
		content string
	)
	if err := row.Scan(&b.ID, &b.Title, &kind, &content, &b.Thumbnail, &b.Position,
		&b.IsActive, &b.IsFeatured, &b.IsArchived, &b.ClickCount); err != nil {
		return b, err
	}
	c, err := bioblocks.DecodeContent(bioblocks.Kind(kind), json.RawMessage(content))
	if err != nil {
		return b, fmt.Errorf("block %s: %w", b.ID, err)
	}
	b.Content = c
	return b, nil
}

func encodeContent(c bioblocks.Content) (string, string, error) {
	if c == nil {
		c = bioblocks.LinkContent{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", "", err
	}
	return string(c.Kind()), string(data), nil
}

// List returns the owner's blocks in position order.
func (s *Store) List(ctx context.Context, owner string) ([]bioblocks.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT "+blockColumns+" FROM blocks WHERE owner = ? ORDER BY position, id"), owner)
	if err != nil {
		return nil, fmt.Errorf("refstore: list: %w", err)
	}
	defer rows.Close()

	blocks := []bioblocks.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *Store) get(ctx context.Context, q queryer, owner, id string) (bioblocks.Block, error) {
	b, err := scanBlock(q.QueryRowContext(ctx,
		s.rebind("SELECT "+blockColumns+" FROM blocks WHERE owner = ? AND id = ?"), owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return b, &bioblocks.NotFoundError{ID: id}
	}
	return b, err
}

// Create stores a new block at the end of the owner's list.
func (s *Store) Create(ctx context.Context, owner string, fields bioblocks.Fields) (bioblocks.Block, error) {
	b := fields.NewBlock()
	b.ID = uuid.NewString()
	kind, content, err := encodeContent(b.Content)
	if err != nil {
		return b, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.rebind("SELECT MAX(position) FROM blocks WHERE owner = ?"), owner).Scan(&last); err != nil {
		return b, fmt.Errorf("refstore: create: %w", err)
	}
	b.Position = 0
	if last.Valid {
		b.Position = int(last.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO blocks
		(id, owner, title, kind, content, thumbnail, position, is_active, is_featured, is_archived, click_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`),
		b.ID, owner, b.Title, kind, content, b.Thumbnail, b.Position, b.IsActive, b.IsFeatured, b.IsArchived)
	if err != nil {
		return b, fmt.Errorf("refstore: create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}

	s.logger.Debug("block created", zap.String("owner", owner), zap.String("block", b.ID))
	return b, nil
}

// Update applies a partial update and returns the stored block.
func (s *Store) Update(ctx context.Context, owner, id string, fields bioblocks.Fields) (bioblocks.Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bioblocks.Block{}, err
	}
	defer tx.Rollback()

	b, err := s.get(ctx, tx, owner, id)
	if err != nil {
		return b, err
	}
	b = fields.Apply(b)
	kind, content, err := encodeContent(b.Content)
	if err != nil {
		return b, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE blocks SET
		title = ?, kind = ?, content = ?, thumbnail = ?, is_active = ?, is_featured = ?, is_archived = ?
		WHERE owner = ? AND id = ?`),
		b.Title, kind, content, b.Thumbnail, b.IsActive, b.IsFeatured, b.IsArchived, owner, id)
	if err != nil {
		return b, fmt.Errorf("refstore: update: %w", err)
	}
	return b, tx.Commit()
}

// Delete removes a block.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM blocks WHERE owner = ? AND id = ?"), owner, id)
	if err != nil {
		return fmt.Errorf("refstore: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &bioblocks.NotFoundError{ID: id}
	}
	return nil
}

// Reorder rewrites the positions of all the owner's blocks in one
// transaction. order must name every block exactly once.
func (s *Store) Reorder(ctx context.Context, owner string, order []bioblocks.Placement) error {
	ids := make([]string, len(order))
	for i, p := range order {
		ids[i] = p.ID
	}
	if err := reorder.Validate(ids); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind("SELECT id FROM blocks WHERE owner = ?"), owner)
	if err != nil {
		return fmt.Errorf("refstore: reorder: %w", err)
	}
	var current []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		current = append(current, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if !reorder.SameSet(current, ids) {
		return &bioblocks.InvalidOrderError{Reason: "order does not match stored blocks"}
	}

	stmt := s.rebind("UPDATE blocks SET position = ? WHERE owner = ? AND id = ?")
	for _, p := range order {
		if _, err := tx.ExecContext(ctx, stmt, p.Position, owner, p.ID); err != nil {
			return fmt.Errorf("refstore: reorder: %w", err)
		}
	}
	return tx.Commit()
}

// Products returns the owner's storefront products ordered by title.
func (s *Store) Products(ctx context.Context, owner string) ([]bioblocks.Product, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT id, title, description, price, currency, image_url, url FROM products WHERE owner = ? ORDER BY title, id"), owner)
	if err != nil {
		return nil, fmt.Errorf("refstore: products: %w", err)
	}
	defer rows.Close()

	products := []bioblocks.Product{}
	for rows.Next() {
		var p bioblocks.Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.Currency, &p.ImageURL, &p.URL); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// AddProduct stores a product, assigning an id when p has none.
func (s *Store) AddProduct(ctx context.Context, owner string, p bioblocks.Product) (bioblocks.Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO products
		(id, owner, title, description, price, currency, image_url, url) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, owner, p.Title, p.Description, p.Price, p.Currency, p.ImageURL, p.URL)
	if err != nil {
		return p, fmt.Errorf("refstore: add product: %w", err)
	}
	return p, nil
}
