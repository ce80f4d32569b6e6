package tagger

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

var ErrRecordNotFound = errors.New("record not found")

// DB is the tagging history.
type DB struct {
	mu sync.Mutex // serializes writers
	db *sql.DB

	filepath string
}

// Record is one tagging run.
type Record struct {
	Id           int
	RequestId    string
	Source       string
	SHA256       string
	Width        int
	Height       int
	Model        string
	Mode         string
	Style        string
	Color        string
	Caption      string
	Tags         []string
	ClipHashtags []string
	Embedding    []float32 // nil when the classifier did not run
	ProcessedAt  time.Time
}

const recordColumns = `request_id, source, sha256, width, height, model, mode,
	style, color, caption, tags, clip_hashtags, embedding, processed_at`

const numRecordColumns = 14

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

func (r *Record) values() ([]any, error) {
	var blob []byte
	if r.Embedding != nil {
		var err error
		if blob, err = encodeVector(r.Embedding); err != nil {
			return nil, err
		}
	}
	return []any{
		r.RequestId, r.Source, r.SHA256, r.Width, r.Height, r.Model, r.Mode,
		r.Style, r.Color, r.Caption,
		strings.Join(r.Tags, " "), strings.Join(r.ClipHashtags, " "),
		blob, r.ProcessedAt,
	}, nil
}

// InsertRecord inserts rec and sets its Id.
func (db *DB) InsertRecord(ctx context.Context, rec *Record) error {
	values, err := rec.values()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.db.ExecContext(ctx,
		"INSERT INTO records ("+recordColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		values...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.Id = int(id)
	return nil
}

// InsertRecords inserts recs in a single transaction, batchSize rows per
// statement. Ids are not set on recs.
func (db *DB) InsertRecords(ctx context.Context, recs []*Record, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be positive")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	start := 0
	affected := 0
	for start < len(recs) {
		end := min(start+batchSize, len(recs))

		qsb := strings.Builder{}
		qsb.WriteString("INSERT INTO records (" + recordColumns + ") VALUES")
		values := make([]any, 0, (end-start)*numRecordColumns)
		for idx, rec := range recs[start:end] {
			qsb.WriteString(" (")
			for col := range numRecordColumns {
				qsb.WriteString("$")
				qsb.WriteString(strconv.Itoa(idx*numRecordColumns + col + 1))
				if col < numRecordColumns-1 {
					qsb.WriteString(",")
				}
			}
			qsb.WriteString("),")

			rv, err := rec.values()
			if err != nil {
				return 0, err
			}
			values = append(values, rv...)
		}
		queryString := qsb.String()

		// Remove trailing comma
		queryString = queryString[0 : len(queryString)-1]

		res, err := txn.ExecContext(ctx, queryString, values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, txn.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var tags, clipTags string
	var blob []byte
	err := s.Scan(
		&rec.Id,
		&rec.RequestId,
		&rec.Source,
		&rec.SHA256,
		&rec.Width,
		&rec.Height,
		&rec.Model,
		&rec.Mode,
		&rec.Style,
		&rec.Color,
		&rec.Caption,
		&tags,
		&clipTags,
		&blob,
		&rec.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Tags = strings.Fields(tags)
	rec.ClipHashtags = strings.Fields(clipTags)
	if len(blob) > 0 {
		if rec.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Id, err)
		}
	}
	return rec, nil
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning records: %w", err)
		}
		recs = append(recs, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

// RecentRecords returns up to limit records, newest first. A limit of 0
// returns every record.
func (db *DB) RecentRecords(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.queryRecords(ctx,
		"SELECT id, "+recordColumns+" FROM records ORDER BY processed_at DESC, id DESC LIMIT ?",
		limit)
}

// GetRecord returns the record with the given id.
func (db *DB) GetRecord(ctx context.Context, id int) (*Record, error) {
	row := db.db.QueryRowContext(ctx,
		"SELECT id, "+recordColumns+" FROM records WHERE id=?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return rec, err
}

// RecordsWithEmbeddings returns every record that has an image embedding.
func (db *DB) RecordsWithEmbeddings(ctx context.Context) ([]*Record, error) {
	return db.queryRecords(ctx,
		"SELECT id, "+recordColumns+" FROM records WHERE embedding IS NOT NULL ORDER BY id")
}

// CountRecords returns the number of records in the DB
func (db *DB) CountRecords(ctx context.Context) (int, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records`)
	if row.Err() != nil {
		return 0, row.Err()
	}

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}

	return n, nil
}

func encodeVector(v []float32) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(len(v) * 4)
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return v, nil
}
