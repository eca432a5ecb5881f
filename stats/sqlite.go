package stats

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite mirrors every epoch record into a single table keyed by split
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates the parent directory of path if needed
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS epochs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			split TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			loss REAL,
			lr REAL,
			params INTEGER,
			time_iter REAL,
			time_epoch REAL,
			eta REAL,
			mae REAL,
			mse REAL,
			rmse REAL,
			r2 REAL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create epochs table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Insert(split string, e Epoch) error {
	var eta sql.NullFloat64
	if e.ETA != nil {
		eta = sql.NullFloat64{Float64: *e.ETA, Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO epochs(ts,split,epoch,loss,lr,params,time_iter,time_epoch,eta,mae,mse,rmse,r2)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		float64(time.Now().UnixMilli())/1000.0,
		split, e.Epoch, e.Loss, e.LR, e.Params, e.TimeIter, e.TimeEpoch, eta,
		e.MAE, e.MSE, e.RMSE, e.R2)
	if err != nil {
		return fmt.Errorf("failed to insert %s epoch %d: %w", split, e.Epoch, err)
	}
	return nil
}

// Epochs returns the stored records of split in insertion order
func (s *SQLite) Epochs(split string) ([]Epoch, error) {
	rows, err := s.db.Query(`SELECT epoch, loss, lr, params, time_iter, time_epoch, eta, mae, mse, rmse, r2
		FROM epochs WHERE split = ? ORDER BY id`, split)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var eta sql.NullFloat64
		if err := rows.Scan(&e.Epoch, &e.Loss, &e.LR, &e.Params, &e.TimeIter, &e.TimeEpoch, &eta,
			&e.MAE, &e.MSE, &e.RMSE, &e.R2); err != nil {
			return nil, err
		}
		if eta.Valid {
			v := eta.Float64
			e.ETA = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
