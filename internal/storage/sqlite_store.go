package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreamware/keeper/internal/wire"
	"github.com/dreamware/keeper/internal/zpath"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	path        TEXT PRIMARY KEY,
	parent      TEXT NOT NULL,
	data        BLOB NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	owner       TEXT NOT NULL DEFAULT '',
	cseq        INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	modified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS nodes_parent ON nodes(parent);
CREATE INDEX IF NOT EXISTS nodes_owner ON nodes(owner);
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	timeout_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema and the root node exist. ":memory:" gives a private
// in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection: serializes writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	now := time.Now().UTC().UnixMilli()
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO nodes (path, parent, data, created_at, modified_at) VALUES (?, '', x'', ?, ?)`,
		zpath.Root, now, now,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(n Node) error {
	if n.Path == zpath.Root {
		return wire.ErrNodeExists
	}
	parent, err := zpath.Parent(n.Path)
	if err != nil {
		return err
	}
	return s.tx(func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRow(`SELECT owner FROM nodes WHERE path = ?`, parent).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return wire.ErrNoParent
		}
		if err != nil {
			return err
		}
		if owner != "" {
			return wire.ErrNoChildrenForEphemerals
		}

		var one int
		err = tx.QueryRow(`SELECT 1 FROM nodes WHERE path = ?`, n.Path).Scan(&one)
		if err == nil {
			return wire.ErrNodeExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		created := n.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		modified := n.ModifiedAt
		if modified.IsZero() {
			modified = created
		}
		data := n.Data
		if data == nil {
			data = []byte{}
		}
		_, err = tx.Exec(`
INSERT INTO nodes (path, parent, data, version, owner, cseq, created_at, modified_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.Path, parent, data, n.Version, n.Owner, n.CSeq,
			created.UTC().UnixMilli(), modified.UTC().UnixMilli(),
		)
		return err
	})
}

func (s *SQLiteStore) Get(path string) (Node, error) {
	return getNode(s.db, path)
}

func (s *SQLiteStore) Children(path string) ([]string, error) {
	var names []string
	err := s.tx(func(tx *sql.Tx) error {
		if _, err := getNode(tx, path); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT path FROM nodes WHERE parent = ? ORDER BY path`, path)
		if err != nil {
			return err
		}
		defer rows.Close()
		names = []string{}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			names = append(names, zpath.Base(p))
		}
		return rows.Err()
	})
	return names, err
}

func (s *SQLiteStore) SetData(path string, data []byte, version int32) (Node, error) {
	var out Node
	err := s.tx(func(tx *sql.Tx) error {
		n, err := getNode(tx, path)
		if err != nil {
			return err
		}
		if version != AnyVersion && version != n.Version {
			return wire.ErrBadVersion
		}
		if data == nil {
			data = []byte{}
		}
		n.Data = data
		n.Version++
		n.ModifiedAt = time.Now().UTC()
		if _, err := tx.Exec(
			`UPDATE nodes SET data = ?, version = ?, modified_at = ? WHERE path = ?`,
			n.Data, n.Version, n.ModifiedAt.UnixMilli(), path,
		); err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Delete(path string, version int32) error {
	if path == zpath.Root {
		return wire.ErrBadRequest
	}
	return s.tx(func(tx *sql.Tx) error {
		n, err := getNode(tx, path)
		if err != nil {
			return err
		}
		if version != AnyVersion && version != n.Version {
			return wire.ErrBadVersion
		}
		if n.NumChildren > 0 {
			return wire.ErrNotEmpty
		}
		_, err = tx.Exec(`DELETE FROM nodes WHERE path = ?`, path)
		return err
	})
}

func (s *SQLiteStore) NextSequence(path string) (int64, error) {
	var seq int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE nodes SET cseq = cseq + 1 WHERE path = ?`, path)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return wire.ErrNoNode
		}
		return tx.QueryRow(`SELECT cseq FROM nodes WHERE path = ?`, path).Scan(&seq)
	})
	return seq, err
}

func (s *SQLiteStore) Owned(owner string) ([]string, error) {
	if owner == "" {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT path FROM nodes WHERE owner = ? ORDER BY path`, owner)
	if err != nil {
		return nil, fmt.Errorf("list owned nodes: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) PutSession(sess Session) error {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`
INSERT INTO sessions (id, timeout_ms, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET timeout_ms = excluded.timeout_ms`,
		sess.ID, sess.Timeout.Milliseconds(), created.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, timeout_ms, created_at FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		var (
			sess    Session
			timeout int64
			created int64
		)
		if err := rows.Scan(&sess.ID, &timeout, &created); err != nil {
			return nil, err
		}
		sess.Timeout = time.Duration(timeout) * time.Millisecond
		sess.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Stats returns zero values when the database cannot be read.
func (s *SQLiteStore) Stats() StoreStats {
	var st StoreStats
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM nodes`).Scan(&st.Nodes, &st.Bytes)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions)
	return st
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) tx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getNode(q queryer, path string) (Node, error) {
	var (
		n                 Node
		created, modified int64
	)
	err := q.QueryRow(`
SELECT n.path, n.data, n.version, n.owner, n.cseq, n.created_at, n.modified_at,
	(SELECT COUNT(*) FROM nodes c WHERE c.parent = n.path)
FROM nodes n WHERE n.path = ?`, path).
		Scan(&n.Path, &n.Data, &n.Version, &n.Owner, &n.CSeq, &created, &modified, &n.NumChildren)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, wire.ErrNoNode
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node %s: %w", path, err)
	}
	if n.Data == nil {
		n.Data = []byte{}
	}
	n.CreatedAt = time.UnixMilli(created).UTC()
	n.ModifiedAt = time.UnixMilli(modified).UTC()
	return n, nil
}
