// Package pgfake is a database/sql driver that understands the handful of
// statements the postgres store issues against entityvc_state, so the store
// can be tested without a server.
package pgfake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Op names a driver operation that can be made to fail.
type Op string

// Failable operations.
const (
	OpPing   Op = "ping"
	OpCreate Op = "create"
	OpQuery  Op = "query"
	OpBegin  Op = "begin"
	OpUpsert Op = "upsert"
	OpCommit Op = "commit"
)

// Row is one stored bucket.
type Row struct {
	Payload []byte
	Digest  string
}

// State is the table contents plus a log of what the store did.
type State struct {
	mu        sync.Mutex
	rows      map[string]Row
	pending   map[string]Row
	upserts   []string
	commits   int
	rollbacks int
	fail      map[Op]error
	created   bool
}

// Open returns a handle backed by a fresh State.
func Open() (*sql.DB, *State) {
	state := &State{rows: make(map[string]Row), fail: make(map[Op]error)}
	return sql.OpenDB(connector{state: state}), state
}

// Fail makes op return err until cleared with a nil error.
func (s *State) Fail(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Put stores a row directly, as if written by an earlier process.
func (s *State) Put(bucket string, row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[bucket] = row
}

// Rows returns a copy of the committed table.
func (s *State) Rows() map[string]Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Row, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out
}

// Upserts lists the buckets written by committed transactions, in order.
func (s *State) Upserts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.upserts...)
}

// Created reports whether the table DDL ran.
func (s *State) Created() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// Transactions returns the number of committed and rolled back transactions.
func (s *State) Transactions() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

func (s *State) failure(op Op) error {
	if err, ok := s.fail[op]; ok {
		return err
	}
	return nil
}

type connector struct {
	state *State
}

func (c connector) Connect(context.Context) (driver.Conn, error) { return &conn{state: c.state}, nil }
func (c connector) Driver() driver.Driver                        { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("pgfake: use Open")
}

type conn struct {
	state *State
}

var (
	_ driver.Pinger         = (*conn)(nil)
	_ driver.ConnBeginTx    = (*conn)(nil)
	_ driver.ExecerContext  = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("pgfake: prepared statements unsupported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) Ping(context.Context) error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.failure(OpPing)
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if err := c.state.failure(OpBegin); err != nil {
		return nil, err
	}
	c.state.pending = make(map[string]Row)
	return tx{state: c.state}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	statement := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(statement, "CREATE TABLE IF NOT EXISTS ENTITYVC_STATE"):
		if err := c.state.failure(OpCreate); err != nil {
			return nil, err
		}
		c.state.created = true
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(statement, "INSERT INTO ENTITYVC_STATE"):
		if err := c.state.failure(OpUpsert); err != nil {
			return nil, err
		}
		if c.state.pending == nil {
			return nil, errors.New("pgfake: upsert outside transaction")
		}
		if len(args) != 3 {
			return nil, fmt.Errorf("pgfake: upsert takes 3 args, got %d", len(args))
		}
		bucket, _ := args[0].Value.(string)
		payload, _ := args[1].Value.([]byte)
		digest, _ := args[2].Value.(string)
		c.state.pending[bucket] = Row{Payload: append([]byte(nil), payload...), Digest: digest}
		return driver.RowsAffected(1), nil
	default:
		return nil, fmt.Errorf("pgfake: unsupported statement: %s", query)
	}
}

func (c *conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT BUCKET, PAYLOAD, DIGEST FROM ENTITYVC_STATE") {
		return nil, fmt.Errorf("pgfake: unsupported query: %s", query)
	}
	if err := c.state.failure(OpQuery); err != nil {
		return nil, err
	}
	buckets := make([]string, 0, len(c.state.rows))
	for bucket := range c.state.rows {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	out := &rows{}
	for _, bucket := range buckets {
		row := c.state.rows[bucket]
		out.values = append(out.values, []driver.Value{bucket, append([]byte(nil), row.Payload...), row.Digest})
	}
	return out, nil
}

type tx struct {
	state *State
}

func (t tx) Commit() error {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if err := t.state.failure(OpCommit); err != nil {
		t.state.pending = nil
		t.state.rollbacks++
		return err
	}
	names := make([]string, 0, len(t.state.pending))
	for bucket, row := range t.state.pending {
		t.state.rows[bucket] = row
		names = append(names, bucket)
	}
	sort.Strings(names)
	t.state.upserts = append(t.state.upserts, names...)
	t.state.pending = nil
	t.state.commits++
	return nil
}

func (t tx) Rollback() error {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.pending != nil {
		t.state.pending = nil
		t.state.rollbacks++
	}
	return nil
}

type rows struct {
	values [][]driver.Value
	next   int
}

func (r *rows) Columns() []string { return []string{"bucket", "payload", "digest"} }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}
