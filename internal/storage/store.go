package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/tessera/internal/sqlparse"
)

var (
	// ErrTableNotFound is returned for statements on a table that does not
	// exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned by CREATE TABLE for an existing table.
	ErrTableExists = errors.New("table already exists")
)

// Engine executes SQL for a region server.
// All implementations must be safe for concurrent use.
type Engine interface {
	// Tables lists the stored tables in name order.
	Tables(ctx context.Context) ([]string, error)

	// RowCount returns the number of rows in table.
	RowCount(ctx context.Context, table string) (int64, error)

	// Exec runs one statement.
	Exec(ctx context.Context, sql string) (Result, error)

	Close()
}

// Result is the outcome of a statement. Columns and Rows are set for
// queries only.
type Result struct {
	Tag          string   `json:"tag"`
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rowsAffected"`
}

// MemoryEngine is an Engine holding tables in memory. Each row is keyed
// by the integer in its first column and keeps the remaining literals as
// text. It understands the statement shapes the region server routes and
// nothing more.
type MemoryEngine struct {
	mu     sync.RWMutex
	tables map[string]map[int64][]string
}

var _ Engine = (*MemoryEngine)(nil)

// NewMemoryEngine creates an engine with no tables.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string]map[int64][]string)}
}

// Seed creates table with rows 0..rows-1, replacing any existing table of
// that name.
func (m *MemoryEngine) Seed(table string, rows int) {
	data := make(map[int64][]string, rows)
	for i := 0; i < rows; i++ {
		data[int64(i)] = []string{strconv.Itoa(i)}
	}
	m.mu.Lock()
	m.tables[strings.ToLower(table)] = data
	m.mu.Unlock()
}

func (m *MemoryEngine) Tables(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryEngine) RowCount(_ context.Context, table string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.tables[strings.ToLower(table)]
	if !ok {
		return 0, errors.Wrap(ErrTableNotFound, table)
	}
	return int64(len(rows)), nil
}

func (m *MemoryEngine) Exec(_ context.Context, sql string) (Result, error) {
	kw := sqlparse.Keyword(sql)
	table, err := sqlparse.TableName(sql)
	if err != nil {
		return Result{}, err
	}
	key, hasKey := sqlparse.KeyPredicate(sql)

	if kw == "SELECT" {
		m.mu.RLock()
		defer m.mu.RUnlock()
	} else {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	if kw == "CREATE" {
		if _, ok := m.tables[table]; ok {
			if strings.Contains(strings.ToUpper(sql), "IF NOT EXISTS") {
				return Result{Tag: "CREATE TABLE"}, nil
			}
			return Result{}, errors.Wrap(ErrTableExists, table)
		}
		m.tables[table] = make(map[int64][]string)
		return Result{Tag: "CREATE TABLE"}, nil
	}

	rows, ok := m.tables[table]
	if !ok {
		if kw == "DROP" && strings.Contains(strings.ToUpper(sql), "IF EXISTS") {
			return Result{Tag: "DROP TABLE"}, nil
		}
		return Result{}, errors.Wrap(ErrTableNotFound, table)
	}

	switch kw {
	case "DROP":
		delete(m.tables, table)
		return Result{Tag: "DROP TABLE"}, nil
	case "TRUNCATE":
		m.tables[table] = make(map[int64][]string)
		return Result{Tag: "TRUNCATE TABLE"}, nil
	case "ALTER":
		return Result{Tag: "ALTER TABLE"}, nil
	case "INSERT":
		var n int64
		for _, values := range valueGroups(sql) {
			id, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil {
				id = int64(len(rows))
				for _, taken := rows[id]; taken; _, taken = rows[id] {
					id++
				}
			}
			rows[id] = values
			n++
		}
		return Result{Tag: "INSERT", RowsAffected: n}, nil
	case "UPDATE", "DELETE":
		var n int64
		for id := range rows {
			if hasKey && id != key {
				continue
			}
			if kw == "DELETE" {
				delete(rows, id)
			}
			n++
		}
		return Result{Tag: kw, RowsAffected: n}, nil
	case "SELECT":
		ids := make([]int64, 0, len(rows))
		for id := range rows {
			if !hasKey || id == key {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		res := Result{Tag: "SELECT", Columns: []string{"id", "values"}}
		for _, id := range ids {
			res.Rows = append(res.Rows, []any{id, strings.Join(rows[id], ",")})
		}
		res.RowsAffected = int64(len(res.Rows))
		return res, nil
	}
	return Result{}, errors.Wrapf(sqlparse.ErrUnsupported, "%s", kw)
}

// valueGroups extracts the parenthesized literal lists that follow VALUES.
func valueGroups(sql string) [][]string {
	i := strings.Index(strings.ToUpper(sql), "VALUES")
	if i < 0 {
		return nil
	}
	var groups [][]string
	rest := sql[i+len("VALUES"):]
	for {
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			return groups
		}
		end := strings.IndexByte(rest[open:], ')')
		if end < 0 {
			return groups
		}
		var values []string
		for _, v := range strings.Split(rest[open+1:open+end], ",") {
			values = append(values, strings.Trim(strings.TrimSpace(v), `'"`))
		}
		groups = append(groups, values)
		rest = rest[open+end+1:]
	}
}

func (m *MemoryEngine) Close() {}
