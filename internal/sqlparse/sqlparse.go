// Package sqlparse inspects SQL statements just far enough to route them:
// the leading keyword, the statement class, the table touched and an
// optional integer key predicate. It is not a parser and never validates a
// statement beyond that.
package sqlparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the routing class of a statement.
type Kind int

const (
	// DDL statements change the schema: CREATE, DROP, ALTER, TRUNCATE.
	DDL Kind = iota + 1
	// DML statements read or write rows: SELECT, INSERT, UPDATE, DELETE.
	DML
)

func (k Kind) String() string {
	switch k {
	case DDL:
		return "DDL"
	case DML:
		return "DML"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrEmpty is returned for a statement with no keyword.
	ErrEmpty = errors.New("empty SQL statement")
	// ErrUnsupported is returned for statements that are neither DDL nor DML.
	ErrUnsupported = errors.New("unsupported SQL statement")
	// ErrNoTable is returned when no table name can be found.
	ErrNoTable = errors.New("no table name in SQL statement")
)

var kinds = map[string]Kind{
	"CREATE":   DDL,
	"DROP":     DDL,
	"ALTER":    DDL,
	"TRUNCATE": DDL,
	"SELECT":   DML,
	"INSERT":   DML,
	"UPDATE":   DML,
	"DELETE":   DML,
}

var keyPredicate = regexp.MustCompile(`(?is)\bWHERE\b.*?\bID\s*=\s*(-?\d+)\b`)

// tokens splits a statement on whitespace and punctuation that can stick to
// identifiers.
func tokens(sql string) []string {
	return strings.FieldsFunc(sql, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', '(', ')', ',', ';':
			return true
		}
		return false
	})
}

// Keyword returns the statement's first word in upper case, or "".
func Keyword(sql string) string {
	t := tokens(sql)
	if len(t) == 0 {
		return ""
	}
	return strings.ToUpper(t[0])
}

// Classify returns the statement's Kind from its leading keyword.
func Classify(sql string) (Kind, error) {
	kw := Keyword(sql)
	if kw == "" {
		return 0, ErrEmpty
	}
	kind, ok := kinds[kw]
	if !ok {
		return 0, errors.Wrapf(ErrUnsupported, "%s", kw)
	}
	return kind, nil
}

// IsCreateTable reports whether the statement is CREATE TABLE.
func IsCreateTable(sql string) bool {
	t := tokens(sql)
	return len(t) >= 2 && strings.EqualFold(t[0], "CREATE") && strings.EqualFold(t[1], "TABLE")
}

// TableName returns the lower-cased name of the table a statement
// addresses.
func TableName(sql string) (string, error) {
	t := tokens(sql)
	if len(t) == 0 {
		return "", ErrEmpty
	}
	upper := make([]string, len(t))
	for i, s := range t {
		upper[i] = strings.ToUpper(s)
	}

	idx := -1
	switch upper[0] {
	case "CREATE", "DROP", "ALTER":
		idx = after(upper, 1, "TABLE")
		idx = skip(upper, idx, "IF", "NOT", "EXISTS")
	case "TRUNCATE":
		idx = 1
		if len(upper) > 1 && upper[1] == "TABLE" {
			idx = 2
		}
	case "INSERT":
		idx = after(upper, 1, "INTO")
	case "UPDATE":
		idx = 1
	case "DELETE", "SELECT":
		idx = after(upper, 1, "FROM")
	default:
		return "", errors.Wrapf(ErrUnsupported, "%s", upper[0])
	}
	if idx < 0 || idx >= len(t) {
		return "", ErrNoTable
	}
	return normalize(t[idx]), nil
}

// after returns the index following the first occurrence of word at or
// after from, or -1.
func after(words []string, from int, word string) int {
	for i := from; i < len(words); i++ {
		if words[i] == word {
			return i + 1
		}
	}
	return -1
}

// skip advances i past any of the given optional words.
func skip(words []string, i int, optional ...string) int {
	if i < 0 {
		return i
	}
	for i < len(words) {
		matched := false
		for _, o := range optional {
			if words[i] == o {
				matched = true
				break
			}
		}
		if !matched {
			break
		}
		i++
	}
	return i
}

func normalize(name string) string {
	name = strings.Trim(name, "`\"")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(strings.Trim(name, "`\""))
}

// KeyPredicate returns n from a "WHERE ... ID = n" clause.
func KeyPredicate(sql string) (int64, bool) {
	m := keyPredicate.FindStringSubmatch(sql)
	if m == nil {
		return 0, false
	}
	key, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return key, true
}
