package domain

import (
	"context"
	"fmt"
	"strings"
)

// Operator is a query comparator.
type Operator string

const (
	OpEq      Operator = "="
	OpNe      Operator = "!="
	OpLt      Operator = "<"
	OpLe      Operator = "<="
	OpGt      Operator = ">"
	OpGe      Operator = ">="
	OpIn      Operator = "IN"
	OpNotIn   Operator = "NOT IN"
	OpBetween Operator = "BETWEEN"
	OpLike    Operator = "LIKE"
)

var operators = []Operator{OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpNotIn, OpBetween, OpLike}

// ParseOperator accepts the closed operator set, case-insensitive. An empty
// string is OpEq.
func ParseOperator(s string) (Operator, error) {
	s = strings.ToUpper(strings.Join(strings.Fields(s), " "))
	if s == "" {
		return OpEq, nil
	}
	if s == "<>" {
		return OpNe, nil
	}
	for _, op := range operators {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("invalid operator %q", s)
}

// Query is a select against meta and, when Table is set, one data table.
type Query struct {
	Type       string
	Table      string
	Parameter  Values
	Operators  map[string]Operator
	Fields     []string
	Sort       string
	Descending bool
	Start      int
	Max        int
}

// Column is one persisted field.
type Column struct {
	Name    string `json:"name"`
	SQLType string `json:"sql_type"`
}

// Structure maps data tables to their columns. Meta holds the additional
// meta columns beyond MetaColumns.
type Structure struct {
	Meta   []Column            `json:"meta"`
	Tables map[string][]Column `json:"tables"`
}

// HasColumn reports whether table (or meta when table is "") declares name.
func (s Structure) HasColumn(table, name string) bool {
	if table == "" {
		for _, c := range MetaColumns {
			if c == name {
				return true
			}
		}
		for _, c := range s.Meta {
			if c.Name == name {
				return true
			}
		}
		return false
	}
	for _, c := range s.Tables[table] {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Entry is a row handle: one meta row, one data row and the owned files.
// Changes to meta and data are buffered until Commit.
type Entry interface {
	ID() int64
	Table() string
	Meta() Values
	Data() Values
	SetMeta(key string, value any)
	SetData(key string, value any)
	SetFulltext(text string)
	Commit(ctx context.Context, userID string) error
	Undo()
	// Clone returns an independent handle with the same buffered state.
	Clone() Entry

	Files(ctx context.Context) (map[string]*File, error)
	GetFile(ctx context.Context, key string) (*File, error)
	CommitFile(ctx context.Context, key string, up Upload) (*File, error)
	DeleteFile(ctx context.Context, key string) error
	RenameFile(ctx context.Context, key, filename string) error
}

// Pool is the persistence façade consumed by the engine. Transactions are
// carried in the context returned by Begin; nested Begin/Commit pairs are
// legal and only the outermost Commit reaches the database.
type Pool interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Undo(ctx context.Context) error
	// InTransaction reports whether ctx carries an open transaction.
	InTransaction(ctx context.Context) bool
	Close() error
	Reconnect(ctx context.Context) error

	SetStructure(ctx context.Context, s Structure) error

	CreateEntry(ctx context.Context, table string) (Entry, error)
	GetEntry(ctx context.Context, id int64) (Entry, error)
	GetBatch(ctx context.Context, ids []int64) ([]Entry, error)
	DeleteEntry(ctx context.Context, id int64) error

	Select(ctx context.Context, q Query) ([]Values, error)
	SelectIDs(ctx context.Context, q Query) ([]int64, error)
	GetContainedIDs(ctx context.Context, root string, base int64, sort string) ([]int64, error)
	GetParentPath(ctx context.Context, id int64) ([]int64, error)
	IDForFilename(ctx context.Context, root string, parent int64, filename string) (int64, error)
	FilenameTaken(ctx context.Context, root string, parent *int64, filename string, exclude int64) (bool, error)

	OwnerFiles(ctx context.Context, owner int64, prefix string) (map[string]*File, error)
	CommitOwnerFile(ctx context.Context, owner int64, key string, up Upload) (*File, error)

	StoreSys(ctx context.Context, key, value string) error
	LoadSys(ctx context.Context, key string) (*SysValue, error)
	DeleteSys(ctx context.Context, key string) error

	LocalGroups(ctx context.Context, securityIDs ...string) ([]LocalGroup, error)
	AddLocalGroup(ctx context.Context, g LocalGroup) error
	RemoveLocalGroup(ctx context.Context, g LocalGroup) error
	DeleteLocalGroups(ctx context.Context, securityID string) error

	SearchFulltext(ctx context.Context, root, phrase string, max int) ([]int64, error)

	AppendEvent(ctx context.Context, evtType, rootID, entityKind, entityID, actorID string, payload map[string]any) error
	LatestEvents(ctx context.Context, f EventFilter) ([]Event, error)
}
