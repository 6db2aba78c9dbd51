package domain

import (
	"io"
	"slices"
	"time"
)

// Values is a loosely typed field map as it travels between the pool, the
// content graph and the outer adapters.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String returns the value of key as string or "".
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Int returns the value of key as int64, accepting the numeric types the
// sqlite driver and json decoding produce.
func (v Values) Int(key string) int64 {
	switch n := v[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// User is the acting principal. ID and group names live in separate
// namespaces; a user id is never matched against a group.
type User struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups,omitempty"`
}

func (u User) InGroup(group string) bool {
	return slices.Contains(u.Groups, group)
}

// Meta row columns known to the engine.
const (
	MetaID           = "id"
	MetaType         = "type"
	MetaRoot         = "root_id"
	MetaDataRef      = "data_ref"
	MetaDataTable    = "data_table"
	MetaParent       = "parent_ref"
	MetaSelectionTag = "selection_tag"
	MetaProcess      = "process_id"
	MetaState        = "state_id"
	MetaCreated      = "created"
	MetaChanged      = "changed"
	MetaCreatedBy    = "created_by"
	MetaChangedBy    = "changed_by"
	MetaFilename     = "filename"
)

// MetaColumns lists the fixed meta columns in table order.
var MetaColumns = []string{
	MetaID, MetaType, MetaRoot, MetaDataRef, MetaDataTable, MetaParent, MetaSelectionTag,
	MetaProcess, MetaState, MetaCreated, MetaChanged, MetaCreatedBy, MetaChangedBy, MetaFilename,
}

// ReadonlyMeta are the meta columns only the engine itself may write.
var ReadonlyMeta = []string{
	MetaID, MetaType, MetaRoot, MetaDataRef, MetaDataTable, MetaParent,
	MetaProcess, MetaState, MetaCreated, MetaChanged, MetaCreatedBy, MetaChangedBy,
}

func IsReadonlyMeta(key string) bool {
	return slices.Contains(ReadonlyMeta, key)
}

// File is a stored blob owned by one object field.
type File struct {
	ObjectID  int64     `json:"object_id"`
	Key       string    `json:"key"`
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension,omitempty"`
	Path      string    `json:"-"`
	Created   time.Time `json:"created"`

	Opener func() (io.ReadCloser, error) `json:"-"`
}

// Open returns a stream over the blob contents.
func (f *File) Open() (io.ReadCloser, error) {
	if f.Opener == nil {
		return nil, ErrNotFound
	}
	return f.Opener()
}

// Upload is an incoming file value for a file field.
type Upload struct {
	Filename string
	Reader   io.Reader
}

// LocalGroup grants Group to PrincipalID on the object with SecurityID.
type LocalGroup struct {
	SecurityID  string `json:"security_id"`
	PrincipalID string `json:"principal_id"`
	Group       string `json:"group"`
}

// SysValue is a value stored in the system slot.
type SysValue struct {
	Key   string    `json:"key"`
	Value string    `json:"value"`
	TS    time.Time `json:"ts" format:"date-time"`
}

// Event is one audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RootID     string `json:"root_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// EventFilter narrows LatestEvents.
type EventFilter struct {
	Limit      int
	Before     int64
	RootID     string
	Type       string
	EntityKind string
	EntityID   string
}
