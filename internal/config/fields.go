package config

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"contentline/internal/domain"
)

// Datatype is a field type from the closed vocabulary.
type Datatype string

const (
	String    Datatype = "string"
	Number    Datatype = "number"
	Float     Datatype = "float"
	Bool      Datatype = "bool"
	File      Datatype = "file"
	Text      Datatype = "text"
	Date      Datatype = "date"
	Datetime  Datatype = "datetime"
	Time      Datatype = "time"
	HText     Datatype = "htext"
	Code      Datatype = "code"
	JSON      Datatype = "json"
	Lines     Datatype = "lines"
	List      Datatype = "list"
	Radio     Datatype = "radio"
	Multilist Datatype = "multilist"
	Checkbox  Datatype = "checkbox"
	Email     Datatype = "email"
	Password  Datatype = "password"
	URL       Datatype = "url"
	URLList   Datatype = "urllist"
	Unit      Datatype = "unit"
	UnitList  Datatype = "unitlist"
	Timestamp Datatype = "timestamp"
	Binary    Datatype = "binary"
	NList     Datatype = "nlist"
)

// Datatypes lists the vocabulary.
var Datatypes = []Datatype{
	String, Number, Float, Bool, File, Text, Date, Datetime, Time, HText, Code, JSON, Lines, List,
	Radio, Multilist, Checkbox, Email, Password, URL, URLList, Unit, UnitList, Timestamp, Binary, NList,
}

func (d Datatype) Valid() bool {
	for _, dt := range Datatypes {
		if dt == d {
			return true
		}
	}
	return false
}

// SQLType is the column type for d. File fields have no column.
func (d Datatype) SQLType() string {
	switch d {
	case File:
		return ""
	case Number, Unit, Bool:
		return "INTEGER"
	case Float, Timestamp:
		return "REAL"
	case Binary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (d Datatype) stringList() bool {
	return d == Lines || d == Multilist || d == Checkbox || d == URLList
}

func (d Datatype) intList() bool {
	return d == UnitList || d == NList
}

// ListItem is one choice of a list, radio, multilist or checkbox field.
type ListItem struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// FieldConf describes one meta, data or tool field.
type FieldConf struct {
	Base      `yaml:",inline"`
	Datatype  Datatype       `yaml:"datatype"`
	Default   any            `yaml:"default,omitempty"`
	Required  bool           `yaml:"required,omitempty"`
	Readonly  bool           `yaml:"readonly,omitempty"`
	Size      int            `yaml:"size,omitempty"`
	Fulltext  bool           `yaml:"fulltext,omitempty"`
	ListItems []ListItem     `yaml:"listItems,omitempty"`
	Settings  map[string]any `yaml:"settings,omitempty"`
}

func (*FieldConf) Kind() Kind { return KindField }

// UnmarshalYAML also accepts the short form "id:datatype".
func (f *FieldConf) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		id, dt, ok := strings.Cut(node.Value, ":")
		f.ID = strings.TrimSpace(id)
		f.Datatype = String
		if ok {
			f.Datatype = Datatype(strings.TrimSpace(dt))
		}
		return nil
	}
	type plain FieldConf
	return node.Decode((*plain)(f))
}

func (f *FieldConf) Test() []Problem {
	probs := testBase(f)
	if !f.Datatype.Valid() {
		probs = append(probs, problem(f, SeverityError, "unknown datatype %q", f.Datatype))
	}
	if f.Default != nil && f.Datatype.Valid() && f.Datatype != File {
		if _, err := f.Coerce(f.Default); err != nil {
			probs = append(probs, problem(f, SeverityWarning, "default does not match datatype: %v", err))
		}
	}
	return probs
}

// DefaultValue is the coerced default or nil.
func (f *FieldConf) DefaultValue() any {
	if f.Default == nil {
		return nil
	}
	v, err := f.Coerce(f.Default)
	if err != nil {
		return nil
	}
	return v
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// Coerce converts an incoming value to the canonical Go value for the field:
// string, int64, float64, bool, time.Time, []string, []int64, []byte, any for
// json, and domain.Upload for files.
func (f *FieldConf) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Datatype {
	case Number, Unit:
		return toInt(v)
	case Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(n), 64)
		}
		i, err := toInt(v)
		return float64(i), err
	case Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "1", "true", "on", "yes":
				return true, nil
			case "", "0", "false", "off", "no":
				return false, nil
			}
			return nil, fmt.Errorf("invalid bool %q", b)
		}
		i, err := toInt(v)
		return i != 0, err
	case Date, Datetime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			if t == "" {
				return nil, nil
			}
			return parseTime(t)
		}
		return nil, fmt.Errorf("invalid date %v", v)
	case Timestamp:
		switch t := v.(type) {
		case time.Time:
			return float64(t.UnixNano()) / 1e9, nil
		case string:
			if ts, err := parseTime(t); err == nil {
				return float64(ts.UnixNano()) / 1e9, nil
			}
			return strconv.ParseFloat(t, 64)
		}
		i, err := toFloat(v)
		return i, err
	case Time:
		s := fmt.Sprint(v)
		if _, err := time.Parse("15:04", s); err != nil {
			if _, err := time.Parse("15:04:05", s); err != nil {
				return nil, fmt.Errorf("invalid time %q", s)
			}
		}
		return s, nil
	case Lines, Multilist, Checkbox, URLList:
		return toStrings(v, f.Datatype == Lines)
	case UnitList, NList:
		items, err := toStrings(v, false)
		if err != nil {
			return nil, err
		}
		out := make([]int64, 0, len(items))
		for _, s := range items {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", s)
			}
			out = append(out, n)
		}
		return out, nil
	case JSON:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("invalid json: %w", err)
			}
			return out, nil
		}
		return v, nil
	case Binary:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("invalid binary value %T", v)
	case File:
		switch up := v.(type) {
		case domain.Upload:
			return up, nil
		case *domain.Upload:
			return *up, nil
		case *domain.File:
			return up, nil
		}
		return nil, fmt.Errorf("invalid file value %T", v)
	case Email:
		s := fmt.Sprint(v)
		if s == "" {
			return s, nil
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return nil, fmt.Errorf("invalid email %q", s)
		}
		return s, nil
	}
	if b, ok := v.([]byte); ok {
		return string(b), nil
	}
	return fmt.Sprint(v), nil
}

// Encode turns a coerced value into the value written to the column.
func (f *FieldConf) Encode(v any) (any, error) {
	v, err := f.Coerce(v)
	if err != nil || v == nil {
		return v, err
	}
	switch f.Datatype {
	case Bool:
		if v.(bool) {
			return int64(1), nil
		}
		return int64(0), nil
	case Date:
		return v.(time.Time).Format("2006-01-02"), nil
	case Datetime:
		return v.(time.Time).UTC().Format(time.RFC3339), nil
	case Lines, Multilist, Checkbox, URLList, UnitList, NList, JSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// Decode turns a column value back into the canonical Go value.
func (f *FieldConf) Decode(raw any) any {
	if raw == nil {
		return nil
	}
	if b, ok := raw.([]byte); ok && f.Datatype != Binary {
		raw = string(b)
	}
	switch f.Datatype {
	case Lines, Multilist, Checkbox, URLList:
		var out []string
		if s, ok := raw.(string); ok && json.Unmarshal([]byte(s), &out) == nil {
			return out
		}
		return []string{}
	case UnitList, NList:
		var out []int64
		if s, ok := raw.(string); ok && json.Unmarshal([]byte(s), &out) == nil {
			return out
		}
		return []int64{}
	case JSON:
		var out any
		if s, ok := raw.(string); ok && json.Unmarshal([]byte(s), &out) == nil {
			return out
		}
		return nil
	case Bool:
		i, _ := toInt(raw)
		return i != 0
	}
	v, err := f.Coerce(raw)
	if err != nil {
		return raw
	}
	return v
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	}
	return 0, fmt.Errorf("invalid number %v", v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	i, err := toInt(v)
	return float64(i), err
}

func toStrings(v any, lines bool) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case []int64:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, strconv.FormatInt(item, 10))
		}
		return out, nil
	case string:
		if l == "" {
			return []string{}, nil
		}
		if strings.HasPrefix(l, "[") {
			var out []string
			if err := json.Unmarshal([]byte(l), &out); err == nil {
				return out, nil
			}
		}
		sep := ","
		if lines {
			sep = "\n"
		}
		parts := strings.Split(l, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
	return nil, fmt.Errorf("invalid list value %T", v)
}
