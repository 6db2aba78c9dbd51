package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/registry"
	"contentline/internal/security"
)

// Object is a persisted node of the content tree.
type Object struct {
	Container
	conf   *config.ObjectConf
	entry  domain.Entry
	parent Node
	chain  []Behavior
	local  []domain.LocalGroup
}

var _ Node = (*Object)(nil)

func (o *Object) ID() int64                            { return o.entry.ID() }
func (o *Object) TypeID() string                       { return o.conf.ID }
func (o *Object) Conf() *config.ObjectConf             { return o.conf }
func (o *Object) Root() *Root                          { return o.root }
func (o *Object) Parent() Node                         { return o.parent }
func (o *Object) SecurityID() string                   { return cacheKey(o.ID()) }
func (o *Object) Contents() *Container                 { return &o.Container }
func (o *Object) ProcessID() string                    { return o.entry.Meta().String(domain.MetaProcess) }
func (o *Object) StateID() string                      { return o.entry.Meta().String(domain.MetaState) }
func (o *Object) Filename() string                     { return o.entry.Meta().String(domain.MetaFilename) }
func (o *Object) policy() config.SubtypePolicy         { return o.conf.Subtypes }
func (o *Object) defaultSort() string                  { return o.conf.DefaultSort }
func (o *Object) behaviors() []Behavior                { return o.chain }
func (o *Object) localGroups() []domain.LocalGroup     { return o.local }
func (o *Object) setLocalGroups(l []domain.LocalGroup) { o.local = l }
func (o *Object) createdBy() string                    { return o.entry.Meta().String(domain.MetaCreatedBy) }

func (o *Object) Capabilities() []registry.Capability {
	return registry.Caps(objectCaps(o.conf)...)
}

func (o *Object) SetWorkflow(process, state string) {
	if o.ProcessID() != process {
		o.entry.SetMeta(domain.MetaProcess, process)
	}
	if o.StateID() != state {
		o.entry.SetMeta(domain.MetaState, state)
	}
}

// ACL resolves the type ACL against the local grants, then appends the
// parent's.
func (o *Object) ACL() config.ACL {
	acl := security.Resolve(o.conf.ACL, o.local)
	return append(acl, o.parent.ACL()...)
}

func (o *Object) Title() string {
	if tp, ok := first[TitleProvider](o.chain); ok {
		return tp.Title(o)
	}
	return defaultBehavior{}.Title(o)
}

// Meta returns a copy of the meta row.
func (o *Object) Meta() domain.Values { return o.entry.Meta().Clone() }

func (o *Object) Created() time.Time {
	t, _ := o.entry.Meta()[domain.MetaCreated].(time.Time)
	return t
}

func (o *Object) Changed() time.Time {
	t, _ := o.entry.Meta()[domain.MetaChanged].(time.Time)
	return t
}

// GetFld returns a data or meta field decoded to its Go value. File fields
// are read with File.
func (o *Object) GetFld(id string) any {
	if f := o.conf.Field(id); f != nil {
		if f.Datatype == config.File {
			return nil
		}
		return f.Decode(o.entry.Data()[id])
	}
	if mf := o.app.MetaField(id); mf != nil {
		return mf.Decode(o.entry.Meta()[id])
	}
	return o.entry.Meta()[id]
}

// Values returns the meta row and every declared data field.
func (o *Object) Values() domain.Values {
	out := domain.Values{}
	for k, v := range o.entry.Meta() {
		out[k] = v
	}
	for _, f := range o.app.Conf.Meta {
		out[f.ID] = f.Decode(o.entry.Meta()[f.ID])
	}
	for _, f := range o.conf.Data {
		if f.Datatype != config.File {
			out[f.ID] = f.Decode(o.entry.Data()[f.ID])
		}
	}
	return out
}

// File returns the file stored under key, or nil.
func (o *Object) File(ctx context.Context, key string) (*domain.File, error) {
	return o.entry.GetFile(ctx, key)
}

func (o *Object) Files(ctx context.Context) (map[string]*domain.File, error) {
	return o.entry.Files(ctx)
}

// URLSegment is the filename with the type extension, or the id.
func (o *Object) URLSegment() string {
	fn := o.Filename()
	if fn == "" {
		return cacheKey(o.ID())
	}
	if o.conf.Extension != "" {
		return fn + "." + o.conf.Extension
	}
	return fn
}

// Path lists the ancestor objects from the top down, o excluded.
func (o *Object) Path() []*Object {
	var out []*Object
	for n := o.parent; n != nil; n = n.Parent() {
		if p, ok := n.(*Object); ok {
			out = append([]*Object{p}, out...)
		}
	}
	return out
}

func (o *Object) filenameSource(values domain.Values) string {
	key := o.conf.FilenameFrom
	if key == "" {
		key = "title"
	}
	if s, ok := values[key].(string); ok {
		return s
	}
	if s, ok := o.GetFld(key).(string); ok {
		return s
	}
	return ""
}

func (o *Object) assignFilename(ctx context.Context, src string) error {
	name := NormalizeFilename(src)
	if name == "" {
		return nil
	}
	unique, err := o.app.uniqueFilename(ctx, o.root.Name(), o.parent.ID(), name, o.ID())
	if err != nil {
		return err
	}
	o.entry.SetMeta(domain.MetaFilename, unique)
	return nil
}

// apply writes values to the row handle. Read-only system fields and
// undeclared keys are skipped; creating also fills declared defaults.
// It returns the keys written.
func (o *Object) apply(ctx context.Context, values domain.Values, creating bool) ([]string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var written []string
	for _, k := range keys {
		v := values[k]
		switch f, mf := o.conf.Field(k), o.app.MetaField(k); {
		case f != nil:
			if f.Readonly && !creating {
				continue
			}
			if f.Datatype == config.File {
				if err := o.applyFile(ctx, f, v); err != nil {
					return nil, err
				}
				written = append(written, k)
				continue
			}
			enc, err := f.Encode(v)
			if err != nil {
				return nil, domain.InvalidValueError{Field: k, Reason: err.Error()}
			}
			o.entry.SetData(k, enc)
		case mf != nil:
			if mf.Readonly && !creating {
				continue
			}
			enc, err := mf.Encode(v)
			if err != nil {
				return nil, domain.InvalidValueError{Field: k, Reason: err.Error()}
			}
			o.entry.SetMeta(k, enc)
		case k == domain.MetaFilename:
			s, _ := v.(string)
			if err := o.assignFilename(ctx, s); err != nil {
				return nil, err
			}
		case k == domain.MetaSelectionTag:
			n, err := (&config.FieldConf{Datatype: config.Number}).Coerce(v)
			if err != nil {
				return nil, domain.InvalidValueError{Field: k, Reason: err.Error()}
			}
			o.entry.SetMeta(k, n)
		default:
			o.app.Log.Debug().Str("type", o.conf.ID).Str("field", k).Msg("field discarded")
			continue
		}
		written = append(written, k)
	}
	if creating {
		o.applyDefaults(values)
	}
	return written, nil
}

func (o *Object) applyDefaults(values domain.Values) {
	for _, f := range o.conf.Data {
		if _, ok := values[f.ID]; ok || f.Datatype == config.File || f.Default == nil {
			continue
		}
		if enc, err := f.Encode(f.DefaultValue()); err == nil {
			o.entry.SetData(f.ID, enc)
		}
	}
	for _, f := range o.app.Conf.Meta {
		if _, ok := values[f.ID]; ok || f.Default == nil {
			continue
		}
		if enc, err := f.Encode(f.DefaultValue()); err == nil {
			o.entry.SetMeta(f.ID, enc)
		}
	}
}

func (o *Object) applyFile(ctx context.Context, f *config.FieldConf, v any) error {
	c, err := f.Coerce(v)
	if err != nil {
		return domain.InvalidValueError{Field: f.ID, Reason: err.Error()}
	}
	switch up := c.(type) {
	case nil:
		return o.entry.DeleteFile(ctx, f.ID)
	case domain.Upload:
		_, err := o.entry.CommitFile(ctx, f.ID, up)
		return err
	case *domain.File:
		return o.copyFile(ctx, f.ID, up)
	}
	return domain.InvalidValueError{Field: f.ID, Reason: fmt.Sprintf("unsupported file value %T", c)}
}

func (o *Object) copyFile(ctx context.Context, key string, src *domain.File) error {
	rc, err := src.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", src.Filename, err)
	}
	defer rc.Close()
	_, err = o.entry.CommitFile(ctx, key, domain.Upload{Filename: src.Filename, Reader: rc})
	return err
}

func (o *Object) fulltext() (string, bool) {
	var parts []string
	indexed := false
	for _, f := range o.conf.Data {
		if !f.Fulltext {
			continue
		}
		indexed = true
		switch v := o.GetFld(f.ID).(type) {
		case nil:
		case string:
			if v != "" {
				parts = append(parts, v)
			}
		case []string:
			parts = append(parts, v...)
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, " "), indexed
}

// persist commits the row handle with fresh stamps and fulltext. The
// cached snapshot is dropped; the next lookup reloads the row.
func (o *Object) persist(ctx context.Context, u domain.User) error {
	if text, ok := o.fulltext(); ok {
		o.entry.SetFulltext(text)
	}
	if err := o.entry.Commit(ctx, u.ID); err != nil {
		return err
	}
	forget(o)
	return nil
}
