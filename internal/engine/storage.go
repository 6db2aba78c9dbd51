package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/events"
)

// StorageKey is the sys slot holding the storage document of root.
func StorageKey(root string) string {
	return root + ".root.storage"
}

func (r *Root) filePrefix() string { return r.Name() + "." }

// storage returns the raw storage document, loading it once.
func (r *Root) storage(ctx context.Context) (map[string]any, error) {
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()
	if doc != nil {
		return maps.Clone(doc), nil
	}
	sv, err := r.app.Pool.LoadSys(ctx, StorageKey(r.Name()))
	if err != nil {
		return nil, err
	}
	doc = map[string]any{}
	if sv != nil && sv.Value != "" {
		if err := json.Unmarshal([]byte(sv.Value), &doc); err != nil {
			return nil, domain.Persistence("root storage", fmt.Errorf("decode %s: %w", StorageKey(r.Name()), err))
		}
	}
	r.mu.Lock()
	r.doc = doc
	if p, ok := doc[domain.MetaProcess].(string); ok && p != "" {
		r.process = p
	}
	if s, ok := doc[domain.MetaState].(string); ok {
		r.state = s
	}
	r.mu.Unlock()
	return maps.Clone(doc), nil
}

func storageValue(f *config.FieldConf, v any) any {
	if t, ok := v.(time.Time); ok {
		if f.Datatype == config.Date {
			return t.Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

func storageFile(f *domain.File) map[string]any {
	return map[string]any{
		"filename":  f.Filename,
		"size":      f.Size,
		"file-id":   f.FileID,
		"extension": f.Extension,
	}
}

// Values returns the declared root fields, files included, and the system
// fields of the storage document.
func (r *Root) Values(ctx context.Context) (domain.Values, error) {
	doc, err := r.storage(ctx)
	if err != nil {
		return nil, err
	}
	files, err := r.app.Pool.OwnerFiles(ctx, 0, r.filePrefix())
	if err != nil {
		return nil, err
	}
	out := domain.Values{
		domain.MetaProcess:   r.ProcessID(),
		domain.MetaState:     r.StateID(),
		domain.MetaChangedBy: doc[domain.MetaChangedBy],
	}
	if s, ok := doc[domain.MetaChanged].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			out[domain.MetaChanged] = t
		}
	}
	for _, f := range r.conf.Data {
		if f.Datatype == config.File {
			if fh, ok := files[r.filePrefix()+f.ID]; ok {
				out[f.ID] = fh
			} else {
				out[f.ID] = nil
			}
			continue
		}
		raw, ok := doc[f.ID]
		if !ok {
			out[f.ID] = f.DefaultValue()
			continue
		}
		if s, isStr := raw.(string); isStr && f.Datatype == config.Binary {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				out[f.ID] = b
				continue
			}
		}
		v, err := f.Coerce(raw)
		if err != nil {
			v = raw
		}
		out[f.ID] = v
	}
	return out, nil
}

// GetFld returns one declared root field.
func (r *Root) GetFld(ctx context.Context, id string) (any, error) {
	vals, err := r.Values(ctx)
	if err != nil {
		return nil, err
	}
	return vals[id], nil
}

// Update writes declared root fields to the storage document.
func (r *Root) Update(ctx context.Context, values domain.Values, u domain.User, opts Options) error {
	if err := r.enforce("edit", u); err != nil {
		return err
	}
	if err := r.permit(ctx, "edit", u); err != nil {
		return err
	}
	ctx, err := r.app.begin(ctx, opts.NoCommit)
	if err != nil {
		return err
	}
	err = r.update(ctx, values, u)
	if err == nil {
		err = r.app.Pool.Commit(ctx)
	}
	if err != nil {
		r.app.rollback(ctx, r)
		return err
	}
	return nil
}

func (r *Root) update(ctx context.Context, values domain.Values, u domain.User) error {
	if err := r.app.signal(ctx, r, events.Update, events.Signal{User: u, TypeID: r.TypeID(), Data: values}); err != nil {
		return err
	}
	doc, err := r.storage(ctx)
	if err != nil {
		return err
	}
	var written []string
	for _, f := range r.conf.Data {
		v, ok := values[f.ID]
		if !ok || f.Readonly {
			continue
		}
		c, err := f.Coerce(v)
		if err != nil {
			return domain.InvalidValueError{Field: f.ID, Reason: err.Error()}
		}
		if f.Datatype == config.File {
			fh, err := r.commitFile(ctx, f.ID, c)
			if err != nil {
				return err
			}
			if fh == nil {
				continue
			}
			doc[f.ID] = storageFile(fh)
		} else {
			doc[f.ID] = storageValue(f, c)
		}
		written = append(written, f.ID)
	}
	if _, err := r.app.fire(ctx, r, "edit", u); err != nil {
		return err
	}
	if err := r.save(ctx, doc, u); err != nil {
		return err
	}
	return r.app.audit(ctx, "root.update", r.Name(), 0, u, map[string]any{"fields": written})
}

func (r *Root) commitFile(ctx context.Context, key string, v any) (*domain.File, error) {
	switch up := v.(type) {
	case domain.Upload:
		return r.app.Pool.CommitOwnerFile(ctx, 0, r.filePrefix()+key, up)
	case *domain.File:
		rc, err := up.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return r.app.Pool.CommitOwnerFile(ctx, 0, r.filePrefix()+key, domain.Upload{Filename: up.Filename, Reader: rc})
	}
	return nil, nil
}

func (r *Root) save(ctx context.Context, doc map[string]any, u domain.User) error {
	doc[domain.MetaProcess] = r.ProcessID()
	doc[domain.MetaState] = r.StateID()
	doc[domain.MetaChanged] = r.app.now().UTC().Format(time.RFC3339)
	doc[domain.MetaChangedBy] = u.ID
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.Persistence("root storage", err)
	}
	if err := r.app.Pool.StoreSys(ctx, StorageKey(r.Name()), string(raw)); err != nil {
		return err
	}
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	return nil
}

func (r *Root) persist(ctx context.Context, u domain.User) error {
	doc, err := r.storage(ctx)
	if err != nil {
		return err
	}
	return r.save(ctx, doc, u)
}
