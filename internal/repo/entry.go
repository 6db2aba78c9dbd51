package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"contentline/internal/domain"
)

// entry is the row handle of one object.
type entry struct {
	pool  *Pool
	id    int64
	table string
	isNew bool

	meta, data         domain.Values
	origMeta, origData domain.Values
	dirtyMeta          map[string]bool
	dirtyData          map[string]bool
	fulltext           *string
}

var _ domain.Entry = (*entry)(nil)

func (e *entry) ID() int64           { return e.id }
func (e *entry) Table() string       { return e.table }
func (e *entry) Meta() domain.Values { return e.meta }
func (e *entry) Data() domain.Values { return e.data }

func (e *entry) SetMeta(key string, value any) {
	e.meta[key] = value
	e.dirtyMeta[key] = true
}

func (e *entry) SetData(key string, value any) {
	e.data[key] = value
	e.dirtyData[key] = true
}

func (e *entry) SetFulltext(text string) {
	e.fulltext = &text
}

// Undo discards buffered changes.
func (e *entry) Undo() {
	e.meta = e.origMeta.Clone()
	e.data = e.origData.Clone()
	e.dirtyMeta = map[string]bool{}
	e.dirtyData = map[string]bool{}
	e.fulltext = nil
}

func (e *entry) Clone() domain.Entry {
	c := *e
	c.meta, c.data = e.meta.Clone(), e.data.Clone()
	c.origMeta, c.origData = e.origMeta.Clone(), e.origData.Clone()
	c.dirtyMeta, c.dirtyData = cloneFlags(e.dirtyMeta), cloneFlags(e.dirtyData)
	if e.fulltext != nil {
		text := *e.fulltext
		c.fulltext = &text
	}
	return &c
}

func cloneFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Commit writes buffered meta and data changes and stamps the change
// columns. A new entry also gets its creation stamps.
func (e *entry) Commit(ctx context.Context, userID string) error {
	now := e.pool.now()
	if e.isNew {
		e.SetMeta(domain.MetaCreated, now)
		if e.meta.String(domain.MetaCreatedBy) == "" {
			e.SetMeta(domain.MetaCreatedBy, userID)
		}
	}
	e.SetMeta(domain.MetaChanged, now)
	e.SetMeta(domain.MetaChangedBy, userID)

	st := e.pool.getStructure()
	err := e.pool.within(ctx, func(ctx context.Context) error {
		if err := e.update(ctx, "meta", e.id, e.meta, e.dirtyMeta, func(k string) bool {
			return st.HasColumn("", k) && k != domain.MetaID && k != domain.MetaDataRef && k != domain.MetaDataTable
		}); err != nil {
			return err
		}
		dataRef := e.meta.Int(domain.MetaDataRef)
		if err := e.update(ctx, e.table, dataRef, e.data, e.dirtyData, func(k string) bool {
			return st.HasColumn(e.table, k)
		}); err != nil {
			return err
		}
		if e.fulltext != nil {
			if _, err := e.pool.q(ctx).ExecContext(ctx, `INSERT INTO fulltext(id,text) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET text=excluded.text`, e.id, strings.ToLower(*e.fulltext)); err != nil {
				return fmt.Errorf("fulltext: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Persistence("commit entry", err)
	}
	e.isNew = false
	e.origMeta = e.meta.Clone()
	e.origData = e.data.Clone()
	e.dirtyMeta = map[string]bool{}
	e.dirtyData = map[string]bool{}
	e.fulltext = nil
	return nil
}

func (e *entry) update(ctx context.Context, table string, rowID int64, vals domain.Values, dirty map[string]bool, known func(string) bool) error {
	keys := make([]string, 0, len(dirty))
	for k := range dirty {
		if !known(k) {
			return fmt.Errorf("unknown column %s.%s", table, k)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = k + "=?"
		args = append(args, encodeArg(vals[k]))
	}
	args = append(args, rowID)
	_, err := e.pool.q(ctx).ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, table, strings.Join(sets, ",")), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// CreateEntry allocates a data row in table and a meta row pointing to it.
func (p *Pool) CreateEntry(ctx context.Context, table string) (domain.Entry, error) {
	if _, ok := p.getStructure().Tables[table]; !ok {
		return nil, domain.Persistence("create entry", fmt.Errorf("data table %q is not part of the structure", table))
	}
	var e *entry
	err := p.within(ctx, func(ctx context.Context) error {
		res, err := p.q(ctx).ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, table))
		if err != nil {
			return fmt.Errorf("insert data row: %w", err)
		}
		dataRef, err := res.LastInsertId()
		if err != nil {
			return err
		}
		now := p.now()
		res, err = p.q(ctx).ExecContext(ctx, `INSERT INTO meta(type,data_ref,data_table,created,changed) VALUES ('',?,?,?,?)`,
			dataRef, table, formatTS(now), formatTS(now))
		if err != nil {
			return fmt.Errorf("insert meta row: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e, err = p.load(ctx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("meta row %d vanished", id)
		}
		e.isNew = true
		return nil
	})
	if err != nil {
		return nil, domain.Persistence("create entry", err)
	}
	return e, nil
}

// GetEntry returns nil when id does not exist.
func (p *Pool) GetEntry(ctx context.Context, id int64) (domain.Entry, error) {
	e, err := p.load(ctx, id)
	if err != nil {
		return nil, domain.Persistence("get entry", err)
	}
	if e == nil {
		return nil, nil
	}
	return e, nil
}

func (p *Pool) load(ctx context.Context, id int64) (*entry, error) {
	batch, err := p.loadBatch(ctx, []int64{id})
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return batch[0], nil
}

// GetBatch loads entries in the order of ids, skipping missing ones.
func (p *Pool) GetBatch(ctx context.Context, ids []int64) ([]domain.Entry, error) {
	batch, err := p.loadBatch(ctx, ids)
	if err != nil {
		return nil, domain.Persistence("get batch", err)
	}
	out := make([]domain.Entry, len(batch))
	for i, e := range batch {
		out[i] = e
	}
	return out, nil
}

func (p *Pool) loadBatch(ctx context.Context, ids []int64) ([]*entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	cols := p.metaColumns()
	rows, err := p.q(ctx).QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM meta WHERE id IN (%s)`, strings.Join(cols, ","), placeholders(len(ids))), args...)
	if err != nil {
		return nil, err
	}
	metas, err := scanValues(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*entry, len(metas))
	refs := map[string][]int64{}
	for _, m := range metas {
		m[domain.MetaCreated] = parseTS(m[domain.MetaCreated])
		m[domain.MetaChanged] = parseTS(m[domain.MetaChanged])
		e := &entry{
			pool:      p,
			id:        m.Int(domain.MetaID),
			table:     m.String(domain.MetaDataTable),
			meta:      m,
			data:      domain.Values{},
			dirtyMeta: map[string]bool{},
			dirtyData: map[string]bool{},
		}
		byID[e.id] = e
		refs[e.table] = append(refs[e.table], m.Int(domain.MetaDataRef))
	}
	for table, dataRefs := range refs {
		if err := p.loadData(ctx, table, dataRefs, byID); err != nil {
			return nil, err
		}
	}
	out := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			continue
		}
		e.origMeta = e.meta.Clone()
		e.origData = e.data.Clone()
		out = append(out, e)
	}
	return out, nil
}

func (p *Pool) loadData(ctx context.Context, table string, refs []int64, byID map[int64]*entry) error {
	if !validIdent(table) {
		return fmt.Errorf("invalid data table %q", table)
	}
	args := make([]any, len(refs))
	for i, r := range refs {
		args[i] = r
	}
	rows, err := p.q(ctx).QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE id IN (%s)`, table, placeholders(len(refs))), args...)
	if err != nil {
		return fmt.Errorf("load %s: %w", table, err)
	}
	datas, err := scanValues(rows)
	if err != nil {
		return err
	}
	byRef := make(map[int64]domain.Values, len(datas))
	for _, d := range datas {
		ref := d.Int("id")
		delete(d, "id")
		byRef[ref] = d
	}
	for _, e := range byID {
		if e.table != table {
			continue
		}
		if d, ok := byRef[e.meta.Int(domain.MetaDataRef)]; ok {
			e.data = d
		}
	}
	return nil
}

// DeleteEntry removes the meta row, the data row, files, the fulltext row and
// the local groups of id. Children are not touched.
func (p *Pool) DeleteEntry(ctx context.Context, id int64) error {
	err := p.within(ctx, func(ctx context.Context) error {
		row, err := queryRow(ctx, p.q(ctx), `SELECT data_table,data_ref FROM meta WHERE id=?`, id)
		if err != nil {
			return err
		}
		var (
			table string
			ref   int64
		)
		if err := row.Scan(&table, &ref); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("object", id)
			}
			return err
		}
		if validIdent(table) {
			if _, err := p.q(ctx).ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), ref); err != nil {
				return fmt.Errorf("delete data row: %w", err)
			}
		}
		if err := p.deleteOwnerFiles(ctx, id, ""); err != nil {
			return err
		}
		if _, err := p.q(ctx).ExecContext(ctx, `DELETE FROM fulltext WHERE id=?`, id); err != nil {
			return err
		}
		if err := p.DeleteLocalGroups(ctx, strconv.FormatInt(id, 10)); err != nil {
			return err
		}
		_, err = p.q(ctx).ExecContext(ctx, `DELETE FROM meta WHERE id=?`, id)
		return err
	})
	return domain.Persistence("delete entry", err)
}
