package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"contentline/internal/domain"
)

func (p *Pool) blobPath(fileID string) string {
	return filepath.Join(p.FileRoot, fileID[:2], fileID)
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func (p *Pool) fileHandle(f *domain.File) *domain.File {
	path := f.Path
	f.Opener = func() (io.ReadCloser, error) {
		fh, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("file", f.FileID)
		}
		return fh, err
	}
	return f
}

func (p *Pool) scanFiles(rows *sql.Rows) ([]*domain.File, error) {
	defer rows.Close()
	var out []*domain.File
	for rows.Next() {
		var (
			f       domain.File
			created string
		)
		if err := rows.Scan(&f.ObjectID, &f.Key, &f.FileID, &f.Filename, &f.Size, &f.Extension, &f.Path, &created); err != nil {
			return nil, err
		}
		if t, ok := parseTS(created).(time.Time); ok {
			f.Created = t
		}
		out = append(out, p.fileHandle(&f))
	}
	return out, rows.Err()
}

const fileColumns = `object_id,key,file_id,filename,size,extension,path,created`

// OwnerFiles returns the files of owner whose key starts with prefix.
func (p *Pool) OwnerFiles(ctx context.Context, owner int64, prefix string) (map[string]*domain.File, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE object_id=? AND substr(key,1,?)=? ORDER BY key`,
		owner, len(prefix), prefix)
	if err != nil {
		return nil, domain.Persistence("files", err)
	}
	list, err := p.scanFiles(rows)
	if err != nil {
		return nil, domain.Persistence("files", err)
	}
	out := make(map[string]*domain.File, len(list))
	for _, f := range list {
		out[f.Key] = f
	}
	return out, nil
}

func (p *Pool) ownerFile(ctx context.Context, owner int64, key string) (*domain.File, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE object_id=? AND key=?`, owner, key)
	if err != nil {
		return nil, err
	}
	list, err := p.scanFiles(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// CommitOwnerFile stores up as the blob of (owner, key), replacing any
// previous blob. The old blob is removed when the transaction commits.
func (p *Pool) CommitOwnerFile(ctx context.Context, owner int64, key string, up domain.Upload) (*domain.File, error) {
	if up.Reader == nil {
		return nil, domain.Persistence("commit file", fmt.Errorf("no data for %s", key))
	}
	fileID := uuid.NewString()
	path := p.blobPath(fileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.Persistence("commit file", err)
	}
	fh, err := os.Create(path)
	if err != nil {
		return nil, domain.Persistence("commit file", err)
	}
	p.written(ctx, path)
	size, err := io.Copy(fh, up.Reader)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, domain.Persistence("commit file", err)
	}
	f := &domain.File{
		ObjectID:  owner,
		Key:       key,
		FileID:    fileID,
		Filename:  up.Filename,
		Size:      size,
		Extension: extension(up.Filename),
		Path:      path,
		Created:   p.now(),
	}
	err = p.within(ctx, func(ctx context.Context) error {
		old, err := p.ownerFile(ctx, owner, key)
		if err != nil {
			return err
		}
		if _, err := p.q(ctx).ExecContext(ctx, `INSERT INTO files(`+fileColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(object_id,key) DO UPDATE SET file_id=excluded.file_id, filename=excluded.filename, size=excluded.size,
extension=excluded.extension, path=excluded.path, created=excluded.created`,
			f.ObjectID, f.Key, f.FileID, f.Filename, f.Size, f.Extension, f.Path, formatTS(f.Created)); err != nil {
			return err
		}
		if old != nil {
			p.orphan(ctx, old.Path)
		}
		return nil
	})
	if err != nil {
		if state(ctx) == nil {
			os.Remove(path)
		}
		return nil, domain.Persistence("commit file", err)
	}
	return p.fileHandle(f), nil
}

func (p *Pool) deleteOwnerFiles(ctx context.Context, owner int64, key string) error {
	query := `SELECT ` + fileColumns + ` FROM files WHERE object_id=?`
	args := []any{owner}
	if key != "" {
		query += ` AND key=?`
		args = append(args, key)
	}
	rows, err := p.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	list, err := p.scanFiles(rows)
	if err != nil {
		return err
	}
	for _, f := range list {
		if _, err := p.q(ctx).ExecContext(ctx, `DELETE FROM files WHERE object_id=? AND key=?`, f.ObjectID, f.Key); err != nil {
			return err
		}
		p.orphan(ctx, f.Path)
	}
	return nil
}

func (e *entry) Files(ctx context.Context) (map[string]*domain.File, error) {
	return e.pool.OwnerFiles(ctx, e.id, "")
}

// GetFile returns nil when key holds no file.
func (e *entry) GetFile(ctx context.Context, key string) (*domain.File, error) {
	f, err := e.pool.ownerFile(ctx, e.id, key)
	if err != nil {
		return nil, domain.Persistence("get file", err)
	}
	return f, nil
}

func (e *entry) CommitFile(ctx context.Context, key string, up domain.Upload) (*domain.File, error) {
	return e.pool.CommitOwnerFile(ctx, e.id, key, up)
}

func (e *entry) DeleteFile(ctx context.Context, key string) error {
	return domain.Persistence("delete file", e.pool.within(ctx, func(ctx context.Context) error {
		return e.pool.deleteOwnerFiles(ctx, e.id, key)
	}))
}

func (e *entry) RenameFile(ctx context.Context, key, filename string) error {
	res, err := e.pool.q(ctx).ExecContext(ctx, `UPDATE files SET filename=?, extension=? WHERE object_id=? AND key=?`,
		filename, extension(filename), e.id, key)
	if err != nil {
		return domain.Persistence("rename file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("file", key)
	}
	return nil
}
