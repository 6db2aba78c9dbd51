package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"contentline/internal/domain"
)

func (p *Pool) StoreSys(ctx context.Context, key, value string) error {
	_, err := p.q(ctx).ExecContext(ctx, `INSERT INTO sys(key,value,ts) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, ts=excluded.ts`, key, value, formatTS(p.now()))
	return domain.Persistence("store sys", err)
}

// LoadSys returns nil when key is not stored.
func (p *Pool) LoadSys(ctx context.Context, key string) (*domain.SysValue, error) {
	row, err := queryRow(ctx, p.q(ctx), `SELECT key,value,ts FROM sys WHERE key=?`, key)
	if err != nil {
		return nil, domain.Persistence("load sys", err)
	}
	var (
		v  domain.SysValue
		ts string
	)
	if err := row.Scan(&v.Key, &v.Value, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.Persistence("load sys", err)
	}
	if t, ok := parseTS(ts).(time.Time); ok {
		v.TS = t
	}
	return &v, nil
}

func (p *Pool) DeleteSys(ctx context.Context, key string) error {
	_, err := p.q(ctx).ExecContext(ctx, `DELETE FROM sys WHERE key=?`, key)
	return domain.Persistence("delete sys", err)
}
