package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"contentline/internal/domain"
	"contentline/internal/events"
)

// AppendEvent writes an audit row in the transaction carried by ctx.
func (p *Pool) AppendEvent(ctx context.Context, evtType, rootID, entityKind, entityID, actorID string, payload map[string]any) error {
	w := p.Events
	if w.Now == nil {
		w.Now = p.now
	}
	return domain.Persistence("append event", w.Append(ctx, p.q(ctx), evtType, rootID, entityKind, entityID, actorID, events.EventPayload(payload)))
}

// LatestEvents lists events newest first.
func (p *Pool) LatestEvents(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RootID != "" {
		clauses = append(clauses, "root_id=?")
		args = append(args, f.RootID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(root_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := p.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persistence("events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RootID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, domain.Persistence("events", err)
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, domain.Persistence("events", rows.Err())
}
