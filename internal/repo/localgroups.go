package repo

import (
	"context"
	"strings"

	"contentline/internal/domain"
)

// LocalGroups returns the grants of every security id given.
func (p *Pool) LocalGroups(ctx context.Context, securityIDs ...string) ([]domain.LocalGroup, error) {
	if len(securityIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(securityIDs))
	for i, id := range securityIDs {
		args[i] = id
	}
	rows, err := p.q(ctx).QueryContext(ctx, `SELECT security_id,principal_id,group_id FROM local_groups WHERE security_id IN (`+placeholders(len(args))+`)
ORDER BY security_id,principal_id,group_id`, args...)
	if err != nil {
		return nil, domain.Persistence("local groups", err)
	}
	defer rows.Close()
	var res []domain.LocalGroup
	for rows.Next() {
		var g domain.LocalGroup
		if err := rows.Scan(&g.SecurityID, &g.PrincipalID, &g.Group); err != nil {
			return nil, domain.Persistence("local groups", err)
		}
		res = append(res, g)
	}
	return res, domain.Persistence("local groups", rows.Err())
}

func validGrant(g domain.LocalGroup) error {
	if strings.TrimSpace(g.SecurityID) == "" || strings.TrimSpace(g.PrincipalID) == "" || strings.TrimSpace(g.Group) == "" {
		return domain.ConfigurationError{UID: "local_group", Reason: "security id, principal and group are required"}
	}
	return nil
}

func (p *Pool) AddLocalGroup(ctx context.Context, g domain.LocalGroup) error {
	if err := validGrant(g); err != nil {
		return err
	}
	_, err := p.q(ctx).ExecContext(ctx, `INSERT OR IGNORE INTO local_groups(security_id,principal_id,group_id) VALUES (?,?,?)`,
		g.SecurityID, g.PrincipalID, g.Group)
	return domain.Persistence("add local group", err)
}

func (p *Pool) RemoveLocalGroup(ctx context.Context, g domain.LocalGroup) error {
	_, err := p.q(ctx).ExecContext(ctx, `DELETE FROM local_groups WHERE security_id=? AND principal_id=? AND group_id=?`,
		g.SecurityID, g.PrincipalID, g.Group)
	return domain.Persistence("remove local group", err)
}

func (p *Pool) DeleteLocalGroups(ctx context.Context, securityID string) error {
	_, err := p.q(ctx).ExecContext(ctx, `DELETE FROM local_groups WHERE security_id=?`, securityID)
	return domain.Persistence("delete local groups", err)
}
