package security

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"contentline/internal/config"
	"contentline/internal/domain"
)

// Built-in principals.
const (
	Everyone      = "Everyone"
	Authenticated = "Authenticated"
	// Owner is held by the user that created an object.
	Owner = "group:owner"

	userPrefix  = "user:"
	localPrefix = "local:"
)

// UserPrincipal maps a user id into group space. Ids and group names never
// collide because of the prefix.
func UserPrincipal(id string) string {
	return userPrefix + id
}

// LocalPlaceholder names the holders of a local group in an ACL entry.
func LocalPlaceholder(group string) string {
	return localPrefix + group
}

// EffectiveGroups is everything u holds on an object: Everyone, the user
// principal, its global groups, its local groups and Owner when u created
// the object.
func EffectiveGroups(u domain.User, local []domain.LocalGroup, createdBy string) []string {
	out := []string{Everyone}
	if u.ID == "" {
		return out
	}
	out = append(out, Authenticated, UserPrincipal(u.ID))
	for _, g := range u.Groups {
		if g != "" && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	for _, lg := range local {
		if lg.PrincipalID == u.ID && !slices.Contains(out, lg.Group) {
			out = append(out, lg.Group)
		}
	}
	if createdBy != "" && createdBy == u.ID {
		out = append(out, Owner)
	}
	return out
}

// Resolve expands local placeholders of acl into one entry per user holding
// that local group. Placeholders nobody holds are dropped.
func Resolve(acl config.ACL, local []domain.LocalGroup) config.ACL {
	out := make(config.ACL, 0, len(acl))
	for _, ace := range acl {
		group, ok := strings.CutPrefix(ace.Group, localPrefix)
		if !ok {
			out = append(out, ace)
			continue
		}
		for _, lg := range local {
			if lg.Group != group {
				continue
			}
			out = append(out, config.ACE{Access: ace.Access, Group: UserPrincipal(lg.PrincipalID), Permissions: ace.Permissions})
		}
	}
	return out
}

// Allowed evaluates acl in order: the first entry naming permission and a
// group in groups decides. No match denies.
func Allowed(acl config.ACL, groups []string, permission string) bool {
	for _, ace := range acl {
		if !ace.Matches(permission) {
			continue
		}
		if ace.Group == Everyone || slices.Contains(groups, ace.Group) {
			return ace.Access == config.Allow
		}
	}
	return false
}

// Check is Allowed reported as PermissionDeniedError.
func Check(acl config.ACL, groups []string, permission string, objectID int64, userID string) error {
	if Allowed(acl, groups, permission) {
		return nil
	}
	return domain.PermissionDeniedError{Permission: permission, ObjectID: objectID, UserID: userID}
}

// Permissions lists which of perms acl grants to groups.
func Permissions(acl config.ACL, groups []string, perms ...string) []string {
	var out []string
	for _, p := range perms {
		if Allowed(acl, groups, p) {
			out = append(out, p)
		}
	}
	return out
}

// RootSecurityID is the stable security id of the root named name.
func RootSecurityID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("contentline.root."+name)).String()
}
