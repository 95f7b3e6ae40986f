// Package rbac maps room membership roles to the thread actions they allow.
package rbac

import "slices"

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionResolve Action = "resolve"
	ActionDelete  Action = "delete"
)

// grants lists roles from least to most privileged; each role inherits the
// actions of the roles before it.
var grants = []struct {
	role    Role
	actions []Action
}{
	{RoleViewer, []Action{ActionRead}},
	{RoleCommenter, []Action{ActionComment, ActionResolve}},
	{RoleEditor, []Action{ActionDelete}},
	{RoleAdmin, nil},
}

// Can reports whether role may perform action. Unknown roles may do nothing.
func Can(role Role, action Action) bool {
	for _, g := range grants {
		if slices.Contains(g.actions, action) {
			return true
		}
		if g.role == role {
			return false
		}
	}
	return false
}

// Allowed returns every action role may perform.
func Allowed(role Role) []Action {
	var out []Action
	for _, g := range grants {
		out = append(out, g.actions...)
		if g.role == role {
			return out
		}
	}
	return nil
}

// Normalize parses a stored role, treating anything unrecognized as viewer.
func Normalize(role string) Role {
	for _, g := range grants {
		if string(g.role) == role {
			return g.role
		}
	}
	return RoleViewer
}
