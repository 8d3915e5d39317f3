package admission

import "schoolgate.org/internal/ledger"

type edge struct {
	from, to ledger.State
}

// transitions is the only source of truth for lifecycle moves and who may perform them.
var transitions = map[edge][]ledger.Role{
	{ledger.StateNone, ledger.StateDraftEnrolled}:            {ledger.RoleEnrollment, ledger.RoleAdmin},
	{ledger.StateDraftEnrolled, ledger.StateFinanceApproved}: {ledger.RoleFinance},
	{ledger.StateFinanceApproved, ledger.StateActive}:        {ledger.RoleTeacher},
	{ledger.StateActive, ledger.StateDeactivated}:            {ledger.RoleAdmin},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to ledger.State) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// RolesInto returns the roles that may move an account into state to.
// Every target state has exactly one inbound edge.
func RolesInto(to ledger.State) []ledger.Role {
	for e, roles := range transitions {
		if e.to == to {
			return roles
		}
	}
	return nil
}

// Can reports whether actor holds a role owning the from -> to edge.
func Can(actor Actor, from, to ledger.State) bool {
	roles, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	_, ok = actor.roleIn(roles)
	return ok
}

// Actor is the caller performing a lifecycle operation.
type Actor struct {
	ID    string
	Roles []ledger.Role
}

func (a Actor) roleIn(allowed []ledger.Role) (ledger.Role, bool) {
	for _, want := range allowed {
		for _, have := range a.Roles {
			if have == want {
				return want, true
			}
		}
	}
	return "", false
}
