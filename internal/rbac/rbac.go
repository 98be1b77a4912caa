package rbac

import "sort"

// Rules is the static permission table: which actions and modules each global
// role may use, plus a coarse hierarchy rank for the roles themselves. A Rules
// value is built once at startup and never mutated afterwards; evaluation is a
// pure map lookup.
type Rules struct {
	actions map[string]map[string]struct{}
	modules map[string]map[string]struct{}
	ranks   map[string]int
}

// Table is the serializable form of the permission table, normally decoded
// from the service config.
type Table struct {
	Actions map[string][]string `yaml:"actions" json:"actions"`
	Modules map[string][]string `yaml:"modules" json:"modules"`
	Ranks   map[string]int      `yaml:"ranks" json:"ranks"`
}

// New freezes a Table into an immutable Rules value. The input maps are
// copied; the caller may discard or mutate the Table afterwards.
func New(t Table) *Rules {
	r := &Rules{
		actions: make(map[string]map[string]struct{}, len(t.Actions)),
		modules: make(map[string]map[string]struct{}, len(t.Modules)),
		ranks:   make(map[string]int, len(t.Ranks)),
	}
	for role, actions := range t.Actions {
		set := make(map[string]struct{}, len(actions))
		for _, a := range actions {
			set[a] = struct{}{}
		}
		r.actions[role] = set
	}
	for role, modules := range t.Modules {
		set := make(map[string]struct{}, len(modules))
		for _, m := range modules {
			set[m] = struct{}{}
		}
		r.modules[role] = set
	}
	for role, rank := range t.Ranks {
		r.ranks[role] = rank
	}
	return r
}

// HasActionPermission reports whether the role is granted the action. Unknown
// roles and unknown actions are simply "no evidence of grant": false, never an
// error.
func (r *Rules) HasActionPermission(role, action string) bool {
	set, ok := r.actions[role]
	if !ok {
		return false
	}
	_, ok = set[action]
	return ok
}

// HasModuleAccess reports whether the role may use the module at all.
func (r *Rules) HasModuleAccess(role, module string) bool {
	set, ok := r.modules[role]
	if !ok {
		return false
	}
	_, ok = set[module]
	return ok
}

// UserPermissions returns the sorted action set for a role. Introspection
// only (navigation menus and the like); grants always flow through
// HasActionPermission.
func (r *Rules) UserPermissions(role string) []string {
	return sortedKeys(r.actions[role])
}

// UserModules returns the sorted module set for a role.
func (r *Rules) UserModules(role string) []string {
	return sortedKeys(r.modules[role])
}

// HasMinimumRole reports whether role ranks at or above minimum in the role
// hierarchy. This is independent of the per-action table; callers pick one
// mechanism deliberately, and the action table is authoritative for grants.
func (r *Rules) HasMinimumRole(role, minimum string) bool {
	have, ok := r.ranks[role]
	if !ok {
		return false
	}
	want, ok := r.ranks[minimum]
	if !ok {
		return false
	}
	return have >= want
}

// KnownRole reports whether the role appears anywhere in the table.
func (r *Rules) KnownRole(role string) bool {
	if _, ok := r.ranks[role]; ok {
		return true
	}
	if _, ok := r.actions[role]; ok {
		return true
	}
	_, ok := r.modules[role]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
