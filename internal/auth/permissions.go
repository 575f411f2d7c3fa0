package auth

import "sort"

// Action names an operation guarded by a Policy.
type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionDeactivate  Action = "deactivate"
	ActionManage      Action = "manage"
	ActionCheckIn     Action = "check-in"
	ActionCheckOut    Action = "check-out"
	ActionHistory     Action = "history"
	ActionUserHistory Action = "user-history"
	ActionReport      Action = "report"
	ActionStatistics  Action = "statistics"
	ActionExport      Action = "export"
)

// Policy maps actions on one resource to role predicates. Unknown actions are denied.
type Policy struct {
	Resource string
	rules    map[Action]Predicate
}

func NewPolicy(resource string, rules map[Action]Predicate) Policy {
	copied := make(map[Action]Predicate, len(rules))
	for a, p := range rules {
		copied[a] = p
	}
	return Policy{Resource: resource, rules: copied}
}

func (p Policy) Allows(principal Principal, action Action) bool {
	pred, ok := p.rules[action]
	return ok && pred != nil && pred(principal.Roles)
}

// Authorize returns ErrForbidden when Allows is false.
func (p Policy) Authorize(principal Principal, action Action) error {
	if !p.Allows(principal, action) {
		return ErrForbidden
	}
	return nil
}

// Actions lists the actions the policy knows, sorted.
func (p Policy) Actions() []Action {
	out := make([]Action, 0, len(p.rules))
	for a := range p.rules {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	teacherOrSuper = AnyOf(RoleGuru, RoleSuperadmin)
	superOnly      = AnyOf(RoleSuperadmin)
	adminOnly      = AnyOf(RoleAdmin)
)

// Built-in policies for the back-office resources.
var (
	AcademicPolicy = NewPolicy("academic", map[Action]Predicate{
		ActionCreate: teacherOrSuper,
		ActionUpdate: teacherOrSuper,
		ActionDelete: superOnly,
		ActionRead:   AnyOf(RoleGuru, RoleSuperadmin, RoleOrtu),
	})

	PointsPolicy = NewPolicy("points", map[Action]Predicate{
		ActionCreate: teacherOrSuper,
		ActionUpdate: teacherOrSuper,
		ActionDelete: superOnly,
		ActionRead:   AnyOf(RoleGuru, RoleSuperadmin, RoleOrtu, RoleSiswa),
	})

	AttendancePolicy = NewPolicy("attendance", map[Action]Predicate{
		ActionCheckIn:     AnyOf(RoleGuru, RoleSiswa),
		ActionCheckOut:    AnyOf(RoleGuru),
		ActionHistory:     AnyOf(RoleGuru, RoleSiswa),
		ActionUserHistory: teacherOrSuper,
		ActionReport:      teacherOrSuper,
		ActionStatistics:  teacherOrSuper,
		ActionExport:      teacherOrSuper,
		ActionUpdate:      superOnly,
		ActionDelete:      superOnly,
	})

	SalarySlipPolicy = NewPolicy("salary-slips", map[Action]Predicate{
		ActionCreate: adminOnly,
		ActionUpdate: adminOnly,
		ActionDelete: adminOnly,
		ActionRead:   AnyOf(RoleAdmin, RoleGuru),
	})

	QuotePolicy = NewPolicy("quotes", map[Action]Predicate{
		ActionCreate: superOnly,
		ActionUpdate: superOnly,
		ActionDelete: superOnly,
	})

	StudentPolicy = NewPolicy("students", map[Action]Predicate{
		ActionManage: superOnly,
	})

	TeacherPolicy = NewPolicy("teachers", map[Action]Predicate{
		ActionRead: adminOnly,
	})

	IdentityPolicy = NewPolicy("identities", map[Action]Predicate{
		ActionCreate:     AnyOf(RoleSuperadmin, RoleAdmin),
		ActionRead:       AnyOf(RoleSuperadmin, RoleAdmin),
		ActionUpdate:     AnyOf(RoleSuperadmin, RoleAdmin),
		ActionDeactivate: AnyOf(RoleSuperadmin, RoleAdmin),
		ActionDelete:     superOnly,
	})
)

// BuiltinPolicies indexes the built-in policies by resource name.
var BuiltinPolicies = map[string]Policy{
	AcademicPolicy.Resource:   AcademicPolicy,
	PointsPolicy.Resource:     PointsPolicy,
	AttendancePolicy.Resource: AttendancePolicy,
	SalarySlipPolicy.Resource: SalarySlipPolicy,
	QuotePolicy.Resource:      QuotePolicy,
	StudentPolicy.Resource:    StudentPolicy,
	TeacherPolicy.Resource:    TeacherPolicy,
	IdentityPolicy.Resource:   IdentityPolicy,
}
