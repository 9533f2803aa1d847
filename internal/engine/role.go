package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

// RoleFilter applies the static authorization and time-of-day policy.
type RoleFilter struct {
	loc        *time.Location
	startHour  int
	endHour    int
	privileged map[string]map[model.Role]struct{}
}

func newRoleFilter(cfg config.DetectionConfig) *RoleFilter {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.Local
	}
	return &RoleFilter{
		loc:        loc,
		startHour:  cfg.BusinessHours.Start,
		endHour:    cfg.BusinessHours.End,
		privileged: buildRoleSets(cfg.PrivilegedActions),
	}
}

func buildRoleSets(values map[string][]string) map[string]map[model.Role]struct{} {
	out := make(map[string]map[model.Role]struct{}, len(values))
	for kind, roles := range values {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		set := make(map[model.Role]struct{}, len(roles))
		for _, r := range roles {
			role := model.ParseRole(r)
			if role == "" {
				continue
			}
			set[role] = struct{}{}
		}
		out[kind] = set
	}
	return out
}

func (f *RoleFilter) businessHours(ts time.Time) bool {
	hour := ts.In(f.loc).Hour()
	return hour >= f.startHour && hour < f.endHour
}

func (f *RoleFilter) check(x *evaluation) bool {
	ev := x.ev
	if ev.Kind == model.KindLoginAttempt && ev.Status() == model.StatusSuccess {
		return f.checkLogin(x)
	}
	allowed, ok := f.privileged[ev.Kind]
	if !ok {
		return false
	}
	if _, ok := allowed[ev.Role]; ok {
		x.emit(model.SeverityInfo, "role",
			fmt.Sprintf("User %s with role %s triggered %s", ev.ActorID, ev.Role, ev.Kind), nil)
		return false
	}
	x.emit(model.SeverityAlert, "role",
		fmt.Sprintf("User %s with role %s tried to trigger %s", ev.ActorID, ev.Role, ev.Kind),
		map[string]string{"allowed_roles": joinRoles(allowed)})
	return true
}

func (f *RoleFilter) checkLogin(x *evaluation) bool {
	ev := x.ev
	switch ev.Role {
	case model.RoleUser:
		x.emit(model.SeverityInfo, "role", fmt.Sprintf("User %s with role %s logged in", ev.ActorID, ev.Role), nil)
		return false
	case model.RoleAdmin, model.RoleManager:
	default:
		return false
	}
	if f.businessHours(ev.Timestamp) {
		x.emit(model.SeverityInfo, "role",
			fmt.Sprintf("User %s with role %s logged in during business hours", ev.ActorID, ev.Role), nil)
		return false
	}
	if x.newSource() {
		x.emit(model.SeverityAlert, "role",
			fmt.Sprintf("After-hours login by %s %s from new source %s", ev.Role, ev.ActorID, ev.SourceID),
			map[string]string{"local_time": ev.Timestamp.In(f.loc).Format(time.Kitchen)})
		return true
	}
	x.emit(model.SeverityInfo, "role",
		fmt.Sprintf("After-hours login by %s %s from known source %s", ev.Role, ev.ActorID, ev.SourceID), nil)
	return false
}

func joinRoles(set map[model.Role]struct{}) string {
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
