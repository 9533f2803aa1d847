package engine

import (
	"fmt"
	"strconv"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

const loginFailureKey = "login_attempt_failure"

type rateRule struct {
	max    int
	window time.Duration
}

// RateLimiter counts events per (actor, logical kind) in a sliding window
// and compares the count against a role-scoped threshold.
type RateLimiter struct {
	rules map[string]map[model.Role]rateRule
	state *DetectorState
}

func newRateLimiter(cfg config.DetectionConfig, state *DetectorState) *RateLimiter {
	rules := make(map[string]map[model.Role]rateRule, len(cfg.RateLimits))
	for key, byRole := range cfg.RateLimits {
		m := make(map[model.Role]rateRule, len(byRole))
		for role, r := range byRole {
			m[model.ParseRole(role)] = rateRule{max: r.Max, window: r.Window}
		}
		rules[key] = m
	}
	return &RateLimiter{rules: rules, state: state}
}

func rateKeyFor(ev model.Event) string {
	if ev.Kind == model.KindLoginAttempt && ev.Status() == model.StatusFailure {
		return loginFailureKey
	}
	return ev.Kind
}

func (r *RateLimiter) check(x *evaluation) bool {
	ev := x.ev
	key := rateKeyFor(ev)
	byRole, ok := r.rules[key]
	if !ok {
		return false
	}
	rule, ok := byRole[ev.Role]
	if !ok {
		return false
	}
	window := getOrCreate(r.state.rates, rateKey{actorID: ev.ActorID, key: key}, NewRateWindow)
	if last, ok := window.Last(); ok && ev.Timestamp.Before(last) {
		x.outOfOrder("rate", key)
		return false
	}
	window.Evict(ev.Timestamp.Add(-rule.window))
	window.Add(ev.Timestamp)
	n := window.Len()
	if n <= rule.max {
		return false
	}
	x.emit(model.SeverityAlert, "rate",
		fmt.Sprintf("Too many %s events by %s from %s (%d in %s)", key, ev.ActorID, ev.SourceID, n, rule.window),
		map[string]string{
			"rate_key": key,
			"count":    strconv.Itoa(n),
			"max":      strconv.Itoa(rule.max),
			"window":   rule.window.String(),
		})
	return true
}
