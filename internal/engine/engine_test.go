package engine

import (
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"iotguard/internal/config"
	"iotguard/internal/metrics"
	"iotguard/internal/model"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.Timezone = "UTC"
	// keep the inactivity sweep out of tests that do not exercise it
	cfg.Detection.Activity.SweepPeriod = 24 * time.Hour
	return cfg
}

type recorder struct {
	alerts []model.Alert
}

func (r *recorder) Emit(a model.Alert) {
	r.alerts = append(r.alerts, a)
}

func (r *recorder) count(detector string, sev model.Severity) int {
	n := 0
	for _, a := range r.alerts {
		if a.Detector == detector && a.Severity == sev {
			n++
		}
	}
	return n
}

func newEngineForTest(cfg *config.Config) (*Engine, *recorder) {
	rec := &recorder{}
	return NewEngine(cfg, nil, metrics.NewStore(), rec, nil), rec
}

func event(kind string, role model.Role, actor, source string, ts time.Time, payload map[string]any) model.Event {
	return model.Event{Kind: kind, Role: role, ActorID: actor, SourceID: source, Timestamp: ts, Payload: payload}
}

func login(role model.Role, actor, source string, ts time.Time) model.Event {
	return event(model.KindLoginAttempt, role, actor, source, ts, map[string]any{model.PayloadStatus: model.StatusSuccess})
}

func TestRateBoundaryEveryRule(t *testing.T) {
	for key, roles := range config.DefaultRateLimits() {
		for role, rule := range roles {
			t.Run(key+"/"+role, func(t *testing.T) {
				eng, _ := newEngineForTest(testConfig())
				kind := key
				var payload map[string]any
				if key == loginFailureKey {
					kind = model.KindLoginAttempt
					payload = map[string]any{model.PayloadStatus: model.StatusFailure}
				}
				for i := 0; i < rule.Max; i++ {
					ev := event(kind, model.Role(role), "actor", "10.0.0.1", base.Add(time.Duration(i)*time.Second), payload)
					if eng.Evaluate(ev)[model.FlagRate] {
						t.Fatalf("event %d of %d flagged", i+1, rule.Max)
					}
				}
				ev := event(kind, model.Role(role), "actor", "10.0.0.1", base.Add(time.Duration(rule.Max)*time.Second), payload)
				if !eng.Evaluate(ev)[model.FlagRate] {
					t.Fatalf("event %d not flagged", rule.Max+1)
				}
			})
		}
	}
}

func TestRateWindowEdgeIsInclusive(t *testing.T) {
	failure := map[string]any{model.PayloadStatus: model.StatusFailure}
	eng, _ := newEngineForTest(testConfig())
	eng.Evaluate(event(model.KindLoginAttempt, model.RoleUser, "u1", "s", base, failure))
	var flags model.FlagVector
	for i := 0; i < 5; i++ {
		flags = eng.Evaluate(event(model.KindLoginAttempt, model.RoleUser, "u1", "s", base.Add(60*time.Second), failure))
	}
	if !flags[model.FlagRate] {
		t.Fatalf("event exactly one window old should still count")
	}

	eng, _ = newEngineForTest(testConfig())
	eng.Evaluate(event(model.KindLoginAttempt, model.RoleUser, "u1", "s", base, failure))
	for i := 0; i < 5; i++ {
		flags = eng.Evaluate(event(model.KindLoginAttempt, model.RoleUser, "u1", "s", base.Add(60*time.Second+time.Millisecond), failure))
	}
	if flags[model.FlagRate] {
		t.Fatalf("event older than the window should be evicted")
	}
}

func TestRateIsPerActor(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	for i := 0; i < 10; i++ {
		actor := fmt.Sprintf("u%d", i%2)
		if eng.Evaluate(event(model.KindToggleDevice, model.RoleUser, actor, "s", base.Add(time.Duration(i)*time.Second), nil))[model.FlagRate] {
			t.Fatalf("toggle %d flagged", i)
		}
	}
}

func TestRateOutOfOrderRejected(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	eng.Evaluate(event(model.KindPasswordChange, model.RoleUser, "u1", "s", base.Add(10*time.Second), nil))
	if eng.Evaluate(event(model.KindPasswordChange, model.RoleUser, "u1", "s", base, nil))[model.FlagRate] {
		t.Fatalf("out-of-order event flagged")
	}
	w, ok := eng.state.rates.Peek(rateKey{actorID: "u1", key: model.KindPasswordChange})
	if !ok || w.Len() != 1 {
		t.Fatalf("out-of-order event mutated the window")
	}
}

func TestUnknownRoleHasNoRule(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	for i := 0; i < 30; i++ {
		if eng.Evaluate(event(model.KindToggleDevice, model.Role("GUEST"), "g", "s", base.Add(time.Duration(i)*time.Millisecond), nil))[model.FlagRate] {
			t.Fatalf("unknown role flagged by rate limiter")
		}
	}
}

func power(device string, value any, ts time.Time) model.Event {
	return event(model.KindPowerReading, model.RoleUser, "u1", "s", ts, map[string]any{
		model.PayloadDeviceID: device,
		model.PayloadValue:    value,
	})
}

func TestValueSpike(t *testing.T) {
	eng, rec := newEngineForTest(testConfig())
	for i := 0; i < 5; i++ {
		if eng.Evaluate(power("fan1", 100.0, base.Add(time.Duration(i)*time.Second)))[model.FlagValue] {
			t.Fatalf("reading %d flagged", i)
		}
	}
	if !eng.Evaluate(power("fan1", 300.0, base.Add(5*time.Second)))[model.FlagValue] {
		t.Fatalf("spike not flagged")
	}
	if rec.count("value", model.SeverityAlert) != 1 {
		t.Fatalf("expected one value alert, got %d", rec.count("value", model.SeverityAlert))
	}
}

func TestValueNeedsHistory(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	for i := 0; i < 4; i++ {
		eng.Evaluate(power("fan1", 100, base.Add(time.Duration(i)*time.Second)))
	}
	if eng.Evaluate(power("fan1", 1000, base.Add(5*time.Second)))[model.FlagValue] {
		t.Fatalf("spike flagged before enough history")
	}
}

func TestValueZeroExcludedFromHistory(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	if !eng.Evaluate(power("fan1", 0, base))[model.FlagValue] {
		t.Fatalf("zero reading not flagged")
	}
	if !eng.Evaluate(power("fan1", "-3.5", base.Add(time.Second)))[model.FlagValue] {
		t.Fatalf("negative reading not flagged")
	}
	if h, ok := eng.state.power.Peek("fan1"); ok && h.Len() != 0 {
		t.Fatalf("invalid readings stored in history: %d", h.Len())
	}
}

func TestValueMalformedPayloadFailsOpen(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	cases := []model.Event{
		power("", 100, base),
		power("fan1", "abc", base),
		power("fan1", nil, base),
		event(model.KindPowerReading, model.RoleUser, "u1", "s", base, nil),
	}
	for i, ev := range cases {
		if eng.Evaluate(ev).Any() {
			t.Fatalf("case %d flagged", i)
		}
	}
	if eng.state.power.Len() != 0 {
		t.Fatalf("malformed readings created state")
	}
}

func TestRoleLoginBusinessHours(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	if eng.Evaluate(login(model.RoleAdmin, "a1", "10.0.0.1", base))[model.FlagRole] {
		t.Fatalf("business-hours admin login flagged")
	}

	eng, rec := newEngineForTest(testConfig())
	night := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	if !eng.Evaluate(login(model.RoleAdmin, "a1", "10.0.0.1", night))[model.FlagRole] {
		t.Fatalf("after-hours admin login from new source not flagged")
	}
	// the role check records the source; the source tracker must still see it as new
	if rec.count("unexpected", model.SeverityWarning) != 1 {
		t.Fatalf("new source not reported by source tracker")
	}
	if eng.Evaluate(login(model.RoleAdmin, "a1", "10.0.0.1", night.Add(time.Minute)))[model.FlagRole] {
		t.Fatalf("after-hours login from known source flagged")
	}
}

func TestRoleUserLoginNeverFlagged(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if eng.Evaluate(login(model.RoleUser, "u1", "10.0.0.9", night))[model.FlagRole] {
		t.Fatalf("user login flagged")
	}
}

func TestRoleBusinessHoursUseTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Timezone = "Asia/Tokyo"
	eng, _ := newEngineForTest(cfg)
	// 01:00 UTC is 10:00 in Tokyo
	ts := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	if eng.Evaluate(login(model.RoleManager, "m1", "10.0.0.1", ts))[model.FlagRole] {
		t.Fatalf("login inside local business hours flagged")
	}
}

func TestRolePrivilegedActions(t *testing.T) {
	tests := []struct {
		kind string
		role model.Role
		want bool
	}{
		{model.KindUpdateFirmware, model.RoleManager, false},
		{model.KindUpdateFirmware, model.RoleUser, true},
		{model.KindUpdateFirmware, model.RoleAdmin, true},
		{model.KindDisableAlarm, model.RoleAdmin, false},
		{model.KindDisableAlarm, model.RoleManager, true},
		{model.KindDisableDevice, model.RoleUser, true},
		{model.KindReboot, model.RoleAdmin, false},
		{model.KindToggleDevice, model.RoleUser, false},
	}
	for _, tt := range tests {
		eng, _ := newEngineForTest(testConfig())
		got := eng.Evaluate(event(tt.kind, tt.role, "x", "s", base, nil))[model.FlagRole]
		if got != tt.want {
			t.Fatalf("%s by %s: got %v want %v", tt.kind, tt.role, got, tt.want)
		}
	}
}

func TestNewSourceBurst(t *testing.T) {
	eng, rec := newEngineForTest(testConfig())
	want := []bool{false, false, true}
	for i, w := range want {
		src := fmt.Sprintf("10.0.0.%d", i+1)
		got := eng.Evaluate(login(model.RoleManager, "m1", src, base.Add(time.Duration(i)*time.Second)))[model.FlagUnexpected]
		if got != w {
			t.Fatalf("login %d: got %v want %v", i+1, got, w)
		}
	}
	if rec.count("unexpected", model.SeverityWarning) != 3 {
		t.Fatalf("expected a warning per new source")
	}
}

func TestNewSourceBurstResetsAfterGap(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	eng.Evaluate(login(model.RoleUser, "u1", "a", base))
	eng.Evaluate(login(model.RoleUser, "u1", "b", base.Add(time.Hour)))
	if eng.Evaluate(login(model.RoleUser, "u1", "c", base.Add(time.Hour+49*time.Hour)))[model.FlagUnexpected] {
		t.Fatalf("burst counter not reset after 48h gap")
	}
}

func TestKnownSourceNotCounted(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	eng.Evaluate(event(model.KindRegister, model.RoleUser, "u1", "home", base, nil))
	for i := 0; i < 5; i++ {
		if eng.Evaluate(login(model.RoleUser, "u1", "home", base.Add(time.Duration(i+1)*time.Second)))[model.FlagUnexpected] {
			t.Fatalf("login from registration source flagged")
		}
	}
}

func TestCriticalEventAfterNewSource(t *testing.T) {
	tests := []struct {
		after time.Duration
		want  bool
	}{
		{30 * time.Minute, true},
		{2 * time.Hour, true},
		{3 * time.Hour, false},
	}
	for _, tt := range tests {
		eng, _ := newEngineForTest(testConfig())
		eng.Evaluate(login(model.RoleAdmin, "a1", "203.0.113.7", base))
		got := eng.Evaluate(event(model.KindDisableAlarm, model.RoleAdmin, "a1", "203.0.113.7", base.Add(tt.after), nil))[model.FlagUnexpected]
		if got != tt.want {
			t.Fatalf("disable_alarm %s after new-source login: got %v want %v", tt.after, got, tt.want)
		}
	}
}

func TestCriticalEventUnknownActorTolerated(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	if eng.Evaluate(event(model.KindReboot, model.RoleAdmin, "ghost", "s", base, nil))[model.FlagUnexpected] {
		t.Fatalf("critical event by unknown actor flagged")
	}
	eng.Evaluate(event(model.KindRegister, model.RoleAdmin, "a1", "s", base, nil))
	if eng.Evaluate(event(model.KindReboot, model.RoleAdmin, "a1", "s", base.Add(time.Minute), nil))[model.FlagUnexpected] {
		t.Fatalf("critical event without a new-source login flagged")
	}
}

func heartbeat(device string, ts time.Time, status string) model.Event {
	payload := map[string]any{model.PayloadDeviceID: device}
	if status != "" {
		payload[model.PayloadStatus] = status
	}
	return event(model.KindDeviceHeartbeat, model.RoleUser, "", "", ts, payload)
}

// steady feeds n+1 heartbeats spaced by interval and returns the last timestamp.
func steady(eng *Engine, device string, start time.Time, interval time.Duration, n int) time.Time {
	ts := start
	eng.Evaluate(heartbeat(device, ts, ""))
	for i := 0; i < n; i++ {
		ts = ts.Add(interval)
		eng.Evaluate(heartbeat(device, ts, ""))
	}
	return ts
}

func TestIntervalHighStreak(t *testing.T) {
	eng, rec := newEngineForTest(testConfig())
	const L = 10 * time.Second
	ts := steady(eng, "hub", base, L, 5)
	for i := 1; i <= 6; i++ {
		ts = ts.Add(L * 55 / 10)
		got := eng.Evaluate(heartbeat("hub", ts, ""))[model.FlagActivity]
		if want := i > 5; got != want {
			t.Fatalf("high interval %d: got %v want %v", i, got, want)
		}
	}
	if rec.count("activity", model.SeverityAlert) != 1 {
		t.Fatalf("expected one activity alert")
	}
	a, _ := eng.state.activity.Peek(model.KindDeviceHeartbeat + "_hub")
	if a.Streak() != 6 {
		t.Fatalf("streak: %d", a.Streak())
	}

	ts = ts.Add(L)
	if eng.Evaluate(heartbeat("hub", ts, ""))[model.FlagActivity] {
		t.Fatalf("in-band interval flagged")
	}
	if a.Streak() != 0 {
		t.Fatalf("streak not reset: %d", a.Streak())
	}
}

func TestIntervalLowStreak(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	const L = 10 * time.Second
	ts := steady(eng, "sensor", base, L, 5)
	a, _ := eng.state.activity.Peek(model.KindDeviceHeartbeat + "_sensor")
	var flags model.FlagVector
	for i := 0; i < 6; i++ {
		ts = ts.Add(L * 5 / 100)
		flags = eng.Evaluate(heartbeat("sensor", ts, ""))
	}
	if !flags[model.FlagActivity] {
		t.Fatalf("sixth low interval not flagged")
	}
	if avg, _ := a.Average(); avg != L {
		t.Fatalf("anomalous intervals moved the average: %s", avg)
	}
	for i := 0; i < 5; i++ {
		ts = ts.Add(L)
		if eng.Evaluate(heartbeat("sensor", ts, "")).Any() {
			t.Fatalf("in-band interval %d flagged", i)
		}
		if a.Streak() != 0 {
			t.Fatalf("streak not reset")
		}
	}
}

func TestIntervalIsHighIsLow(t *testing.T) {
	const L = 10 * time.Second
	a := NewDeviceActivity(5)
	ts := base
	a.SetPrevious(ts)
	for i := 0; i < 5; i++ {
		ts = ts.Add(L)
		a.UpdateAverage(ts)
		a.SetPrevious(ts)
	}
	if !a.IsHigh(ts.Add(L*55/10), 5) {
		t.Fatalf("5.5L not high")
	}
	if !a.IsLow(ts.Add(L*5/100), 0.1) {
		t.Fatalf("0.05L not low")
	}
	if a.IsHigh(ts.Add(L), 5) || a.IsLow(ts.Add(L), 0.1) {
		t.Fatalf("L out of band")
	}
}

func TestIntervalWarmUpToSteady(t *testing.T) {
	a := NewDeviceActivity(5)
	ts := base
	a.UpdateAverage(ts)
	a.SetPrevious(ts)
	for i := 0; i < 4; i++ {
		ts = ts.Add(10 * time.Second)
		a.UpdateAverage(ts)
		a.SetPrevious(ts)
		if _, ok := a.Average(); ok {
			t.Fatalf("steady after %d intervals", i+1)
		}
	}
	ts = ts.Add(10 * time.Second)
	a.UpdateAverage(ts)
	a.SetPrevious(ts)
	avg, ok := a.Average()
	if !ok || avg != 10*time.Second {
		t.Fatalf("average after warm-up: %s %v", avg, ok)
	}
	ts = ts.Add(20 * time.Second)
	a.UpdateAverage(ts)
	if avg, _ := a.Average(); avg != 12*time.Second {
		t.Fatalf("moving average: %s", avg)
	}
	if a.Samples() != 6 {
		t.Fatalf("samples: %d", a.Samples())
	}
}

func TestIntervalResetStatus(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	ts := steady(eng, "hub", base, 10*time.Second, 5)
	eng.Evaluate(heartbeat("hub", ts.Add(time.Hour), model.StatusReset))
	a, _ := eng.state.activity.Peek(model.KindDeviceHeartbeat + "_hub")
	if _, ok := a.Average(); ok {
		t.Fatalf("reset status kept the average")
	}
	if !a.Previous().Equal(ts.Add(time.Hour)) {
		t.Fatalf("reset did not anchor previous")
	}
}

func TestIntervalSweepSuppression(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Activity.SweepPeriod = 60 * time.Second
	eng, rec := newEngineForTest(cfg)
	const L = 100 * time.Second
	last := steady(eng, "meter", base, L, 5)

	probe := func(ts time.Time) bool {
		return eng.Evaluate(event("status_probe", model.RoleUser, "p", "s", ts, nil))[model.FlagActivity]
	}
	if !probe(last.Add(600 * time.Second)) {
		t.Fatalf("silent device not reported")
	}
	if probe(last.Add(670 * time.Second)) {
		t.Fatalf("repeat inside one average interval not suppressed")
	}
	if !probe(last.Add(740 * time.Second)) {
		t.Fatalf("silent device not reported again")
	}
	n := 0
	for _, a := range rec.alerts {
		if a.Kind == "inactivity" {
			n++
			if a.ActorID != "" {
				t.Fatalf("inactivity alert attributed to %q", a.ActorID)
			}
		}
	}
	if n != 2 {
		t.Fatalf("inactivity alerts: %d", n)
	}
}

func TestNoOpKindsDoNotMutate(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	for i := 0; i < 50; i++ {
		ev := event("thermostat_set", model.RoleAdmin, "a1", "s", base.Add(time.Duration(i)*time.Millisecond), map[string]any{
			model.PayloadDeviceID: "t1",
			model.PayloadValue:    -1,
		})
		if eng.Evaluate(ev).Any() {
			t.Fatalf("no-op kind flagged")
		}
	}
	stats, _ := eng.Stats()
	if stats != (StateStats{}) {
		t.Fatalf("no-op kind mutated state: %+v", stats)
	}
}

func TestStateCapacityEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.StateCapacity = 2
	eng, _ := newEngineForTest(cfg)
	for i := 0; i < 5; i++ {
		eng.Evaluate(power(fmt.Sprintf("dev%d", i), 10, base.Add(time.Duration(i)*time.Second)))
	}
	stats, _ := eng.Stats()
	if stats.Devices != 2 {
		t.Fatalf("devices tracked: %d", stats.Devices)
	}
	if _, ok := eng.state.power.Peek("dev0"); ok {
		t.Fatalf("least recently used device kept")
	}
	if got := eng.metrics.Snapshot().Tracked["power"]; got != 2 {
		t.Fatalf("tracked gauge: %d", got)
	}
}

func TestResetDropsState(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	eng.Evaluate(login(model.RoleAdmin, "a1", "s1", base))
	eng.Evaluate(power("fan1", 10, base))
	eng.Reset()
	stats, _ := eng.Stats()
	if stats != (StateStats{}) {
		t.Fatalf("state after reset: %+v", stats)
	}
}

func TestUpdateConfigKeepsState(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	for i := 0; i < 2; i++ {
		eng.Evaluate(event(model.KindPasswordChange, model.RoleUser, "u1", "s", base.Add(time.Duration(i)*time.Second), nil))
	}
	cfg := testConfig()
	cfg.Detection.RateLimits[model.KindPasswordChange]["USER"] = config.RateRule{Max: 1, Window: 30 * time.Minute}
	eng.UpdateConfig(cfg)
	if !eng.Evaluate(event(model.KindPasswordChange, model.RoleUser, "u1", "s", base.Add(2*time.Second), nil))[model.FlagRate] {
		t.Fatalf("tightened limit not applied to existing window")
	}
}

func TestProcessOrderAndVerdict(t *testing.T) {
	eng, _ := newEngineForTest(testConfig())
	eng.Evaluate(login(model.RoleUser, "u1", "new", base))
	v := eng.Process(event(model.KindUpdateFirmware, model.RoleUser, "u1", "new", base.Add(time.Minute), nil))
	if got := v.Flags.String(); got != "[0 0 1 1 0]" {
		t.Fatalf("flags: %s", got)
	}
	if len(v.Alerts) != 2 || v.Alerts[0].Detector != "role" || v.Alerts[1].Detector != "unexpected" {
		t.Fatalf("alerts out of order: %+v", v.Alerts)
	}
	for _, a := range v.Alerts {
		if a.ID == "" || !a.Timestamp.Equal(v.Event.Timestamp) {
			t.Fatalf("alert missing id or event timestamp: %+v", a)
		}
	}
}
