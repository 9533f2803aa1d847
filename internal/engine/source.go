package engine

import (
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

// KnownSources is the single owner of the per-actor set of login sources.
type KnownSources struct {
	sets *lru.Cache[string, map[string]struct{}]
}

func (k *KnownSources) Contains(actorID, sourceID string) bool {
	set, ok := k.sets.Peek(actorID)
	if !ok {
		return false
	}
	_, ok = set[sourceID]
	return ok
}

// RecordIfNew adds sourceID to the actor's set and reports whether it was
// absent before.
func (k *KnownSources) RecordIfNew(actorID, sourceID string) bool {
	set := getOrCreate(k.sets, actorID, func() map[string]struct{} { return make(map[string]struct{}) })
	if _, ok := set[sourceID]; ok {
		return false
	}
	set[sourceID] = struct{}{}
	return true
}

func (k *KnownSources) Len() int {
	return k.sets.Len()
}

type sourceCounter struct {
	count int
	last  time.Time
}

// SourceTracker watches for bursts of first-time login sources and for
// privileged actions performed shortly after one.
type SourceTracker struct {
	burstReset     time.Duration
	burstThreshold int
	criticalWindow time.Duration
	critical       map[string]struct{}
	state          *DetectorState
}

func newSourceTracker(cfg config.DetectionConfig, state *DetectorState) *SourceTracker {
	critical := make(map[string]struct{}, len(cfg.CriticalEvents))
	for _, k := range cfg.CriticalEvents {
		critical[k] = struct{}{}
	}
	return &SourceTracker{
		burstReset:     cfg.Sources.BurstReset,
		burstThreshold: cfg.Sources.BurstThreshold,
		criticalWindow: cfg.Sources.CriticalWindow,
		critical:       critical,
		state:          state,
	}
}

func (t *SourceTracker) check(x *evaluation) bool {
	ev := x.ev
	flag := false
	switch {
	case ev.Kind == model.KindRegister:
		t.register(ev)
	case ev.Kind == model.KindLoginAttempt && ev.Status() == model.StatusSuccess:
		flag = t.login(x)
	}
	if _, ok := t.critical[ev.Kind]; ok && t.recentNewSource(ev) {
		x.emit(model.SeverityAlert, "unexpected",
			fmt.Sprintf("Event %s triggered by user %s shortly after a login from new source %s", ev.Kind, ev.ActorID, ev.SourceID),
			map[string]string{"window": t.criticalWindow.String()})
		flag = true
	}
	return flag
}

func (t *SourceTracker) register(ev model.Event) {
	t.state.users.Add(ev.ActorID, ev.Role)
	t.state.sources.RecordIfNew(ev.ActorID, ev.SourceID)
	t.state.newSources.Add(ev.ActorID, &sourceCounter{})
}

func (t *SourceTracker) login(x *evaluation) bool {
	ev := x.ev
	if !x.newSource() {
		return false
	}
	x.emit(model.SeverityWarning, "unexpected",
		fmt.Sprintf("User %s logged in from new source %s", ev.ActorID, ev.SourceID), nil)

	counter := getOrCreate(t.state.newSources, ev.ActorID, func() *sourceCounter { return &sourceCounter{} })
	if ev.Timestamp.Sub(counter.last) > t.burstReset {
		counter.count = 1
	} else {
		counter.count++
	}
	counter.last = ev.Timestamp
	if counter.count < t.burstThreshold {
		return false
	}
	x.emit(model.SeverityAlert, "unexpected",
		fmt.Sprintf("User %s logged in from %d new sources within %s", ev.ActorID, counter.count, t.burstReset),
		map[string]string{"count": strconv.Itoa(counter.count)})
	return true
}

func (t *SourceTracker) recentNewSource(ev model.Event) bool {
	counter, ok := t.state.newSources.Get(ev.ActorID)
	if !ok || counter.last.IsZero() {
		return false
	}
	return ev.Timestamp.Sub(counter.last) <= t.criticalWindow
}
