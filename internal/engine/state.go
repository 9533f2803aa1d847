package engine

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"iotguard/internal/model"
)

// DetectorState owns every per-key structure the detectors mutate. Each
// namespace is an LRU bounded by the configured capacity so long-running
// engines do not grow without limit.
type DetectorState struct {
	capacity   int
	users      *lru.Cache[string, model.Role]
	sources    *KnownSources
	newSources *lru.Cache[string, *sourceCounter]
	rates      *lru.Cache[rateKey, *RateWindow]
	power      *lru.Cache[string, *PowerHistory]
	activity   *lru.Cache[string, *DeviceActivity]
	lastSweep  time.Time
	onEvict    func(namespace string)
}

type rateKey struct {
	actorID string
	key     string
}

// StateStats reports the number of tracked keys per namespace.
type StateStats struct {
	Users      int `json:"users"`
	Sources    int `json:"sources"`
	NewSources int `json:"new_sources"`
	RateKeys   int `json:"rate_keys"`
	Devices    int `json:"devices"`
	Activity   int `json:"activity"`
}

func newDetectorState(capacity int, onEvict func(namespace string)) *DetectorState {
	if capacity <= 0 {
		capacity = 100000
	}
	if onEvict == nil {
		onEvict = func(string) {}
	}
	s := &DetectorState{capacity: capacity, onEvict: onEvict}
	s.users = newBounded[string, model.Role](capacity, "users", onEvict)
	s.sources = &KnownSources{sets: newBounded[string, map[string]struct{}](capacity, "sources", onEvict)}
	s.newSources = newBounded[string, *sourceCounter](capacity, "new_sources", onEvict)
	s.rates = newBounded[rateKey, *RateWindow](capacity, "rate", onEvict)
	s.power = newBounded[string, *PowerHistory](capacity, "power", onEvict)
	s.activity = newBounded[string, *DeviceActivity](capacity, "activity", onEvict)
	return s
}

func newBounded[K comparable, V any](capacity int, namespace string, onEvict func(string)) *lru.Cache[K, V] {
	c, err := lru.NewWithEvict[K, V](capacity, func(K, V) { onEvict(namespace) })
	if err != nil {
		// only returned for a non-positive size, which newDetectorState rules out
		panic(err)
	}
	return c
}

func getOrCreate[K comparable, V any](c *lru.Cache[K, V], key K, create func() V) V {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := create()
	c.Add(key, v)
	return v
}

func (s *DetectorState) resize(capacity int) {
	if capacity <= 0 || capacity == s.capacity {
		return
	}
	s.capacity = capacity
	s.users.Resize(capacity)
	s.sources.sets.Resize(capacity)
	s.newSources.Resize(capacity)
	s.rates.Resize(capacity)
	s.power.Resize(capacity)
	s.activity.Resize(capacity)
}

func (s *DetectorState) stats() StateStats {
	return StateStats{
		Users:      s.users.Len(),
		Sources:    s.sources.Len(),
		NewSources: s.newSources.Len(),
		RateKeys:   s.rates.Len(),
		Devices:    s.power.Len(),
		Activity:   s.activity.Len(),
	}
}
