package pogreb

import (
	"github.com/akrylysov/pogreb"

	"git.tcp.direct/tcp.direct/bulkload/metadata"
)

// CombinedMetrics sums pogreb's per-store counters.
type CombinedMetrics struct {
	Puts           int64 `json:"puts"`
	Dels           int64 `json:"dels"`
	Gets           int64 `json:"gets"`
	HashCollisions int64 `json:"hash_collisions"`
}

func CombineMetrics(metrics ...*pogreb.Metrics) *CombinedMetrics {
	var c = &CombinedMetrics{}
	for _, m := range metrics {
		if m == nil {
			continue
		}
		c.Puts += m.Puts.Value()
		c.Dels += m.Dels.Value()
		c.Gets += m.Gets.Value()
		c.HashCollisions += m.HashCollisions.Value()
	}
	return c
}

func (cm *CombinedMetrics) Add(other *CombinedMetrics) {
	if other == nil {
		return
	}
	cm.Puts += other.Puts
	cm.Dels += other.Dels
	cm.Gets += other.Gets
	cm.HashCollisions += other.HashCollisions
}

func (cm *CombinedMetrics) Equal(other *CombinedMetrics) bool {
	return cm.Puts == other.Puts && cm.Dels == other.Dels && cm.Gets == other.Gets && cm.HashCollisions == other.HashCollisions
}

func (cm *CombinedMetrics) IsZero() bool {
	return cm.Equal(&CombinedMetrics{})
}

// fromExtra reads counters a previous session left in meta.json. After a round trip through
// JSON they come back as a generic map.
func fromExtra(v any) *CombinedMetrics {
	switch m := v.(type) {
	case *CombinedMetrics:
		return m
	case map[string]any:
		num := func(k string) int64 {
			f, _ := m[k].(float64)
			return int64(f)
		}
		return &CombinedMetrics{Puts: num("puts"), Dels: num("dels"), Gets: num("gets"), HashCollisions: num("hash_collisions")}
	default:
		return &CombinedMetrics{}
	}
}

// Metrics returns the lifetime counters of this database, including what is recorded in meta.json.
func (db *DB) Metrics() *CombinedMetrics {
	db.mu.RLock()
	defer db.mu.RUnlock()
	total := fromExtra(db.meta.Extra["metrics"])
	out := &CombinedMetrics{}
	out.Add(total)
	out.Add(db.pending())
	return out
}

// pending sums counters not yet flushed to meta.json. Callers hold db.mu.
func (db *DB) pending() *CombinedMetrics {
	mets := append([]*pogreb.Metrics{}, db.retired...)
	for _, s := range db.store {
		if s != nil && s.DB != nil && !s.closed.Load() {
			mets = append(mets, s.DB.Metrics())
		}
	}
	return CombineMetrics(mets...)
}

// flushMetrics folds counters of closed stores into meta.json. Counters of stores still open
// are flushed when they close. Callers hold db.mu.
func (db *DB) flushMetrics() error {
	retired := CombineMetrics(db.retired...)
	return db.meta.Update(func(m *metadata.Metadata) error {
		m.Ping()
		if retired.IsZero() {
			return nil
		}
		total := fromExtra(m.Extra["metrics"])
		total.Add(retired)
		extra := make(map[string]any, len(m.Extra)+1)
		for k, v := range m.Extra {
			extra[k] = v
		}
		extra["metrics"] = total
		m.WithExtra(extra)
		db.retired = nil
		return nil
	})
}
