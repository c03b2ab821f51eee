package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
)

// MemoryStore keeps records in lock-free maps. Reads never take a lock;
// read-modify-write updates are serialised by mu.
type MemoryStore struct {
	mu      sync.Mutex
	devices *hashmap.Map[string, DeviceRecord]
	samples *hashmap.Map[string, SampleRecord]
	configs *hashmap.Map[string, ConfigSnapshot]
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: hashmap.New[string, DeviceRecord](),
		samples: hashmap.New[string, SampleRecord](),
		configs: hashmap.New[string, ConfigSnapshot](),
	}
}

func (m *MemoryStore) PutDevice(ctx context.Context, d DeviceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.devices.Get(d.ID); ok {
		d.FirstSeen = prev.FirstSeen
		d.ConnectionCount = prev.ConnectionCount + 1
		if d.Name == "" {
			d.Name = prev.Name
		}
	} else {
		d.FirstSeen = d.LastSeen
		d.ConnectionCount = 1
	}
	m.devices.Set(d.ID, d)
	return nil
}

func (m *MemoryStore) PutSample(ctx context.Context, s SampleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.samples.Set(s.ID.String(), s)
	return nil
}

func (m *MemoryStore) PutConfigSnapshot(ctx context.Context, c ConfigSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.configs.Set(c.ID.String(), c)
	return nil
}

func (m *MemoryStore) RecentDevices(ctx context.Context, limit int) ([]DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]DeviceRecord, 0, m.devices.Len())
	m.devices.Range(func(_ string, d DeviceRecord) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) RecentSamples(ctx context.Context, limit int, filter Filter) ([]SampleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := m.collectSamples(filter)
	sort.Slice(out, func(i, j int) bool { return newerSample(out[i], out[j]) })
	return truncate(out, limit), nil
}

func (m *MemoryStore) collectSamples(filter Filter) []SampleRecord {
	var out []SampleRecord
	m.samples.Range(func(_ string, s SampleRecord) bool {
		if filter.match(s) {
			out = append(out, s)
		}
		return true
	})
	return out
}

// newerSample orders by receive time, then by sequence within a session.
func newerSample(a, b SampleRecord) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.Seq > b.Seq
}

func (m *MemoryStore) ConfigSnapshot(ctx context.Context, deviceID string) (ConfigSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return ConfigSnapshot{}, err
	}
	var (
		newest ConfigSnapshot
		found  bool
	)
	m.configs.Range(func(_ string, c ConfigSnapshot) bool {
		if c.DeviceID == deviceID && (!found || c.TakenAt.After(newest.TakenAt)) {
			newest, found = c, true
		}
		return true
	})
	if !found {
		return ConfigSnapshot{}, ErrNotFound
	}
	return newest, nil
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, kind Kind, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	switch kind {
	case KindDevices:
		removed = deleteWhere(m.devices, func(d DeviceRecord) bool { return d.LastSeen.Before(cutoff) })
	case KindSamples:
		removed = deleteWhere(m.samples, func(s SampleRecord) bool { return s.ReceivedAt.Before(cutoff) })
	case KindConfigs:
		removed = deleteWhere(m.configs, func(c ConfigSnapshot) bool { return c.TakenAt.Before(cutoff) })
	default:
		return 0, ErrUnknownKind
	}
	return removed, nil
}

func deleteWhere[V any](hm *hashmap.Map[string, V], pred func(V) bool) int64 {
	var keys []string
	hm.Range(func(k string, v V) bool {
		if pred(v) {
			keys = append(keys, k)
		}
		return true
	})
	var n int64
	for _, k := range keys {
		if hm.Del(k) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) Export(ctx context.Context, deviceID string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := m.devices.Get(deviceID)
	if !ok {
		return nil, ErrNotFound
	}

	b := &Bundle{Device: d}
	if snap, err := m.ConfigSnapshot(ctx, deviceID); err == nil {
		b.Config = &snap
	}
	b.Samples = m.collectSamples(Filter{DeviceID: deviceID})
	sort.Slice(b.Samples, func(i, j int) bool { return newerSample(b.Samples[j], b.Samples[i]) })
	return b, nil
}

func (m *MemoryStore) Close() error { return nil }

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

var _ Store = (*MemoryStore)(nil)
