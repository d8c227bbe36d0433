package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/model"
)

// Store persists the full schedule list.
type Store interface {
	Load() ([]Schedule, error)
	Save([]Schedule) error
}

// MemoryStore keeps schedules in memory.
type MemoryStore struct {
	mu    sync.Mutex
	items []Schedule
}

func (m *MemoryStore) Load() ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Schedule(nil), m.items...), nil
}

func (m *MemoryStore) Save(items []Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]Schedule(nil), items...)
	return nil
}

// Statistics summarises the registered schedules.
type Statistics struct {
	Total                int            `json:"total_schedules"`
	Enabled              int            `json:"enabled_schedules"`
	ByType               map[Type]int   `json:"by_type"`
	ByDevice             map[string]int `json:"by_device"`
	DevicesWithSchedules int            `json:"devices_with_schedules"`
}

// Manager owns the schedule registry and evaluates it per device.
type Manager struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
	store     Store
	clock     clock.Clock
	log       logger.Logger
}

// NewManager loads the persisted schedules. Invalid entries are skipped and
// logged.
func NewManager(store Store, clk clock.Clock, log logger.Logger) (*Manager, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	log = logger.OrNop(log)
	items, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	m := &Manager{schedules: make(map[string]Schedule, len(items)), store: store, clock: clk, log: log}
	for _, s := range items {
		if err := Validate(s); err != nil {
			log.Warnf("skipping schedule %s: %v", s.ID, err)
			continue
		}
		m.schedules[s.ID] = s
	}
	log.Infof("loaded %d schedules", len(m.schedules))
	return m, nil
}

// Add registers a new schedule.
func (m *Manager) Add(s Schedule) error {
	if err := Validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return &model.ValidationError{Field: "id", Msg: fmt.Sprintf("schedule %s already exists", s.ID)}
	}
	now := m.clock.Now()
	s = s.Clone()
	if s.CreatedAt == nil {
		s.CreatedAt = &now
	}
	s.LastModified = &now
	next := m.copyLocked()
	next[s.ID] = s
	if err := m.commitLocked(next); err != nil {
		return err
	}
	m.log.Infof("added schedule %s (%s) for %s", s.Name, s.ID, s.DeviceID)
	return nil
}

// Update applies fn to a copy of the schedule and stores it if it remains
// valid. The id cannot be changed.
func (m *Manager) Update(id string, fn func(*Schedule)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	upd := cur.Clone()
	fn(&upd)
	upd.ID = id
	upd.CreatedAt = cur.CreatedAt
	if err := Validate(upd); err != nil {
		return err
	}
	now := m.clock.Now()
	upd.LastModified = &now
	next := m.copyLocked()
	next[id] = upd
	if err := m.commitLocked(next); err != nil {
		return err
	}
	m.log.Infof("updated schedule %s", id)
	return nil
}

// Remove deletes a schedule.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	next := m.copyLocked()
	delete(next, id)
	if err := m.commitLocked(next); err != nil {
		return err
	}
	m.log.Infof("removed schedule %s", id)
	return nil
}

// RemoveDevice deletes every schedule of a device and returns the count.
func (m *Manager) RemoveDevice(deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.copyLocked()
	n := 0
	for id, s := range next {
		if s.DeviceID == deviceID {
			delete(next, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, m.commitLocked(next)
}

// Get returns a copy of the schedule.
func (m *Manager) Get(id string) (Schedule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return s.Clone(), true
}

// All returns every schedule sorted by id.
func (m *Manager) All() []Schedule {
	return m.filter(func(Schedule) bool { return true })
}

// ByDevice returns the schedules of one device.
func (m *Manager) ByDevice(deviceID string) []Schedule {
	return m.filter(func(s Schedule) bool { return s.DeviceID == deviceID })
}

// Enabled returns the enabled schedules.
func (m *Manager) Enabled() []Schedule {
	return m.filter(func(s Schedule) bool { return s.Enabled })
}

func (m *Manager) filter(keep func(Schedule) bool) []Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckDeviceSchedule combines all enabled schedules of the device.
func (m *Manager) CheckDeviceSchedule(deviceID string, now time.Time, snap model.EnergySnapshot) Result {
	var active []Schedule
	for _, s := range m.ByDevice(deviceID) {
		if s.Enabled {
			active = append(active, s)
		}
	}
	return Combine(active, now, snap)
}

// InSchedule reports whether an enabled time window of the device that does
// not force it off is active at now.
func (m *Manager) InSchedule(deviceID string, now time.Time) bool {
	for _, s := range m.ByDevice(deviceID) {
		if !s.Enabled || s.Type != TypeTimeWindow || s.TimeWindow == nil {
			continue
		}
		if s.ActionInWindow != ActionForceOff && s.TimeWindow.Contains(now) {
			return true
		}
	}
	return false
}

// Statistics counts schedules by type and device.
func (m *Manager) Statistics() Statistics {
	st := Statistics{ByType: map[Type]int{}, ByDevice: map[string]int{}}
	for _, s := range m.All() {
		st.Total++
		if s.Enabled {
			st.Enabled++
		}
		st.ByType[s.Type]++
		st.ByDevice[s.DeviceID]++
	}
	st.DevicesWithSchedules = len(st.ByDevice)
	return st
}

func (m *Manager) copyLocked() map[string]Schedule {
	next := make(map[string]Schedule, len(m.schedules))
	for k, v := range m.schedules {
		next[k] = v
	}
	return next
}

func (m *Manager) commitLocked(next map[string]Schedule) error {
	items := make([]Schedule, 0, len(next))
	for _, s := range next {
		items = append(items, s)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if err := m.store.Save(items); err != nil {
		return fmt.Errorf("save schedules: %w", err)
	}
	m.schedules = next
	return nil
}
