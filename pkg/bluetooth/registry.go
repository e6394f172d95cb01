package bluetooth

import (
	"sort"
	"sync"
)

// Registry is the shared map of tracked devices, keyed by peripheral id.
// Mutations go through the coordinator only.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Insert adds or replaces the record for id.
func (r *Registry) Insert(id string, d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = d
}

// Get returns the record for id, or nil when untracked.
func (r *Registry) Get(id string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[id]
}

// List returns the tracked devices ordered by discovery timestamp
// ascending, ties broken by uuid. The returned slice is a snapshot the
// caller may hold past lock release.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		ti, tj := devices[i].Timestamp(), devices[j].Timestamp()
		if ti != tj {
			return ti < tj
		}
		return devices[i].UUID() < devices[j].UUID()
	})
	return devices
}

// Snapshot returns the ordered wire representation of every device.
func (r *Registry) Snapshot() []DeviceInfo {
	devices := r.List()
	infos := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = d.Snapshot()
	}
	return infos
}
