package tuner

import "sync"

// deviceKey identifies a physical device within the process: the platform it
// belongs to plus its ordinal there.
type deviceKey struct {
	platform string
	ordinal  int
}

// LockRegistry serializes autotuning per physical device: at most one picking
// session may run concurrently on a device within the process. Autotuning
// competes for the device's compute and memory, so interleaving two sessions
// would corrupt both sets of measurements.
//
// It does not protect against arbitrary unrelated use of the device, and it
// does not coordinate across processes. That is sufficient to compile several
// programs concurrently in one process and then execute them sequentially.
//
// Construct one registry at process start and share it among all pickers.
type LockRegistry struct {
	mu      sync.Mutex
	devices map[deviceKey]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{devices: make(map[deviceKey]*sync.Mutex)}
}

// Lock acquires the mutex dedicated to the given device, lazily creating it,
// and returns the release function. Callers must defer the release so it runs
// on every exit path.
func (r *LockRegistry) Lock(platform string, deviceOrdinal int) (release func()) {
	key := deviceKey{platform: platform, ordinal: deviceOrdinal}
	r.mu.Lock()
	deviceMu, found := r.devices[key]
	if !found {
		deviceMu = &sync.Mutex{}
		r.devices[key] = deviceMu
	}
	r.mu.Unlock()

	deviceMu.Lock()
	return deviceMu.Unlock
}
