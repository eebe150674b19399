package runtime

import "sync"

// Manager is the process-wide singleton holder for a Runtime, mirroring
// original_source/src/detection_context.py's RuntimeManager. Construction is
// deferred to the first GetInstance call via a supplied factory, and
// ResetInstance discards the held Runtime so the next GetInstance call
// builds a fresh one — used by tests to avoid cross-test state leakage.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond
	rt   *Runtime
	set  bool
}

var defaultManager = newManager()

func newManager() *Manager {
	m := &Manager{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// GetInstance returns the process-wide Runtime, constructing it with build
// if this is the first call since startup or the last ResetInstance.
func GetInstance(build func() *Runtime) *Runtime {
	return defaultManager.GetInstance(build)
}

// ResetInstance discards the process-wide Runtime so the next GetInstance
// call rebuilds one.
func ResetInstance() {
	defaultManager.ResetInstance()
}

// GetInstance is the instance method backing the package-level GetInstance,
// kept exported so tests can construct independent Managers rather than
// sharing process-wide state.
func (m *Manager) GetInstance(build func() *Runtime) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		m.rt = build()
		m.set = true
		m.cond.Broadcast()
	}
	return m.rt
}

// ResetInstance is the instance method backing the package-level
// ResetInstance.
func (m *Manager) ResetInstance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rt = nil
	m.set = false
}
