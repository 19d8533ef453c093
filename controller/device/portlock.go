package device

import "sync"

var (
	portMu    sync.Mutex
	portLocks = make(map[string]*sync.Mutex)
)

// PortLock returns the mutex guarding a serial device path. Sensors and the
// dosing loop share RS-485 trunks; every transaction must hold the port's
// lock or frames interleave on the wire.
func PortLock(path string) *sync.Mutex {
	portMu.Lock()
	defer portMu.Unlock()
	l, ok := portLocks[path]
	if !ok {
		l = &sync.Mutex{}
		portLocks[path] = l
	}
	return l
}
