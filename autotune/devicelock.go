package autotune

import (
	"sync"

	"github.com/gomlx/convtune/backends"
	"github.com/gomlx/convtune/types/xsync"
)

// deviceLocks maps a device identity to its autotuning mutex. Entries are
// created lazily on first use and never removed: device identities are stable
// for the lifetime of the process.
var deviceLocks xsync.SyncMap[backends.Device, *sync.Mutex]

// lockDevice acquires the process-wide autotuning lock for the given device and
// returns the function that releases it.
//
// This serializes autotuning episodes targeting the same physical device;
// episodes on different devices proceed in parallel. It is a coarse guard: it
// does not protect against arbitrary concurrent use of the device, only against
// two episodes of this subsystem profiling on it at once.
func lockDevice(device backends.Device) (unlock func()) {
	mu, _ := deviceLocks.LoadOrStore(device, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
