// Package backends defines the interface a device backend needs to implement to be
// autotuned by convtune.
//
// It is modeled after the StreamExecutor-style surface that convolution libraries
// (cuDNN and friends) expose: a device-memory allocator, an execution stream with
// memset/memcpy/synchronize primitives, and a DNN capability interface that
// enumerates convolution algorithms and runs one of them with timing
// instrumentation.
//
// Backends register themselves by name (see Register); the default backend is
// chosen with New, optionally configured through the CONVTUNE_BACKEND environment
// variable.
package backends

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum is the ordinal of a physical device within a backend's platform.
// It should be between 0 and Backend.NumDevices.
type DeviceNum int

// Device identifies one physical device for the lifetime of the process:
// the platform name plus the device ordinal. Platforms are stable singletons,
// so Device values are usable as map keys.
type Device struct {
	Platform string
	Ordinal  DeviceNum
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Platform, d.Ordinal)
}

// Backend is the API that needs to be implemented by a convtune backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "hostsim" for the simulated host backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Platform returns the platform name used to build Device identities.
	Platform() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Allocator returns the backend's device-memory allocator.
	Allocator() Allocator

	// NewStream creates an execution stream on the given device.
	NewStream(deviceNum DeviceNum) (Stream, error)

	// DNN returns the convolution capability interface for the given device.
	DNN(deviceNum DeviceNum) (DNN, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a
// configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if none is specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// CONVTUNE_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "hostsim") and
// "<backend_configuration>" is backend specific.
const CONVTUNE_BACKEND = "CONVTUNE_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment CONVTUNE_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(CONVTUNE_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "hostsim") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for convtune -- maybe import the default one with import _ "github.com/gomlx/convtune/backends/hostsim"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
