package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kvbridge/kvbridge/kvstate"
)

// Options carries backend construction parameters. Each backend reads
// the fields it understands and ignores the rest.
type Options struct {
	// Rank is this process's position within its instance group.
	Rank int

	// Bus wires the inproc backend; every rank of both groups attaches to
	// the same bus.
	Bus *Bus

	// WorldRanks lists the bus ranks of this instance group, in group
	// order (inproc backend).
	WorldRanks []int

	// BindAddr is the host:port the agent backend listens on.
	BindAddr string

	// GroupAddrs lists the bind addresses of all ranks in this instance
	// group, in group order (agent backend).
	GroupAddrs []string
}

type factory func(Options) (Manager, error)

var backends = make(map[string]factory)

// Register makes a backend available under name. Registering the same
// name twice is a programming error and panics, mirroring how driver
// registries behave.
func Register(name string, f factory) {
	if _, ok := backends[name]; ok {
		panic("transport: duplicate backend " + name)
	}
	backends[name] = f
}

func lookup(name string) (factory, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no transport backend selected, set KVBRIDGE_BACKEND to one of %v", kvstate.ErrConfiguration, names())
	}
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport backend %q, available: %v", kvstate.ErrConfiguration, name, names())
	}
	return f, nil
}

// New constructs the named backend. An unknown or empty name is a
// configuration error listing what is available.
func New(name string, opts Options) (Manager, error) {
	f, err := lookup(name)
	if err != nil {
		return nil, err
	}

	slog.Debug("creating transport backend", "name", name, "rank", opts.Rank)
	return f(opts)
}

func names() []string {
	s := make([]string, 0, len(backends))
	for name := range backends {
		s = append(s, name)
	}
	sort.Strings(s)
	return s
}

var (
	initMu      sync.Mutex
	defaultName string
)

// Initialize pins the process-wide transport backend. The first successful
// call decides for the rest of the process lifetime; initializing again
// with the same name is a no-op, switching to a different backend is a
// configuration error. A failed call pins nothing.
func Initialize(name string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if _, err := lookup(name); err != nil {
		return err
	}
	if defaultName != "" && defaultName != name {
		return fmt.Errorf("%w: transport already initialized with backend %q, cannot switch to %q", kvstate.ErrConfiguration, defaultName, name)
	}

	defaultName = name
	slog.Debug("transport backend initialized", "name", name)
	return nil
}

// NewDefault constructs a manager from the backend pinned by Initialize.
func NewDefault(opts Options) (Manager, error) {
	initMu.Lock()
	name := defaultName
	initMu.Unlock()

	if name == "" {
		return nil, fmt.Errorf("%w: transport not initialized", kvstate.ErrConfiguration)
	}
	return New(name, opts)
}
