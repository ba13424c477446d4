package message

import (
	"fmt"

	cherr "connhub/internal/errors"
)

// Entry declares one kind: its tag, its name, who may send it and how
// to allocate an empty instance for decoding.
type Entry struct {
	Kind      Kind
	Name      string
	Direction Direction
	New       func() Message
}

// Registry is the closed, ordered set of kinds known to the codec.  It
// is immutable once built and safe for concurrent use.
type Registry struct {
	version uint32
	entries []Entry
	index   map[Kind]int
}

// v1 is the canonical declaration order of version 1.
var v1 = []Entry{
	{KindHello, "Hello", ServerToClient, func() Message { return &Hello{} }},
	{KindPing, "Ping", ServerToClient, func() Message { return &Ping{} }},
	{KindCommand, "Command", ServerToClient, func() Message { return &Command{} }},
	{KindKick, "Kick", ServerToClient, func() Message { return &Kick{} }},
	{KindPong, "Pong", ClientToServer, func() Message { return &Pong{} }},
	{KindLogin, "Login", ClientToServer, func() Message { return &Login{} }},
	{KindLoginResult, "LoginResult", ServerToClient, func() Message { return &LoginResult{} }},
	{KindCommandResult, "CommandResult", ClientToServer, func() Message { return &CommandResult{} }},
	{KindTunnelOpen, "TunnelOpen", Bidirectional, func() Message { return &TunnelOpen{} }},
	{KindTunnelData, "TunnelData", Bidirectional, func() Message { return &TunnelData{} }},
	{KindTunnelClose, "TunnelClose", Bidirectional, func() Message { return &TunnelClose{} }},
}

// NewRegistry returns the version 1 registry.
func NewRegistry() *Registry {
	return Build(RegistryVersion, v1...)
}

// Build assembles a registry from entries in declaration order.  It
// panics on a zero kind, a duplicate kind or name, or a missing
// constructor: those are programming errors that must stop startup.
func Build(version uint32, entries ...Entry) *Registry {
	r := &Registry{
		version: version,
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[Kind]int, len(entries)),
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Kind == 0 {
			panic(fmt.Sprintf("message: entry %q has zero kind", e.Name))
		}
		if e.New == nil {
			panic(fmt.Sprintf("message: entry %q has no constructor", e.Name))
		}
		if _, dup := r.index[e.Kind]; dup {
			panic(fmt.Sprintf("message: duplicate kind %d (%s)", e.Kind, e.Name))
		}
		if _, dup := names[e.Name]; dup {
			panic(fmt.Sprintf("message: duplicate name %q", e.Name))
		}
		if got := e.New().Kind(); got != e.Kind {
			panic(fmt.Sprintf("message: %s constructor yields kind %d, declared %d", e.Name, got, e.Kind))
		}
		names[e.Name] = struct{}{}
		r.index[e.Kind] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r
}

// Version returns the registry version.
func (r *Registry) Version() uint32 { return r.version }

// Len returns the number of declared kinds.
func (r *Registry) Len() int { return len(r.entries) }

// Entries returns a copy of the declarations in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Lookup returns the entry for k.
func (r *Registry) Lookup(k Kind) (Entry, bool) {
	i, ok := r.index[k]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Contains reports whether k is a declared kind.
func (r *Registry) Contains(k Kind) bool {
	_, ok := r.index[k]
	return ok
}

// New allocates an empty message of kind k for decoding.
func (r *Registry) New(k Kind) (Message, error) {
	e, ok := r.Lookup(k)
	if !ok {
		return nil, fmt.Errorf("kind %d: %w", k, cherr.ErrUnregisteredKind)
	}
	return e.New(), nil
}
