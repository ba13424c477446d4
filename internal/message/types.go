package message

import "google.golang.org/protobuf/encoding/protowire"

// ── Server → client ──────────────────────────────────────────────────

// Hello is the first message an endpoint receives after connecting.
type Hello struct {
	Server          string
	RegistryVersion uint32
	EndpointID      string
}

func (*Hello) Kind() Kind { return KindHello }

func (m *Hello) MarshalWire(b []byte) []byte {
	b = appendString(b, 1, m.Server)
	b = appendUint(b, 2, uint64(m.RegistryVersion))
	return appendString(b, 3, m.EndpointID)
}

func (m *Hello) UnmarshalWire(b []byte) error {
	*m = Hello{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.Server = f.asString()
		case 2:
			m.RegistryVersion = uint32(f.asUint())
		case 3:
			m.EndpointID = f.asString()
		}
	})
}

// Ping asks the endpoint to answer with a Pong carrying the same Seq.
type Ping struct {
	Seq uint64
}

func (*Ping) Kind() Kind { return KindPing }

func (m *Ping) MarshalWire(b []byte) []byte { return appendUint(b, 1, m.Seq) }

func (m *Ping) UnmarshalWire(b []byte) error {
	*m = Ping{}
	return walk(b, func(num protowire.Number, f field) {
		if num == 1 {
			m.Seq = f.asUint()
		}
	})
}

// Command asks a client to run a named operation.
type Command struct {
	ID   uint64
	Name string
	Args []string
}

func (*Command) Kind() Kind { return KindCommand }

func (m *Command) MarshalWire(b []byte) []byte {
	b = appendUint(b, 1, m.ID)
	b = appendString(b, 2, m.Name)
	for _, a := range m.Args {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	return b
}

func (m *Command) UnmarshalWire(b []byte) error {
	*m = Command{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.ID = f.asUint()
		case 2:
			m.Name = f.asString()
		case 3:
			m.Args = append(m.Args, f.asString())
		}
	})
}

// Kick tells the endpoint why it is about to be disconnected.
type Kick struct {
	Reason string
}

func (*Kick) Kind() Kind { return KindKick }

func (m *Kick) MarshalWire(b []byte) []byte { return appendString(b, 1, m.Reason) }

func (m *Kick) UnmarshalWire(b []byte) error {
	*m = Kick{}
	return walk(b, func(num protowire.Number, f field) {
		if num == 1 {
			m.Reason = f.asString()
		}
	})
}

// LoginResult answers a Login.
type LoginResult struct {
	OK     bool
	Reason string
}

func (*LoginResult) Kind() Kind { return KindLoginResult }

func (m *LoginResult) MarshalWire(b []byte) []byte {
	b = appendBool(b, 1, m.OK)
	return appendString(b, 2, m.Reason)
}

func (m *LoginResult) UnmarshalWire(b []byte) error {
	*m = LoginResult{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.OK = f.asBool()
		case 2:
			m.Reason = f.asString()
		}
	})
}

// ── Client → server ──────────────────────────────────────────────────

// Pong answers a Ping.
type Pong struct {
	Seq uint64
}

func (*Pong) Kind() Kind { return KindPong }

func (m *Pong) MarshalWire(b []byte) []byte { return appendUint(b, 1, m.Seq) }

func (m *Pong) UnmarshalWire(b []byte) error {
	*m = Pong{}
	return walk(b, func(num protowire.Number, f field) {
		if num == 1 {
			m.Seq = f.asUint()
		}
	})
}

// Login establishes the endpoint's durable identity.
type Login struct {
	Identity string
	Token    string
}

func (*Login) Kind() Kind { return KindLogin }

func (m *Login) MarshalWire(b []byte) []byte {
	b = appendString(b, 1, m.Identity)
	return appendString(b, 2, m.Token)
}

func (m *Login) UnmarshalWire(b []byte) error {
	*m = Login{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.Identity = f.asString()
		case 2:
			m.Token = f.asString()
		}
	})
}

// CommandResult reports the outcome of a Command.
type CommandResult struct {
	ID     uint64
	OK     bool
	Output string
}

func (*CommandResult) Kind() Kind { return KindCommandResult }

func (m *CommandResult) MarshalWire(b []byte) []byte {
	b = appendUint(b, 1, m.ID)
	b = appendBool(b, 2, m.OK)
	return appendString(b, 3, m.Output)
}

func (m *CommandResult) UnmarshalWire(b []byte) error {
	*m = CommandResult{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.ID = f.asUint()
		case 2:
			m.OK = f.asBool()
		case 3:
			m.Output = f.asString()
		}
	})
}

// ── Tunnel sub-protocol ──────────────────────────────────────────────
//
// A client opens a stream with TunnelOpen; the server echoes the same
// TunnelOpen once the target is dialed, or answers TunnelClose with a
// reason.  Either side may send TunnelData and TunnelClose afterwards.

// TunnelOpen requests (client) or confirms (server) a stream.
type TunnelOpen struct {
	Stream uint32
	Target string // host:port
}

func (*TunnelOpen) Kind() Kind { return KindTunnelOpen }

func (m *TunnelOpen) MarshalWire(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Stream))
	return appendString(b, 2, m.Target)
}

func (m *TunnelOpen) UnmarshalWire(b []byte) error {
	*m = TunnelOpen{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.Stream = uint32(f.asUint())
		case 2:
			m.Target = f.asString()
		}
	})
}

// TunnelData carries one chunk of stream bytes.
type TunnelData struct {
	Stream  uint32
	Payload []byte
}

func (*TunnelData) Kind() Kind { return KindTunnelData }

func (m *TunnelData) MarshalWire(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Stream))
	return appendBytes(b, 2, m.Payload)
}

func (m *TunnelData) UnmarshalWire(b []byte) error {
	*m = TunnelData{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.Stream = uint32(f.asUint())
		case 2:
			m.Payload = f.asBytes()
		}
	})
}

// TunnelClose ends a stream.  An empty Reason is a clean close.
type TunnelClose struct {
	Stream uint32
	Reason string
}

func (*TunnelClose) Kind() Kind { return KindTunnelClose }

func (m *TunnelClose) MarshalWire(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Stream))
	return appendString(b, 2, m.Reason)
}

func (m *TunnelClose) UnmarshalWire(b []byte) error {
	*m = TunnelClose{}
	return walk(b, func(num protowire.Number, f field) {
		switch num {
		case 1:
			m.Stream = uint32(f.asUint())
		case 2:
			m.Reason = f.asString()
		}
	})
}
