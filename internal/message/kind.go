// Package message declares every structured message that may cross the
// wire and the closed, versioned registry the codec uses to tell them
// apart.
//
// A Kind is a stable integer tag.  The registry is built once at
// startup and never mutated afterwards; adding a kind means bumping
// RegistryVersion, because peers built against different registry
// versions cannot be expected to agree on what a tag means.
package message

import "strconv"

// Kind is the wire discriminator of a message.  Zero is never valid.
type Kind uint16

// Version 1 kinds.  Tags are part of the protocol: never renumber.
const (
	KindHello         Kind = 1
	KindPing          Kind = 2
	KindCommand       Kind = 3
	KindKick          Kind = 4
	KindPong          Kind = 5
	KindLogin         Kind = 6
	KindLoginResult   Kind = 7
	KindCommandResult Kind = 8
	KindTunnelOpen    Kind = 9
	KindTunnelData    Kind = 10
	KindTunnelClose   Kind = 11
)

// RegistryVersion is announced in Hello so clients can detect a
// mismatched build before exchanging anything else.
const RegistryVersion uint32 = 1

// Direction says which side may originate a kind.  The listener drops
// a client that sends a ServerToClient kind.
type Direction uint8

const (
	ServerToClient Direction = iota + 1
	ClientToServer
	Bidirectional // tunnel sub-protocol
)

func (d Direction) String() string {
	switch d {
	case ServerToClient:
		return "server->client"
	case ClientToServer:
		return "client->server"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Message is implemented by every payload type.  MarshalWire appends
// the protobuf-wire encoding of the receiver to b.
type Message interface {
	Kind() Kind
	MarshalWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

var kindNames = map[Kind]string{}

func init() {
	for _, e := range v1 {
		kindNames[e.Kind] = e.Name
	}
}
