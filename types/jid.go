// Package types holds the wire-level identities and message envelopes shared
// across the messaging core: JIDs, message keys/info, and the message
// container tagged union.
package types

import (
	"fmt"
	"strconv"
	"strings"

	"go.mau.fi/libsignal/protocol"
)

// Server identifies which namespace a JID's user part belongs to.
type Server string

const (
	DefaultUserServer Server = "s.whatsapp.net"
	GroupServer       Server = "g.us"
	BroadcastServer   Server = "broadcast"
	StatusServer      Server = "status"
	HiddenUserServer  Server = "lid"
)

// JID is a structured WhatsApp-style identity: user@server, optionally with a
// :device part (user:device@server) addressing one specific device of that user.
type JID struct {
	User   string
	Device uint16
	Server Server
}

// EmptyJID is the zero value, used as a sentinel for "no JID".
var EmptyJID = JID{}

// StatusBroadcastJID is the synthetic chat that status updates are addressed to.
var StatusBroadcastJID = JID{User: "status", Server: BroadcastServer}

// ServerJID is the bare server address iq/usync queries are sent "to".
var ServerJID = JID{Server: DefaultUserServer}

func NewJID(user string, server Server) JID {
	return JID{User: user, Server: server}
}

func NewADJID(user string, device uint16, server Server) JID {
	return JID{User: user, Device: device, Server: server}
}

func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// ToNonAD drops the device part, returning the bare user@server JID.
func (j JID) ToNonAD() JID {
	return JID{User: j.User, Server: j.Server}
}

func (j JID) String() string {
	if j.Device > 0 {
		return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Server)
	}
	return fmt.Sprintf("%s@%s", j.User, j.Server)
}

// SignalAddress maps a JID to the (name, deviceId) pair go.mau.fi/libsignal
// uses to key per-peer session state.
func (j JID) SignalAddress() *protocol.SignalAddress {
	return protocol.NewSignalAddress(j.User, uint32(j.Device))
}

// ParseJID parses "user[:device]@server" back into a JID.
func ParseJID(raw string) (JID, error) {
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return EmptyJID, fmt.Errorf("invalid JID %q: missing @server", raw)
	}
	user, server := raw[:at], raw[at+1:]
	if server == "" {
		return EmptyJID, fmt.Errorf("invalid JID %q: empty server", raw)
	}
	var device uint16
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		devInt, err := strconv.ParseUint(user[colon+1:], 10, 16)
		if err != nil {
			return EmptyJID, fmt.Errorf("invalid JID %q: bad device id: %w", raw, err)
		}
		device = uint16(devInt)
		user = user[:colon]
	}
	return JID{User: user, Device: device, Server: Server(server)}, nil
}
