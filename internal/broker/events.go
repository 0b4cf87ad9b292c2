package broker

import "shvbroker/internal/rpc"

// ClientEvent is something a per-client task reports to the broker
// loop. It is a closed tagged union (an unexported marker method)
// rather than an interface hierarchy of behavior, because the broker
// loop's handling of each variant has nothing in common to abstract
// over — it is a type switch by design.
type ClientEvent interface{ clientEvent() }

// NewClientEvent registers a freshly accepted connection before its
// handshake even starts, so GetPasswordEvent and PasswordSha1Event can
// flow over Outbound during the handshake itself.
type NewClientEvent struct {
	ClientID int64
	Outbound chan PeerEvent
}

// GetPasswordEvent asks the broker to look up user's stored digest.
type GetPasswordEvent struct {
	ClientID int64
	User     string
}

// RegisterDeviceEvent asks the broker to mount a successfully
// logged-in client as a device, following the mount-point policy in
// deriveMountPoint. DeviceID and MountPoint are nil when the client
// didn't supply the corresponding login option.
type RegisterDeviceEvent struct {
	ClientID   int64
	DeviceID   *string
	MountPoint *string
}

// FrameClientEvent carries one frame read off clientID's connection.
type FrameClientEvent struct {
	ClientID int64
	Frame    *rpc.Frame
}

// ClientGoneEvent reports that a per-client task has exited, for
// whatever reason (I/O error, clean close, handshake failure). Every
// per-client task emits exactly one of these as its last act.
type ClientGoneEvent struct {
	ClientID int64
}

func (NewClientEvent) clientEvent()      {}
func (GetPasswordEvent) clientEvent()    {}
func (RegisterDeviceEvent) clientEvent() {}
func (FrameClientEvent) clientEvent()    {}
func (ClientGoneEvent) clientEvent()     {}

// PeerEvent is something the broker loop tells a per-client task to
// do. Same tagged-union shape as ClientEvent, same reason: the three
// variants share no common behavior, only a channel.
type PeerEvent interface{ peerEvent() }

// PasswordSha1Event answers a GetPasswordEvent with the oracle's
// digest for the requested user.
type PasswordSha1Event struct {
	Digest [20]byte
}

// FrameEvent tells the client task to write a frame to its connection
// unchanged — used for pure forwarding, where the broker never decoded
// the payload.
type FrameEvent struct {
	Frame *rpc.Frame
}

// MessageEvent tells the client task to encode and write msg — used
// when the broker itself built the message (a built-in node's
// response, a dir_ls answer).
type MessageEvent struct {
	Message *rpc.Message
}

func (PasswordSha1Event) peerEvent() {}
func (FrameEvent) peerEvent()        {}
func (MessageEvent) peerEvent()      {}
