package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"shvbroker/internal/auth"
	"shvbroker/internal/rpc"
)

// outboundBufferSize bounds each peer's outbound channel. spec.md's
// reference implementation uses an unbounded channel there, trading
// memory for the guarantee that the broker loop never blocks on a slow
// writer. An unbounded channel has no direct Go equivalent without an
// extra goroutine per peer to own a growable queue; a single goroutine
// (the broker loop) owning every peer's state already pays for that
// elsewhere, so a bounded channel with drop-on-full is used instead: a
// pathologically slow or wedged peer loses outbound events rather than
// stalling every other connection.
const outboundBufferSize = 256

// Config configures a Broker.
type Config struct {
	Logger *slog.Logger
	Oracle auth.PasswordOracle
}

// Broker is the single-consumer event loop spec.md §4.7 calls the hard
// part: it owns the mount table, the peer table and the subscription
// registry, and every mutation to any of them happens inline in its
// Run loop, so none of the three needs locking.
type Broker struct {
	logger *slog.Logger
	oracle auth.PasswordOracle

	mounts *MountTable
	peers  *PeerTable
	subs   *SubscriptionRegistry
	stats  *Stats

	events chan ClientEvent
}

// New builds a Broker with an empty mount table. Built-in nodes such as
// .app are mounted afterwards with Mount, before Run starts.
func New(cfg Config) *Broker {
	b := &Broker{
		logger: cfg.Logger,
		oracle: cfg.Oracle,
		mounts: NewMountTable(),
		peers:  NewPeerTable(),
		subs:   NewSubscriptionRegistry(),
		stats:  &Stats{},
		events: make(chan ClientEvent, 64),
	}
	return b
}

// Stats exposes the broker's live counters read-only.
func (b *Broker) Stats() *Stats { return b.stats }

// Subscriptions exposes the subscription registry so the .app node
// (constructed separately, then mounted) can read and mutate it from
// inside ProcessRequest calls that the broker loop invokes inline.
func (b *Broker) Subscriptions() *SubscriptionRegistry { return b.subs }

// Mount registers a built-in node at path before the broker loop
// starts. Callers must not call this once Run is underway; only the
// broker loop is allowed to touch the mount table after that.
func (b *Broker) Mount(path string, n Node) {
	b.mounts.Insert(path, NewNodeMount(n))
	b.stats.MountCount.Store(int64(b.mounts.Len()))
}

// Events returns the channel per-client tasks send ClientEvents on.
func (b *Broker) Events() chan<- ClientEvent { return b.events }

// Run drains events until ctx is cancelled or the channel is closed.
// Closing the channel is the normal shutdown path (every sender has
// gone away); ctx cancellation is an additional, Go-idiomatic way to
// stop that spec.md's reference loop doesn't need since it has no
// structured-concurrency context to cancel.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

func (b *Broker) handle(ev ClientEvent) {
	switch e := ev.(type) {
	case NewClientEvent:
		b.handleNewClient(e)
	case GetPasswordEvent:
		b.handleGetPassword(e)
	case RegisterDeviceEvent:
		b.handleRegisterDevice(e)
	case FrameClientEvent:
		b.handleFrame(e.ClientID, e.Frame)
	case ClientGoneEvent:
		b.handleClientGone(e)
	default:
		b.logger.Warn("unhandled client event", "type", fmt.Sprintf("%T", ev))
	}
}

func (b *Broker) handleNewClient(e NewClientEvent) {
	b.peers.InsertIfAbsent(&Peer{ClientID: e.ClientID, Outbound: e.Outbound})
	b.stats.ConnectedClients.Store(int64(b.peers.Len()))
}

func (b *Broker) handleGetPassword(e GetPasswordEvent) {
	digest := b.oracle.ShaPassword(e.User)
	b.sendToPeer(e.ClientID, PasswordSha1Event{Digest: digest})
}

// deriveMountPoint implements spec.md §4.4's mount policy: an explicit
// mount point under "test/" wins outright, otherwise a device id gets
// mounted at a synthesized "test/<device_id>", otherwise the client
// stays caller-only and nothing is mounted.
func deriveMountPoint(e RegisterDeviceEvent) (string, bool) {
	if e.MountPoint != nil && strings.HasPrefix(*e.MountPoint, "test/") {
		return *e.MountPoint, true
	}
	if e.DeviceID != nil && *e.DeviceID != "" {
		return "test/" + *e.DeviceID, true
	}
	return "", false
}

func (b *Broker) handleRegisterDevice(e RegisterDeviceEvent) {
	path, ok := deriveMountPoint(e)
	if !ok {
		return
	}
	// spec.md §8 invariant 7: registering a device at a path that is
	// already mounted is last-write-wins, not an error — log which case
	// this is so a re-register doesn't read as a brand new device.
	if existing, present := b.mounts.Get(path); present {
		b.logger.Info("device mount replaced", "path", path,
			"previous_client_id", existing.DeviceClientID, "client_id", e.ClientID)
	} else {
		b.logger.Info("device mounted", "path", path, "client_id", e.ClientID)
	}
	b.mounts.Insert(path, NewDeviceMount(e.ClientID))
	b.stats.MountCount.Store(int64(b.mounts.Len()))
}

func (b *Broker) handleClientGone(e ClientGoneEvent) {
	b.peers.Remove(e.ClientID)
	b.subs.RemoveAll(e.ClientID)
	b.stats.ConnectedClients.Store(int64(b.peers.Len()))

	if path, ok := b.mounts.DeviceMountPath(e.ClientID); ok {
		b.mounts.Remove(path)
		b.stats.MountCount.Store(int64(b.mounts.Len()))
		b.logger.Info("device unmounted", "path", path, "client_id", e.ClientID)
	}
}

func (b *Broker) handleFrame(clientID int64, frame *rpc.Frame) {
	switch {
	case frame.IsRequest():
		b.handleRequestFrame(clientID, frame)
	case frame.IsResponse():
		b.handleResponseFrame(frame)
	case frame.IsSignal():
		b.handleSignalFrame(frame)
	default:
		b.logger.Warn("frame with unknown kind", "client_id", clientID)
	}
}

func (b *Broker) handleRequestFrame(clientID int64, frame *rpc.Frame) {
	shvPath := frame.ShvPath()
	responseMeta := frame.PrepareResponseMeta()

	_, remainder, mount, ok := b.mounts.FindLongestPrefix(shvPath)
	if ok && mount.IsDevice {
		frame.PushCallerID(clientID)
		frame.SetShvPath(remainder)
		b.sendToPeer(mount.DeviceClientID, FrameEvent{Frame: frame})
		return
	}

	var result any
	var procErr *rpc.RpcError
	var signal *rpc.Message

	msg, decodeErr := frame.ToMessage()
	switch {
	case decodeErr != nil:
		procErr = rpc.NewError(rpc.ErrInvalidRequest, "cannot decode request payload")
	case ok:
		msg.SetShvPath(remainder)
		result, signal, procErr = mount.Node.ProcessRequest(clientID, msg)
	default:
		msg.SetShvPath(shvPath)
		result, procErr = DirLs(b.mounts, msg)
	}

	var respMsg *rpc.Message
	if procErr != nil {
		respMsg = rpc.ErrorResponseFromMeta(responseMeta, procErr)
	} else {
		respMsg = rpc.ResponseFromMeta(responseMeta, result)
	}
	b.sendToPeer(clientID, MessageEvent{Message: respMsg})

	if signal != nil {
		b.broadcastSignal(signal)
	}
}

func (b *Broker) handleResponseFrame(frame *rpc.Frame) {
	id, ok := frame.PopCallerID()
	if !ok {
		// Empty caller-id stack: a stray response with no caller to
		// route to. It is silently dropped, not an error. A caller that
		// disconnected mid-request still has its id on the stack; that
		// case is dropped by sendToPeer, which ignores unknown peers.
		return
	}
	b.sendToPeer(id, FrameEvent{Frame: frame})
}

func (b *Broker) handleSignalFrame(frame *rpc.Frame) {
	for _, clientID := range b.subs.Match(frame.ShvPath()) {
		b.sendToPeer(clientID, FrameEvent{Frame: frame})
	}
}

func (b *Broker) broadcastSignal(msg *rpc.Message) {
	frame, err := msg.ToFrame()
	if err != nil {
		b.logger.Warn("dropping unencodable signal", "error", err)
		return
	}
	b.handleSignalFrame(frame)
}

func (b *Broker) sendToPeer(clientID int64, ev PeerEvent) {
	peer := b.peers.Get(clientID)
	if peer == nil {
		return
	}
	select {
	case peer.Outbound <- ev:
	default:
		b.logger.Warn("peer outbound channel full, dropping event", "client_id", clientID)
	}
}
