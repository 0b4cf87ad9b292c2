package broker

// Peer is the broker loop's handle on a connected client: its id and
// the channel its per-client task is receiving PeerEvents from. The
// broker never touches the client's socket directly; everything it
// wants to tell a peer goes through this channel.
type Peer struct {
	ClientID int64
	Outbound chan<- PeerEvent
}

// PeerTable is the broker's client_id-to-Peer map. Like MountTable, it
// has no internal locking: the broker loop goroutine is its only
// reader and writer.
type PeerTable struct {
	peers map[int64]*Peer
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[int64]*Peer)}
}

// InsertIfAbsent registers p unless a peer with that id is already
// present, making NewClient idempotent under a retried or duplicated
// registration.
func (pt *PeerTable) InsertIfAbsent(p *Peer) {
	if _, ok := pt.peers[p.ClientID]; !ok {
		pt.peers[p.ClientID] = p
	}
}

// Remove deletes a peer, if present.
func (pt *PeerTable) Remove(clientID int64) {
	delete(pt.peers, clientID)
}

// Get returns the peer for clientID, or nil.
func (pt *PeerTable) Get(clientID int64) *Peer {
	return pt.peers[clientID]
}

// Len reports how many peers are connected.
func (pt *PeerTable) Len() int { return len(pt.peers) }
