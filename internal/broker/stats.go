package broker

import "sync/atomic"

// Stats holds the broker's live counters. Unlike MountTable/PeerTable,
// these are read from outside the broker loop goroutine too (the .app
// node's connectionCount/mountCount methods run inline during request
// handling, but the periodic heartbeat in cmd/shvbroker reads them from
// a gocron job on its own goroutine), hence atomics instead of plain
// ints.
type Stats struct {
	ConnectedClients atomic.Int64
	MountCount        atomic.Int64
}
