// Package appnode implements the broker's built-in ".app" node: the
// one mount point that always exists regardless of which devices are
// connected, answering introspection and subscription-management
// methods.
package appnode

import (
	"fmt"

	"shvbroker/internal/broker"
	"shvbroker/internal/rpc"
)

var methodNames = []string{
	"appName", "appVersion", "ping", "echo",
	"subscribe", "unsubscribe", "subscriptions",
	"connectionCount", "mountCount",
	"dir", "ls",
}

// Node is the ".app" built-in. It holds no connection-specific state
// itself; subscriptions are tracked by the broker's shared registry,
// keyed by the calling client id the broker passes into ProcessRequest.
type Node struct {
	name    string
	version string
	subs    *broker.SubscriptionRegistry
	stats   *broker.Stats
}

// New builds the .app node. subs and stats are the broker's own
// instances — the node reads and mutates them directly rather than
// keeping a parallel copy, since ProcessRequest always runs inline on
// the broker loop goroutine.
func New(name, version string, subs *broker.SubscriptionRegistry, stats *broker.Stats) *Node {
	return &Node{name: name, version: version, subs: subs, stats: stats}
}

// ProcessRequest implements broker.Node.
func (n *Node) ProcessRequest(clientID int64, msg *rpc.Message) (any, *rpc.Message, *rpc.RpcError) {
	switch msg.Method() {
	case "appName":
		return n.name, nil, nil
	case "appVersion":
		return n.version, nil, nil
	case "ping":
		return true, nil, nil
	case "echo":
		return msg.Param, nil, nil
	case "subscribe":
		patterns := patternsFromParam(msg.Param)
		if len(patterns) == 0 {
			return nil, nil, rpc.NewError(rpc.ErrInvalidRequest, "subscribe requires a non-empty glob pattern or list of patterns")
		}
		for _, p := range patterns {
			n.subs.Subscribe(clientID, p)
		}
		return true, nil, nil
	case "unsubscribe":
		for _, p := range patternsFromParam(msg.Param) {
			n.subs.Unsubscribe(clientID, p)
		}
		return true, nil, nil
	case "subscriptions":
		return n.subs.List(clientID), nil, nil
	case "connectionCount":
		return n.stats.ConnectedClients.Load(), nil, nil
	case "mountCount":
		return n.stats.MountCount.Load(), nil, nil
	case "dir":
		return methodNames, nil, nil
	case "ls":
		return []string{}, nil, nil
	default:
		return nil, nil, rpc.NewError(rpc.ErrMethodCallException, fmt.Sprintf("%s: method not found", msg.Method()))
	}
}

// patternsFromParam accepts either a single glob pattern string or a
// list of them, so a client can (un)subscribe to several signal paths
// in one call instead of round-tripping once per pattern.
func patternsFromParam(param any) []string {
	if s := rpc.AsString(param); s != "" {
		return []string{s}
	}
	items := rpc.AsSlice(param)
	patterns := make([]string, 0, len(items))
	for _, item := range items {
		if s := rpc.AsString(item); s != "" {
			patterns = append(patterns, s)
		}
	}
	return patterns
}
