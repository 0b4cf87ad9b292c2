package broker

import (
	"fmt"

	"shvbroker/internal/rpc"
)

// Node is the contract a built-in mount point implements. clientID is
// the id of the connection that originated msg, passed through so a
// node can associate side effects (subscriptions) with a particular
// peer rather than with the request alone.
//
// A non-nil signal is broadcast to subscribers after the response is
// sent, for nodes whose request handling has an observable side effect
// worth announcing (a settings node writing a value, for instance).
// Most methods return a nil signal.
//
// Every Node must additionally answer "dir" and "ls" for its own
// subtree; there is no separate reflection method on the interface; a
// node folds that into its own ProcessRequest switch.
type Node interface {
	ProcessRequest(clientID int64, msg *rpc.Message) (result any, signal *rpc.Message, err *rpc.RpcError)
}

// DirLs answers "dir" and "ls" for a request whose path fell in a gap
// between mount points rather than landing on one — the broker's
// fallback when MountTable.FindLongestPrefix finds nothing. A path
// that isn't even an ancestor of some mount isn't a gap, it's simply
// not a node in the tree, so every method there (including dir/ls)
// fails with MethodCallException.
func DirLs(mt *MountTable, msg *rpc.Message) (any, *rpc.RpcError) {
	path := msg.ShvPath()
	if !mt.HasDescendant(path) {
		return nil, rpc.NewError(rpc.ErrMethodCallException, fmt.Sprintf("%s: method not found", msg.Method()))
	}
	switch msg.Method() {
	case "ls":
		return mt.ChildNames(path), nil
	case "dir":
		return []string{}, nil
	default:
		return nil, rpc.NewError(rpc.ErrMethodCallException, fmt.Sprintf("%s: method not found", msg.Method()))
	}
}
