package broker

import (
	"sort"
	"strings"
)

// Mount is what lives at one node of the hierarchical namespace: either
// a device peer reachable by forwarding (DeviceClientID identifies
// which connected client owns the subtree) or a built-in Node that
// answers requests in-process. It is a tagged variant rather than an
// interface hierarchy because the broker loop needs to branch on which
// one it has before it can decide whether to forward bytes untouched
// or decode them.
type Mount struct {
	IsDevice       bool
	DeviceClientID int64
	Node           Node
}

// NewDeviceMount builds a Mount that forwards to a connected device.
func NewDeviceMount(clientID int64) Mount {
	return Mount{IsDevice: true, DeviceClientID: clientID}
}

// NewNodeMount builds a Mount backed by an in-process Node.
func NewNodeMount(n Node) Mount {
	return Mount{Node: n}
}

// MountTable is the broker's namespace: a path string to Mount map with
// longest-prefix lookup. It has no internal locking — spec.md's
// ownership model makes the broker loop goroutine the table's sole
// reader and writer, so none is needed.
type MountTable struct {
	entries map[string]Mount
}

// NewMountTable returns an empty table.
func NewMountTable() *MountTable {
	return &MountTable{entries: make(map[string]Mount)}
}

// Insert adds or replaces the mount at path.
func (mt *MountTable) Insert(path string, m Mount) {
	mt.entries[path] = m
}

// Remove deletes the mount at path, if any.
func (mt *MountTable) Remove(path string) {
	delete(mt.entries, path)
}

// Get looks up the exact mount at path.
func (mt *MountTable) Get(path string) (Mount, bool) {
	m, ok := mt.entries[path]
	return m, ok
}

// Len reports how many mount points are registered.
func (mt *MountTable) Len() int { return len(mt.entries) }

// Keys returns the registered mount paths in sorted order, used for
// dir/ls reflection over the gaps between mounts.
func (mt *MountTable) Keys() []string {
	keys := make([]string, 0, len(mt.entries))
	for k := range mt.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasDescendant reports whether path names a real position in the
// namespace tree even though nothing is mounted exactly there — i.e.
// some registered mount is path itself or lives somewhere under it.
// The empty path (the namespace root) always counts, even with zero
// mounts registered, so a request for "dir"/"ls" against an empty
// broker still gets a successful empty answer rather than an error.
// A path with no mount anywhere under it is not a gap between mounts,
// it is simply not a node that exists, and dir_ls must say so.
func (mt *MountTable) HasDescendant(path string) bool {
	if path == "" {
		return true
	}
	for k := range mt.entries {
		if k == path || strings.HasPrefix(k, path+"/") {
			return true
		}
	}
	return false
}

// FindLongestPrefix finds the mount whose path is the longest prefix of
// path, where a prefix match requires either an exact match or the
// mount path followed by "/". remainder is path with the matched key
// and a single separating slash stripped; ok is false if nothing in
// the table is a prefix of path, which is the gap case dir_ls services.
func (mt *MountTable) FindLongestPrefix(path string) (key, remainder string, mount Mount, ok bool) {
	bestLen := -1
	for k := range mt.entries {
		if k == path {
			if len(k) > bestLen {
				bestLen = len(k)
				key = k
			}
			continue
		}
		if k != "" && strings.HasPrefix(path, k+"/") {
			if len(k) > bestLen {
				bestLen = len(k)
				key = k
			}
		}
	}
	if bestLen == -1 {
		return "", "", Mount{}, false
	}
	mount = mt.entries[key]
	if key == path {
		remainder = ""
	} else {
		remainder = path[len(key)+1:]
	}
	return key, remainder, mount, true
}

// ChildNames lists the immediate child path segments beneath prefix,
// derived from the mount table's keys. It is how dir_ls answers "ls" on
// a path that falls in a gap between mounts rather than on one.
func (mt *MountTable) ChildNames(prefix string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, k := range mt.Keys() {
		var rest string
		switch {
		case prefix == "":
			rest = k
		case k == prefix:
			continue
		case strings.HasPrefix(k, prefix+"/"):
			rest = k[len(prefix)+1:]
		default:
			continue
		}
		if rest == "" {
			continue
		}
		seg := rest
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			seg = rest[:idx]
		}
		if !seen[seg] {
			seen[seg] = true
			names = append(names, seg)
		}
	}
	sort.Strings(names)
	return names
}

// DeviceMountPath returns the mount path owned by clientID's device, if
// it has one. A client registers at most one device mount, so the
// first match is returned.
func (mt *MountTable) DeviceMountPath(clientID int64) (string, bool) {
	for _, k := range mt.Keys() {
		if m := mt.entries[k]; m.IsDevice && m.DeviceClientID == clientID {
			return k, true
		}
	}
	return "", false
}
