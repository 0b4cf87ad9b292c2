package appnode

import (
	"testing"

	"shvbroker/internal/broker"
	"shvbroker/internal/rpc"
)

func newTestNode() *Node {
	return New("shvbroker", "1.2.3", broker.NewSubscriptionRegistry(), &broker.Stats{})
}

func TestAppNamePingEcho(t *testing.T) {
	n := newTestNode()

	if res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "appName", nil)); err != nil || res != "shvbroker" {
		t.Errorf("appName = (%v, %v), want (shvbroker, nil)", res, err)
	}
	if res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "appVersion", nil)); err != nil || res != "1.2.3" {
		t.Errorf("appVersion = (%v, %v), want (1.2.3, nil)", res, err)
	}
	if res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "ping", nil)); err != nil || res != true {
		t.Errorf("ping = (%v, %v), want (true, nil)", res, err)
	}
	if res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "echo", "hi")); err != nil || res != "hi" {
		t.Errorf("echo = (%v, %v), want (hi, nil)", res, err)
	}
}

func TestAppSubscribeTracksPerClient(t *testing.T) {
	n := newTestNode()

	if _, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "subscribe", "test/**")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(2, ".app", "subscriptions", nil))
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	patterns, ok := res.([]string)
	if !ok || len(patterns) != 1 || patterns[0] != "test/**" {
		t.Errorf("subscriptions = %v, want [test/**]", res)
	}

	res, _, err = n.ProcessRequest(2, rpc.NewRequestMessage(3, ".app", "subscriptions", nil))
	if err != nil {
		t.Fatalf("subscriptions for other client: %v", err)
	}
	if patterns, ok := res.([]string); !ok || len(patterns) != 0 {
		t.Errorf("client 2 subscriptions = %v, want none", res)
	}
}

func TestAppSubscribeAcceptsPatternList(t *testing.T) {
	n := newTestNode()

	if _, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "subscribe", []any{"test/**", "other/*"})); err != nil {
		t.Fatalf("subscribe with a pattern list: %v", err)
	}
	res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(2, ".app", "subscriptions", nil))
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	patterns, ok := res.([]string)
	if !ok || len(patterns) != 2 {
		t.Fatalf("subscriptions = %v, want 2 patterns", res)
	}

	if _, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(3, ".app", "unsubscribe", []any{"test/**", "other/*"})); err != nil {
		t.Fatalf("unsubscribe with a pattern list: %v", err)
	}
	res, _, err = n.ProcessRequest(1, rpc.NewRequestMessage(4, ".app", "subscriptions", nil))
	if err != nil {
		t.Fatalf("subscriptions after unsubscribe: %v", err)
	}
	if patterns, ok := res.([]string); !ok || len(patterns) != 0 {
		t.Errorf("subscriptions after unsubscribing the whole list = %v, want none", res)
	}
}

func TestAppSubscribeRejectsEmptyPattern(t *testing.T) {
	n := newTestNode()
	if _, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "subscribe", "")); err == nil {
		t.Error("subscribe with an empty pattern should fail")
	}
}

func TestAppUnknownMethodIsMethodCallException(t *testing.T) {
	n := newTestNode()
	_, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "bogus", nil))
	if err == nil || err.Code != rpc.ErrMethodCallException {
		t.Errorf("got %v, want a MethodCallException", err)
	}
}

func TestAppDirListsMethods(t *testing.T) {
	n := newTestNode()
	res, _, err := n.ProcessRequest(1, rpc.NewRequestMessage(1, ".app", "dir", nil))
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	names, ok := res.([]string)
	if !ok || len(names) == 0 {
		t.Errorf("dir = %v, want a non-empty method list", res)
	}
}
