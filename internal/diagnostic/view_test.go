package diagnostic

import (
	"encoding/json"
	"testing"

	"github.com/eventphone/ywsd/internal/routing/dispatch"
	"github.com/eventphone/ywsd/internal/routing/generate"
	"github.com/eventphone/ywsd/internal/routing/tree"
)

func TestRenderRouteStableUnderReserialize(t *testing.T) {
	root := &tree.Node{
		ExtensionID: 2,
		TreePath:    "1",
		Status:      tree.StatusActive,
		Extension:   nil,
	}
	res := &dispatch.Result{
		CallID: "call-1",
		Root:   &generate.RoutingResult{Terminal: true, Target: "lateroute/100", Params: generate.Params{"call-id": "call-1"}},
		Tree:   root,
		Inner:  map[string]*generate.RoutingResult{},
	}

	view1 := renderRoute(res)
	b1, err := json.Marshal(view1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	view2 := renderRoute(res)
	b2, err := json.Marshal(view2)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if string(b1) != string(b2) {
		t.Fatalf("serialization not stable:\n%s\nvs\n%s", b1, b2)
	}
}

func TestRenderFailureIncludesPartialTree(t *testing.T) {
	partial := &tree.Node{ExtensionID: 2, TreePath: "1", Status: tree.StatusActive}
	fail := &dispatch.Failure{Kind: dispatch.FailureForwardLoop, Err: errStub("forward depth exceeded")}

	view := renderFailure(fail, partial)
	if view.RoutingStatus != "ERROR" {
		t.Fatalf("RoutingStatus = %q", view.RoutingStatus)
	}
	if view.RoutingTree == nil {
		t.Fatal("expected partial tree to be rendered")
	}
	if view.RoutingStatusDetails == "" {
		t.Fatal("expected routing_status_details to be populated")
	}
}

type errStub string

func (e errStub) Error() string { return string(e) }
