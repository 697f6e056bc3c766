package generate

import (
	"testing"

	"github.com/eventphone/ywsd/internal/models"
	"github.com/eventphone/ywsd/internal/routing/tree"
)

func leafNode(path string, ext *models.Extension) *tree.Node {
	return &tree.Node{ExtensionID: ext.ID, Extension: ext, TreePath: path, Status: tree.StatusActive}
}

func TestGenerateSimpleLeafLocal(t *testing.T) {
	ext := &models.Extension{ID: 1, Number: "100", Kind: models.KindSimple}
	n := leafNode("1", ext)

	g := NewGenerator()
	out, ok := g.Generate(n, &Context{CallID: "c1", Caller: &models.Extension{Number: "200", DialoutAllowed: true}, LocalHomeServerID: 1})
	if !ok {
		t.Fatal("expected ok")
	}
	if out.Root.Target != "lateroute/100" {
		t.Fatalf("target = %q", out.Root.Target)
	}
	if len(out.Inner) != 0 {
		t.Fatal("leaf nodes must not be cache-written")
	}
}

func TestGenerateExternalForbiddenWithoutDialout(t *testing.T) {
	ext := &models.Extension{ID: 1, Number: "0049123", Kind: models.KindExternal}
	n := leafNode("1", ext)

	g := NewGenerator()
	out, ok := g.Generate(n, &Context{CallID: "c1", Caller: &models.Extension{Number: "200", DialoutAllowed: false}})
	if !ok {
		t.Fatal("expected ok")
	}
	if out.Root.Target != "FORBIDDEN" {
		t.Fatalf("target = %q, want FORBIDDEN", out.Root.Target)
	}
}

func TestGenerateExternalAllowedWithDialout(t *testing.T) {
	ext := &models.Extension{ID: 1, Number: "0049123", Kind: models.KindExternal}
	n := leafNode("1", ext)

	g := NewGenerator()
	out, ok := g.Generate(n, &Context{CallID: "c1", Caller: &models.Extension{Number: "200", DialoutAllowed: true}, OutboundGateway: "gw.example.org"})
	if !ok {
		t.Fatal("expected ok")
	}
	if out.Root.Target != "sip:0049123@gw.example.org" {
		t.Fatalf("target = %q", out.Root.Target)
	}
}

func TestGenerateRemoteHomeServer(t *testing.T) {
	remote := int64(7)
	ext := &models.Extension{ID: 1, Number: "100", Kind: models.KindSimple, HomeServerID: &remote}
	n := leafNode("1", ext)

	g := NewGenerator()
	out, ok := g.Generate(n, &Context{CallID: "c1", Caller: &models.Extension{Number: "200", DialoutAllowed: true}, LocalHomeServerID: 1, HomeServerContacts: map[int64]string{7: "srv7.example.org"}})
	if !ok {
		t.Fatal("expected ok")
	}
	if out.Root.Target != "sip:100@srv7.example.org" {
		t.Fatalf("target = %q", out.Root.Target)
	}
}

func TestGenerateGroupForkCachesInner(t *testing.T) {
	m1 := &models.Extension{ID: 10, Number: "110", Kind: models.KindSimple}
	m2 := &models.Extension{ID: 11, Number: "111", Kind: models.KindSimple}
	root := &tree.Node{
		ExtensionID: 1, TreePath: "1", Status: tree.StatusActive,
		Extension: &models.Extension{ID: 1, Number: "100", Kind: models.KindGroup},
		Ranks: []tree.Rank{{
			Index: 0, Mode: models.RankDefault,
			Members: []tree.Member{
				{ExtensionID: 10, Active: true, Node: leafNode("1-fr0-0", m1)},
				{ExtensionID: 11, Active: true, Node: leafNode("1-fr0-1", m2)},
			},
		}},
	}

	g := NewGenerator()
	out, ok := g.Generate(root, &Context{CallID: "c1", Caller: &models.Extension{Number: "200"}})
	if !ok {
		t.Fatal("expected ok")
	}
	if out.Root.Terminal {
		t.Fatal("group root should be a fork, not terminal")
	}
	if out.Root.Target != "lateroute/stage1-c1-1" {
		t.Fatalf("root target = %q", out.Root.Target)
	}
	if len(out.Root.ForkTargets) != 2 {
		t.Fatalf("expected 2 fork children, got %d", len(out.Root.ForkTargets))
	}
	if _, ok := out.Inner["1"]; !ok {
		t.Fatal("inner node at tree-path 1 must be cache-written")
	}
}

func TestGenerateDeadGroupYieldsNoRoute(t *testing.T) {
	root := &tree.Node{
		ExtensionID: 1, TreePath: "1", Status: tree.StatusActive,
		Extension: &models.Extension{ID: 1, Number: "100", Kind: models.KindGroup},
		Ranks: []tree.Rank{{Index: 0, Mode: models.RankDefault}},
	}

	g := NewGenerator()
	_, ok := g.Generate(root, &Context{CallID: "c1"})
	if ok {
		t.Fatal("empty group should yield no route")
	}
}

func TestGenerateGroupPrunesDeadMemberButSurvives(t *testing.T) {
	deadChild := &tree.Node{
		ExtensionID: 20, TreePath: "1-fr0-0", Status: tree.StatusActive,
		Extension: &models.Extension{ID: 20, Number: "120", Kind: models.KindGroup},
		Ranks:     []tree.Rank{{Index: 0, Mode: models.RankDefault}}, // empty -> unroutable
	}
	liveChild := leafNode("1-fr0-1", &models.Extension{ID: 21, Number: "121", Kind: models.KindSimple})

	root := &tree.Node{
		ExtensionID: 1, TreePath: "1", Status: tree.StatusActive,
		Extension: &models.Extension{ID: 1, Number: "100", Kind: models.KindGroup},
		Ranks: []tree.Rank{{
			Index: 0, Mode: models.RankDefault,
			Members: []tree.Member{
				{ExtensionID: 20, Active: true, Node: deadChild},
				{ExtensionID: 21, Active: true, Node: liveChild},
			},
		}},
	}

	g := NewGenerator()
	out, ok := g.Generate(root, &Context{CallID: "c1"})
	if !ok {
		t.Fatal("root should still route via the live member")
	}
	if len(out.Root.ForkTargets) != 1 {
		t.Fatalf("expected the dead member pruned, 1 target left, got %d", len(out.Root.ForkTargets))
	}
}

func TestGenerateForwardWrapsChildAsSingleChildFork(t *testing.T) {
	target := leafNode("1-fwd", &models.Extension{ID: 2, Number: "200", Kind: models.KindSimple})
	root := &tree.Node{
		ExtensionID: 1, TreePath: "1", Status: tree.StatusActive,
		Extension: &models.Extension{ID: 1, Number: "100", Kind: models.KindSimple},
		Forward:   target,
	}

	g := NewGenerator()
	out, ok := g.Generate(root, &Context{CallID: "c1", LocalHomeServerID: 1})
	if !ok {
		t.Fatal("expected ok")
	}
	if out.Root.Target != "lateroute/stage1-c1-1" {
		t.Fatalf("root target = %q", out.Root.Target)
	}
	if len(out.Root.ForkTargets) != 1 || out.Root.ForkTargets[0].Target != "lateroute/200" {
		t.Fatalf("unexpected fork targets: %+v", out.Root.ForkTargets)
	}
}
