// Package generate implements stage-1 phase B (§4.4): a pure, bottom-up
// visitor over a discovered routing tree that folds each node into a
// RoutingResult — a terminal target or a fork naming its children — with
// no further store or cache I/O.
package generate

import (
	"fmt"
	"strings"

	"github.com/eventphone/ywsd/internal/models"
	"github.com/eventphone/ywsd/internal/routing/tree"
)

// Params is the flat string parameter map carried on a RoutingResult,
// handed to the telephone engine alongside the target (§6).
type Params map[string]string

// ForkChild is one child entry of a fork RoutingResult: its rank's
// (mode, delay) plus the child's own resolved target and params. Carrying
// the rank metadata on each child, rather than as separate standalone
// separator markers, is an implementation choice — it is equivalent
// information and a simpler wire shape to round-trip through gob.
type ForkChild struct {
	RankIndex int
	Mode      models.RankMode
	Delay     int
	Target    string
	Params    Params
}

// RoutingResult is the outcome of folding one tree node (§4.4).
type RoutingResult struct {
	Terminal bool
	Target   string
	Params   Params

	// ForkTargets is non-nil only when Terminal is false.
	ForkTargets []ForkChild
}

// Context carries the call-scoped, I/O-free inputs the generator needs to
// build terminal targets: the caller (for dialout permission and
// presentation), which home server this instance serves locally, the
// home-server-id -> contact-address map for remote targets, and the
// outbound gateway target for EXTERNAL numbers.
type Context struct {
	CallID             string
	Caller             *models.Extension
	LocalHomeServerID  int64
	HomeServerContacts map[int64]string
	OutboundGateway    string
	// XEventphoneID is the control channel's x_eventphone_id request field,
	// echoed back verbatim on every result's params when present (§6
	// scenario: "Simple leaf" expects x_eventphone_id set).
	XEventphoneID string
}

// Outcome is the result of generating routes for an entire tree: the root
// result (returned directly to the caller) plus every inner node's result
// keyed by tree-path, for the dispatcher to write to the cache gateway
// (§4.4: leaf nodes are never cache-written, only inner nodes).
type Outcome struct {
	Root  *RoutingResult
	Inner map[string]*RoutingResult
}

// Generator runs phase B.
type Generator struct{}

// NewGenerator constructs a Generator. It holds no state and does no I/O;
// its only side effect is appending WARN log entries to the tree for
// branches pruned during generation.
func NewGenerator() *Generator { return &Generator{} }

// Generate folds root bottom-up into an Outcome. ok is false when the
// entire tree collapsed to nothing routable (§7 NO_ROUTE): every branch
// was either a dead inner node, a duplicate, or a paused member.
func (g *Generator) Generate(root *tree.Node, gctx *Context) (*Outcome, bool) {
	inner := make(map[string]*RoutingResult)
	res, ok := g.visit(root, gctx, inner)
	if !ok {
		return nil, false
	}
	return &Outcome{Root: res, Inner: inner}, true
}

// visit folds one node. It returns ok=false when the node produced no
// routable result at all — a dead GROUP/MULTIRING with zero active
// children, or every one of its children itself folding to nothing. The
// caller is responsible for omitting such a node from its own fork and
// logging a WARN (§4.4's pruning rule), which propagates the "dead
// branch" condition upward exactly as far as necessary.
func (g *Generator) visit(n *tree.Node, gctx *Context, inner map[string]*RoutingResult) (*RoutingResult, bool) {
	if n == nil {
		return nil, false
	}

	if n.IsLeaf() {
		res := g.leafResult(n, gctx)
		return res, true
	}

	if n.Forward != nil {
		child, ok := g.visit(n.Forward, gctx, inner)
		if !ok {
			n.Logs = append(n.Logs, tree.LogEntry{
				Level:       tree.LogWarn,
				Message:     fmt.Sprintf("forward target %d produced no route", n.Forward.ExtensionID),
				RelatedPath: n.Forward.TreePath,
			})
			return nil, false
		}
		res := &RoutingResult{
			Target: forkSymbol(gctx.CallID, n.TreePath),
			Params: g.nodeParams(n, gctx),
			ForkTargets: []ForkChild{{
				RankIndex: 0,
				Mode:      models.RankDefault,
				Target:    child.Target,
				Params:    child.Params,
			}},
		}
		inner[n.TreePath] = res
		return res, true
	}

	var children []ForkChild
	for ri := range n.Ranks {
		rank := &n.Ranks[ri]
		for _, m := range rank.Members {
			if !m.Active || m.Node == nil {
				continue
			}
			childRes, ok := g.visit(m.Node, gctx, inner)
			if !ok {
				rank.Logs = append(rank.Logs, tree.LogEntry{
					Level:       tree.LogWarn,
					Message:     fmt.Sprintf("member %d produced no route; pruned from fork", m.ExtensionID),
					RelatedPath: m.Node.TreePath,
				})
				continue
			}
			children = append(children, ForkChild{
				RankIndex: rank.Index,
				Mode:      rank.Mode,
				Delay:     rank.Delay,
				Target:    childRes.Target,
				Params:    childRes.Params,
			})
		}
	}

	if len(children) == 0 {
		return nil, false
	}

	res := &RoutingResult{
		Target:      forkSymbol(gctx.CallID, n.TreePath),
		Params:      g.nodeParams(n, gctx),
		ForkTargets: children,
	}
	inner[n.TreePath] = res
	return res, true
}

// forkSymbol is the symbolic target an inner node's own fork result
// carries, for every inner node including the root (§4.4, scenario: "one
// cache entry under tree-path 1").
func forkSymbol(callID, treePath string) string {
	return fmt.Sprintf("lateroute/stage1-%s-%s", callID, treePath)
}

// nodeParams builds the params carried on n's own RoutingResult: caller
// presentation plus, when n has a conditional forward attached, the
// engine's stop/redirect hints (§4.4 last bullet; naming decided as an
// open question — fork.stop/fork.calltype/fork.redirect_target).
func (g *Generator) nodeParams(n *tree.Node, gctx *Context) Params {
	p := baseParams(gctx)
	if n.ConditionalForward != nil {
		p["fork.stop"] = strings.ToLower(string(n.ConditionalForward.Mode))
		p["fork.calltype"] = "redirect"
		p["fork.redirect_target"] = "lateroute/" + n.ConditionalForward.TargetNumber
	}
	return p
}

func baseParams(gctx *Context) Params {
	p := Params{"call-id": gctx.CallID}
	if gctx.Caller != nil {
		p["caller.number"] = gctx.Caller.Number
		p["caller.name"] = gctx.Caller.DisplayName
	}
	if gctx.XEventphoneID != "" {
		p["x_eventphone_id"] = gctx.XEventphoneID
	}
	return p
}

// leafResult builds the terminal RoutingResult for a leaf node: a locally
// routable device, a remote device on another home server, or an
// EXTERNAL number gated on the caller's dialout permission (§4.4).
func (g *Generator) leafResult(n *tree.Node, gctx *Context) *RoutingResult {
	ext := n.Extension
	if ext == nil {
		return &RoutingResult{Terminal: true, Target: "GONE", Params: baseParams(gctx)}
	}

	p := baseParams(gctx)
	if n.ConditionalForward != nil {
		p["fork.stop"] = strings.ToLower(string(n.ConditionalForward.Mode))
		p["fork.calltype"] = "redirect"
		p["fork.redirect_target"] = "lateroute/" + n.ConditionalForward.TargetNumber
	}

	if ext.Kind == models.KindExternal {
		if gctx.Caller == nil || !gctx.Caller.DialoutAllowed {
			return &RoutingResult{Terminal: true, Target: "FORBIDDEN", Params: p}
		}
		p["outgoing.name"] = ext.OutgoingName
		p["outgoing.number"] = ext.OutgoingNumber
		return &RoutingResult{Terminal: true, Target: sipURI(ext.Number, gctx.OutboundGateway), Params: p}
	}

	p["display.name"] = ext.DisplayName
	p["ringback"] = fmt.Sprintf("%t", ext.Ringback)
	p["lang"] = ext.Lang

	if ext.HomeServerID == nil || *ext.HomeServerID == gctx.LocalHomeServerID {
		p["stage2"] = "1"
		return &RoutingResult{Terminal: true, Target: "lateroute/" + ext.Number, Params: p}
	}

	addr, ok := gctx.HomeServerContacts[*ext.HomeServerID]
	if !ok {
		return &RoutingResult{Terminal: true, Target: "GONE", Params: p}
	}
	return &RoutingResult{Terminal: true, Target: sipURI(ext.Number, addr), Params: p}
}
