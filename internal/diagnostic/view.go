package diagnostic

import (
	"github.com/eventphone/ywsd/internal/routing/dispatch"
	"github.com/eventphone/ywsd/internal/routing/generate"
	"github.com/eventphone/ywsd/internal/routing/tree"
)

// logView is the JSON shape of a tree.LogEntry.
type logView struct {
	Level       string `json:"level"`
	Message     string `json:"message"`
	RelatedPath string `json:"related_path,omitempty"`
}

// memberView is the JSON shape of a tree.Member.
type memberView struct {
	ExtensionID int64      `json:"extension_id"`
	Kind        string     `json:"kind"`
	Active      bool       `json:"active"`
	Node        *nodeView  `json:"node,omitempty"`
}

// rankView is the JSON shape of a tree.Rank.
type rankView struct {
	Index     int          `json:"index"`
	Delay     int          `json:"delay"`
	Mode      string       `json:"mode"`
	Synthetic bool         `json:"synthetic"`
	Members   []memberView `json:"members"`
	Logs      []logView    `json:"logs,omitempty"`
}

// nodeView is the JSON shape of the routing tree, rendered for the
// diagnostic endpoint (§4.6's "full discovered tree, annotated with per
// node status/logs").
type nodeView struct {
	ExtensionID int64      `json:"extension_id"`
	Number      string     `json:"number,omitempty"`
	TreePath    string     `json:"tree_path"`
	Status      string     `json:"status"`
	SelfDevice  bool       `json:"self_device,omitempty"`
	Logs        []logView  `json:"logs,omitempty"`
	Forward     *nodeView  `json:"forward,omitempty"`
	Ranks       []rankView `json:"ranks,omitempty"`
}

func renderLogs(logs []tree.LogEntry) []logView {
	if len(logs) == 0 {
		return nil
	}
	out := make([]logView, len(logs))
	for i, l := range logs {
		out[i] = logView{Level: string(l.Level), Message: l.Message, RelatedPath: l.RelatedPath}
	}
	return out
}

func renderNode(n *tree.Node) *nodeView {
	if n == nil {
		return nil
	}
	v := &nodeView{
		ExtensionID: n.ExtensionID,
		TreePath:    n.TreePath,
		Status:      string(n.Status),
		SelfDevice:  n.SelfDevice,
		Logs:        renderLogs(n.Logs),
		Forward:     renderNode(n.Forward),
	}
	if n.Extension != nil {
		v.Number = n.Extension.Number
	}
	for _, r := range n.Ranks {
		rv := rankView{Index: r.Index, Delay: r.Delay, Mode: string(r.Mode), Synthetic: r.Synthetic, Logs: renderLogs(r.Logs)}
		for _, m := range r.Members {
			rv.Members = append(rv.Members, memberView{
				ExtensionID: m.ExtensionID,
				Kind:        string(m.Kind),
				Active:      m.Active,
				Node:        renderNode(m.Node),
			})
		}
		v.Ranks = append(v.Ranks, rv)
	}
	return v
}

// resultView is the JSON shape of a generate.RoutingResult.
type resultView struct {
	Terminal    bool              `json:"terminal"`
	Target      string            `json:"target"`
	Params      map[string]string `json:"params,omitempty"`
	ForkTargets []forkChildView   `json:"fork_targets,omitempty"`
}

type forkChildView struct {
	RankIndex int               `json:"rank_index"`
	Mode      string            `json:"mode"`
	Delay     int               `json:"delay"`
	Target    string            `json:"target"`
	Params    map[string]string `json:"params,omitempty"`
}

func renderResult(r *generate.RoutingResult) *resultView {
	if r == nil {
		return nil
	}
	v := &resultView{Terminal: r.Terminal, Target: r.Target, Params: map[string]string(r.Params)}
	for _, c := range r.ForkTargets {
		v.ForkTargets = append(v.ForkTargets, forkChildView{
			RankIndex: c.RankIndex,
			Mode:      string(c.Mode),
			Delay:     c.Delay,
			Target:    c.Target,
			Params:    map[string]string(c.Params),
		})
	}
	return v
}

// routeResponse is the body of a GET /stage1 response (§6's diagnostic
// document: routing_tree, main_routing_result, all_routing_results,
// routing_status, routing_status_details).
type routeResponse struct {
	CallID               string                 `json:"call_id,omitempty"`
	RoutingTree          *nodeView              `json:"routing_tree,omitempty"`
	MainRoutingResult    *resultView            `json:"main_routing_result,omitempty"`
	AllRoutingResults    map[string]*resultView `json:"all_routing_results"`
	RoutingStatus        string                 `json:"routing_status"`
	RoutingStatusDetails string                 `json:"routing_status_details,omitempty"`
}

func renderRoute(res *dispatch.Result) *routeResponse {
	all := make(map[string]*resultView, len(res.Inner))
	for path, r := range res.Inner {
		all[path] = renderResult(r)
	}
	return &routeResponse{
		CallID:            res.CallID,
		RoutingTree:       renderNode(res.Tree),
		MainRoutingResult: renderResult(res.Root),
		AllRoutingResults: all,
		RoutingStatus:     "OK",
	}
}

// renderFailure builds the diagnostic document for a failed request,
// including the partially-built tree when the failure occurred after
// discovery began (§7: "the diagnostic endpoint additionally returns the
// partially-built tree for inspection when available").
func renderFailure(fail *dispatch.Failure, partialTree *tree.Node) *routeResponse {
	return &routeResponse{
		RoutingTree:          renderNode(partialTree),
		AllRoutingResults:    map[string]*resultView{},
		RoutingStatus:        "ERROR",
		RoutingStatusDetails: string(fail.Kind) + ": " + fail.Err.Error(),
	}
}
