// Package tree implements stage-1 phase A (§4.3): breadth-first discovery
// of the routing tree rooted at the called extension, with loop avoidance,
// participant de-duplication, and conditional expansion driven by
// forwarding mode and rank-membership activity.
package tree

import (
	"github.com/eventphone/ywsd/internal/models"
)

// Status is the discovery status of a Node (§3, RoutingTreeNode).
type Status string

const (
	// StatusActive is an ordinary, routable node.
	StatusActive Status = "ACTIVE"
	// StatusInactiveMember is a rank member the user paused
	// (membership-active=false): discovered for diagnostics, excluded
	// from route generation.
	StatusInactiveMember Status = "INACTIVE_MEMBER"
	// StatusInactiveDuplicate is a node deactivated because its extension
	// already appears elsewhere on an active path in this call.
	StatusInactiveDuplicate Status = "INACTIVE_DUPLICATE"
	// StatusMissing marks a referenced extension id that no longer
	// exists in the store.
	StatusMissing Status = "MISSING"
)

// LogLevel mirrors the level of a Node's attached log entry.
type LogLevel string

const (
	LogWarn LogLevel = "WARN"
	LogInfo LogLevel = "INFO"
)

// LogEntry is one (level, message, related-path) diagnostic entry attached
// either to a Node or to one of its Ranks (§3).
type LogEntry struct {
	Level       LogLevel
	Message     string
	RelatedPath string
}

// ConditionalForward records a forward that was observed but not expanded
// because it only applies on a condition the telephone engine resolves at
// call time (§4.3 step 2, third bullet).
type ConditionalForward struct {
	Mode             models.ForwardingMode
	TargetExtensionID int64
	// TargetNumber is resolved during discovery (one extra store lookup,
	// no further recursion) so route generation can build an engine
	// redirect hint without further I/O (§4.4's generator is pure).
	TargetNumber string
}

// Member is one participant of a Rank (§3, RankMembers).
type Member struct {
	ExtensionID int64
	Kind        models.MemberKind

	// Active is whether this member counts for route generation: the
	// store's membership-active flag, ANDed with "not a cross-tree
	// duplicate". Inactive members are still present in the tree for
	// diagnostic logging (§3) but Node is nil — discovery did not pursue
	// them further.
	Active bool
	Node   *Node
}

// Rank is one ordered expansion step of an inner node (§3, ForkRank).
// Index is assigned sequentially in the final, synthesized rank list
// (self-device rank and synthetic forward ranks interleave with the
// store's own ranks — see Builder), not necessarily the store's raw index.
type Rank struct {
	Index     int
	Delay     int
	Mode      models.RankMode
	Synthetic bool // true for a builder-synthesized rank (self-device or delayed-forward DROP)
	Members   []Member
	Logs      []LogEntry
}

// Node is one in-memory RoutingTreeNode (§3): mirrors an Extension plus
// its tree identifier, discovery status, logs, and children — either a
// forward link or an ordered set of fork ranks.
type Node struct {
	ExtensionID int64
	Extension   *models.Extension
	TreePath    string
	Status      Status
	Logs        []LogEntry

	// SelfDevice marks a node synthesized to represent an extension's own
	// device as a rank-0 member of its own fork (MULTIRING, or SIMPLE
	// under a delayed forward) rather than discovered from the store.
	SelfDevice bool

	Forward            *Node
	ConditionalForward *ConditionalForward
	Ranks              []Rank

	// ForwardSuppressed is true for an immediate-forward node whose
	// forward target was deactivated as a cross-tree duplicate: Forward
	// and Ranks are both empty, but the node must still collapse to a
	// dead inner node rather than fall back to its own device (§4.3's
	// own-device suppression is unconditional, independent of whether
	// the forward target was itself routable).
	ForwardSuppressed bool
}

// IsLeaf reports whether n requires no further expansion: it has neither
// a forward child nor any fork ranks (§3's leaf definition falls out of
// this directly — see Builder.classify).
func (n *Node) IsLeaf() bool {
	return n.Forward == nil && len(n.Ranks) == 0 && !n.ForwardSuppressed
}

// Stats walks the tree rooted at n and returns its total node count and
// maximum depth, for the dispatcher to report as discovery metrics.
func (n *Node) Stats() (nodeCount, depth int) {
	if n == nil {
		return 0, 0
	}
	nodeCount = 1
	depth = 1
	childDepth := 0
	if n.Forward != nil {
		c, d := n.Forward.Stats()
		nodeCount += c
		if d > childDepth {
			childDepth = d
		}
	}
	for _, r := range n.Ranks {
		for _, m := range r.Members {
			if m.Node == nil {
				continue
			}
			c, d := m.Node.Stats()
			nodeCount += c
			if d > childDepth {
				childDepth = d
			}
		}
	}
	return nodeCount, depth + childDepth
}

// IsBareGroup reports whether n is a GROUP/MULTIRING extension whose
// ranks collectively contain zero members at all — a purely diagnostic
// marker; actual dead-branch pruning happens bottom-up in the generator,
// since a rank member can itself collapse to nothing deeper in its own
// subtree.
func (n *Node) IsBareGroup() bool {
	if n.IsLeaf() {
		return false
	}
	for _, r := range n.Ranks {
		if len(r.Members) > 0 {
			return false
		}
	}
	return true
}
