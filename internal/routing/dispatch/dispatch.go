// Package dispatch implements §4.5: the control dispatcher that takes a
// (caller, called) routing request through discovery (phase A), generation
// (phase B), and cache population, moving the call through the
// RECEIVED -> DISCOVERING -> GENERATING -> CACHING -> RESPONDED state
// machine and reporting a failure kind when it cannot complete.
package dispatch

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/eventphone/ywsd/internal/cache"
	"github.com/eventphone/ywsd/internal/metrics"
	"github.com/eventphone/ywsd/internal/routing/generate"
	"github.com/eventphone/ywsd/internal/routing/tree"
	"github.com/eventphone/ywsd/internal/store"
)

// symbolicPrefix and uuidLen let ParseSymbolicTarget split a
// "lateroute/stage1-<call-id>-<tree-path>" name back into its call-id and
// tree-path halves. A plain first-'-' split doesn't work because both a
// uuid.NewString() call-id and a tree-path are themselves hyphenated, so
// the call-id's fixed 36-character width is what disambiguates the split.
const (
	symbolicPrefix = "lateroute/stage1-"
	uuidLen        = 36
)

// ParseSymbolicTarget splits a generator-produced inner-node target back
// into its call-id and tree-path, for the late-route lookup path (§4.5
// item 2).
func ParseSymbolicTarget(target string) (callID, treePath string, ok bool) {
	if !strings.HasPrefix(target, symbolicPrefix) {
		return "", "", false
	}
	rest := target[len(symbolicPrefix):]
	if len(rest) < uuidLen+2 || rest[uuidLen] != '-' {
		return "", "", false
	}
	return rest[:uuidLen], rest[uuidLen+1:], true
}

// State is one step of a call's progress through the dispatcher (§4.5).
type State string

const (
	StateReceived    State = "RECEIVED"
	StateDiscovering State = "DISCOVERING"
	StateGenerating  State = "GENERATING"
	StateCaching     State = "CACHING"
	StateResponded   State = "RESPONDED"
	StateFailed      State = "FAILED"
)

// FailureKind is one of §7's routing failure kinds.
type FailureKind string

const (
	FailureNoRoute          FailureKind = "NO_ROUTE"
	FailureForwardLoop      FailureKind = "FORWARD_LOOP"
	FailureForbidden        FailureKind = "FORBIDDEN"
	FailureStoreUnavailable FailureKind = "STORE_UNAVAILABLE"
	FailureCacheUnavailable FailureKind = "CACHE_UNAVAILABLE"
	FailureGone             FailureKind = "GONE"
	FailureTimeout          FailureKind = "TIMEOUT"
)

// Failure is a classified routing failure, returned to the control-channel
// and diagnostic adapters for rendering (§7).
type Failure struct {
	Kind FailureKind
	Err  error
	// Tree is the partially-built routing tree at the point of failure,
	// when discovery progressed far enough to produce one. Nil for
	// failures before or outside discovery (e.g. a called number that
	// does not exist at all).
	Tree *tree.Node
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Kind, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// Result is what a successful Route call hands back to its caller: the
// call id assigned, the root routing result, and the full discovered tree
// (for the diagnostic endpoint to render).
type Result struct {
	CallID string
	Root   *generate.RoutingResult
	Tree   *tree.Node
	// Inner holds every inner node's result keyed by tree-path — the same
	// set written to the cache gateway, surfaced here for the diagnostic
	// endpoint's all_routing_results (§4.6 Open Question decision).
	Inner map[string]*generate.RoutingResult
}

// Config bundles the call-independent knobs the dispatcher needs (§5, §6).
type Config struct {
	MaxForwardDepth    int
	RequestTimeout     time.Duration
	CacheTTL           time.Duration
	LocalHomeServerID  int64
	HomeServerContacts map[int64]string
	OutboundGateway    string
	// MaxConcurrentCalls bounds how many calls may be in DISCOVERING,
	// GENERATING or CACHING at once, protecting the shared store/cache connection pools
	// from an unbounded burst of concurrent requests (§5).
	MaxConcurrentCalls int64
}

// Dispatcher orchestrates one call end to end.
type Dispatcher struct {
	store   store.Gateway
	cache   cache.Gateway
	logger  *slog.Logger
	cfg     Config
	sem     *semaphore.Weighted
	metrics *metrics.Collector
}

// New constructs a Dispatcher. m may be nil, in which case metrics
// observation is skipped.
func New(gw store.Gateway, c cache.Gateway, logger *slog.Logger, cfg Config, m *metrics.Collector) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	weight := cfg.MaxConcurrentCalls
	if weight <= 0 {
		weight = 64
	}
	return &Dispatcher{
		store:   gw,
		cache:   c,
		logger:  logger.With("subsystem", "dispatch"),
		cfg:     cfg,
		sem:     semaphore.NewWeighted(weight),
		metrics: m,
	}
}

// Route resolves a call.route request (§6) with a freshly generated call
// id: it looks up caller and called by number, discovers the routing
// tree, generates routes bottom-up, writes every inner node's result to
// the cache, and returns the root result for the immediate response.
func (d *Dispatcher) Route(ctx context.Context, callerNumber, calledNumber string) (*Result, *Failure) {
	return d.route(ctx, callerNumber, calledNumber, "", "")
}

// RouteWithCallID is Route with a pre-assigned call id (§4.5 item 1: the
// engine's billid, when present, is reused rather than generating a new
// one — a re-issued call.route for the same billid within the cache TTL
// must therefore reference the same inner-node names).
func (d *Dispatcher) RouteWithCallID(ctx context.Context, callerNumber, calledNumber, callID string) (*Result, *Failure) {
	return d.route(ctx, callerNumber, calledNumber, callID, "")
}

// RouteRequest is Route/RouteWithCallID combined with the control
// channel's x_eventphone_id passthrough field (§6), for callers that have
// one to offer.
func (d *Dispatcher) RouteRequest(ctx context.Context, callerNumber, calledNumber, callID, xEventphoneID string) (*Result, *Failure) {
	return d.route(ctx, callerNumber, calledNumber, callID, xEventphoneID)
}

func (d *Dispatcher) route(ctx context.Context, callerNumber, calledNumber, presetCallID, xEventphoneID string) (*Result, *Failure) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, &Failure{Kind: FailureTimeout, Err: err}
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	callID := presetCallID
	if callID == "" {
		callID = uuid.NewString()
	}
	state := StateReceived
	logger := d.logger.With("call_id", callID, "caller", callerNumber, "called", calledNumber)

	var finish func(outcome string)
	if d.metrics != nil {
		finish = d.metrics.RouteStarted()
	} else {
		finish = func(string) {}
	}
	outcomeLabel := "INTERNAL_ERROR"
	defer func() { finish(outcomeLabel) }()

	fail := func(kind FailureKind, err error) (*Result, *Failure) {
		outcomeLabel = string(kind)
		return nil, &Failure{Kind: kind, Err: err}
	}
	// failWithTree is fail for failure kinds reached after discovery has
	// already produced a full tree (FORBIDDEN, GONE, post-generation
	// NO_ROUTE, CACHE_UNAVAILABLE) — the diagnostic endpoint can then show
	// the complete tree the call actually discovered, not just that it
	// failed.
	failWithTree := func(kind FailureKind, err error, discovered *tree.Node) (*Result, *Failure) {
		outcomeLabel = string(kind)
		return nil, &Failure{Kind: kind, Err: err, Tree: discovered}
	}

	caller, err := d.store.ExtensionByNumber(ctx, callerNumber)
	d.observeStoreOp("extension_by_number", err)
	if err != nil {
		logger.Error("store lookup failed", "state", state, "error", err)
		return fail(FailureStoreUnavailable, err)
	}
	if caller == nil {
		return fail(FailureNoRoute, fmt.Errorf("caller number %q not found", callerNumber))
	}

	called, err := d.store.ExtensionByNumber(ctx, calledNumber)
	d.observeStoreOp("extension_by_number", err)
	if err != nil {
		logger.Error("store lookup failed", "state", state, "error", err)
		return fail(FailureStoreUnavailable, err)
	}
	if called == nil {
		return fail(FailureNoRoute, fmt.Errorf("called number %q not found", calledNumber))
	}

	state = StateDiscovering
	builder := tree.NewBuilder(d.store, d.logger, d.cfg.MaxForwardDepth)
	root, err := builder.Build(ctx, &tree.CallContext{
		CallID:            callID,
		CallerExtensionID: caller.ID,
		CalledExtensionID: called.ID,
	})
	if err != nil {
		classified := classifyDiscoveryError(err)
		outcomeLabel = string(classified.Kind)
		return nil, &Failure{Kind: classified.Kind, Err: classified.Err, Tree: root}
	}
	if d.metrics != nil {
		nodeCount, depth := root.Stats()
		d.metrics.ObserveTree(nodeCount, depth)
	}

	state = StateGenerating
	gen := generate.NewGenerator()
	outcome, ok := gen.Generate(root, &generate.Context{
		CallID:             callID,
		Caller:             caller,
		LocalHomeServerID:  d.cfg.LocalHomeServerID,
		HomeServerContacts: d.cfg.HomeServerContacts,
		OutboundGateway:    d.cfg.OutboundGateway,
		XEventphoneID:      xEventphoneID,
	})
	if !ok {
		return failWithTree(FailureNoRoute, errors.New("routing tree produced no routable target"), root)
	}
	if outcome.Root.Terminal && outcome.Root.Target == "FORBIDDEN" {
		return failWithTree(FailureForbidden, errors.New("caller is not permitted to dial this target"), root)
	}
	if outcome.Root.Terminal && outcome.Root.Target == "GONE" {
		return failWithTree(FailureGone, errors.New("resolved target no longer exists"), root)
	}

	state = StateCaching
	if err := d.writeCache(ctx, callID, outcome); err != nil {
		logger.Error("cache write failed", "state", state, "error", err)
		return failWithTree(FailureCacheUnavailable, err, root)
	}

	state = StateResponded
	outcomeLabel = "ROUTED"
	logger.Info("call routed", "state", state, "tree_path", root.TreePath)
	return &Result{CallID: callID, Root: outcome.Root, Tree: root, Inner: outcome.Inner}, nil
}

// Lookup resolves a late-route request for a symbolic inner-node target
// (§4.5 item 2): parse the name, fetch the cached RoutingResult, and
// return it. A cache miss is GONE, not an error — the engine treats it as
// a routing failure scoped to that one branch.
func (d *Dispatcher) Lookup(ctx context.Context, target string) (*generate.RoutingResult, *Failure) {
	callID, treePath, ok := ParseSymbolicTarget(target)
	if !ok {
		return nil, &Failure{Kind: FailureNoRoute, Err: fmt.Errorf("not a stage-1 symbolic target: %q", target)}
	}

	raw, found, err := d.cache.Get(ctx, callID, treePath)
	if d.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.metrics.ObserveCacheOp("get", result)
	}
	if err != nil {
		return nil, &Failure{Kind: FailureCacheUnavailable, Err: err}
	}
	if !found {
		return nil, &Failure{Kind: FailureGone, Err: fmt.Errorf("no cache entry for %s", target)}
	}

	res, err := DecodeResult(raw)
	if err != nil {
		return nil, &Failure{Kind: FailureCacheUnavailable, Err: err}
	}
	return res, nil
}

// observeStoreOp records a store.Gateway round trip made directly by the
// dispatcher (builder-internal lookups are not separately instrumented —
// they share fate with the overall DISCOVERING-state outcome).
func (d *Dispatcher) observeStoreOp(op string, err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.ObserveStoreOp(op, result)
}

// writeCache serializes and stores every inner node's result (§4.4: leaf
// nodes are never cache-written). The first failure aborts the remaining
// writes and is surfaced as CACHE_UNAVAILABLE; entries already written for
// the call are not removed and stay in the cache until their TTL expires.
func (d *Dispatcher) writeCache(ctx context.Context, callID string, outcome *generate.Outcome) error {
	for treePath, res := range outcome.Inner {
		buf, err := encodeResult(res)
		if err != nil {
			return fmt.Errorf("encoding result for %s: %w", treePath, err)
		}
		err = d.cache.Put(ctx, callID, treePath, buf, d.cfg.CacheTTL)
		if d.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			d.metrics.ObserveCacheOp("put", result)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// encodeResult serializes a RoutingResult with gob — a private wire
// format between this process and its own cache, where no interop with
// another language or service is required, so a third-party codec buys
// nothing a struct-shaped binary encoding from the standard library
// doesn't already give for free.
func encodeResult(res *generate.RoutingResult) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResult is the inverse of encodeResult. Lookup uses it to read
// cached entries back; it is exported so tests can inspect raw cache
// entries.
func DecodeResult(data []byte) (*generate.RoutingResult, error) {
	var res generate.RoutingResult
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func classifyDiscoveryError(err error) *Failure {
	switch {
	case errors.Is(err, tree.ErrNoRoute):
		return &Failure{Kind: FailureNoRoute, Err: err}
	case errors.Is(err, tree.ErrForwardLoop):
		return &Failure{Kind: FailureForwardLoop, Err: err}
	default:
		// Any other discovery error is a store transport failure — the
		// builder's only other source of errors is store.Gateway calls.
		return &Failure{Kind: FailureStoreUnavailable, Err: err}
	}
}
