package controlchannel

import (
	"context"

	"github.com/eventphone/ywsd/internal/routing/dispatch"
)

// handleCallRoute serves one call.route request (§6): a symbolic
// lateroute/stage1-* called field is a late-route lookup against the
// cache; anything else is a fresh (or billid-reused) stage-1 route.
func (s *Server) handleCallRoute(ctx context.Context, req *Request) string {
	called := req.Get("called")

	if _, _, ok := dispatch.ParseSymbolicTarget(called); ok {
		res, fail := s.dispatcher.Lookup(ctx, called)
		if fail != nil {
			return encodeFailure(string(fail.Kind), fail.Error())
		}
		return encodeSuccess(res)
	}

	caller := req.Get("caller")
	billID := req.Get("billid")
	xEventphoneID := req.Get("x_eventphone_id")

	result, fail := s.dispatcher.RouteRequest(ctx, caller, called, billID, xEventphoneID)
	if fail != nil {
		return encodeFailure(string(fail.Kind), fail.Error())
	}
	return encodeSuccess(result.Root)
}
