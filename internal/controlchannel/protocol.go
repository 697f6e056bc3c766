// Package controlchannel implements the line-oriented key=value protocol
// the telephone engine speaks over a TCP connection (§6): call.route
// requests in, retValue/error responses out, one line each.
package controlchannel

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/eventphone/ywsd/internal/routing/generate"
)

// Request is one parsed request line: a command followed by
// space-separated key=value fields.
type Request struct {
	Command string
	Fields  map[string]string
}

// ErrEmptyLine is returned by ParseRequest for a blank input line; callers
// should simply skip it, not treat it as a protocol violation.
var ErrEmptyLine = errors.New("controlchannel: empty request line")

// ParseRequest splits one wire line into a Request. Unparseable tokens
// (no '=' in them) are ignored rather than rejected, matching the
// engine's practice of occasionally sending bare flags.
func ParseRequest(line string) (*Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyLine
	}

	tokens := strings.Fields(line)
	req := &Request{
		Command: tokens[0],
		Fields:  make(map[string]string, len(tokens)-1),
	}
	for _, tok := range tokens[1:] {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		req.Fields[k] = v
	}
	return req, nil
}

// Get returns a field's value, or "" if absent.
func (r *Request) Get(key string) string { return r.Fields[key] }

// encodeSuccess renders a resolved RoutingResult as a retValue response
// line. A terminal result carries only its own parameters; a fork result
// additionally carries each child flattened under a fork.<n>. prefix —
// there is no wire precedent to follow here (§6 leaves the fork shape to
// the adapter), so this is a deliberate, minimal encoding rather than one
// copied from the store.
func encodeSuccess(res *generate.RoutingResult) string {
	var b strings.Builder
	b.WriteString("retValue=")
	b.WriteString(res.Target)

	writeParams(&b, "", res.Params)

	for i, child := range res.ForkTargets {
		prefix := "fork." + strconv.Itoa(i) + "."
		b.WriteString(" ")
		b.WriteString(prefix)
		b.WriteString("target=")
		b.WriteString(child.Target)
		b.WriteString(" ")
		b.WriteString(prefix)
		b.WriteString("mode=")
		b.WriteString(strings.ToLower(string(child.Mode)))
		b.WriteString(" ")
		b.WriteString(prefix)
		b.WriteString("delay=")
		b.WriteString(strconv.Itoa(child.Delay))
		writeParams(&b, prefix, child.Params)
	}

	return b.String()
}

// encodeFailure renders a dispatch.Failure as an error response line.
func encodeFailure(kind, detail string) string {
	var b strings.Builder
	b.WriteString("error=")
	b.WriteString(kind)
	if detail != "" {
		b.WriteString(" detail=")
		b.WriteString(strings.ReplaceAll(detail, " ", "_"))
	}
	return b.String()
}

// writeParams appends key=value pairs in sorted order, so the same result
// always serializes identically.
func writeParams(b *strings.Builder, prefix string, params generate.Params) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(prefix)
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
}
