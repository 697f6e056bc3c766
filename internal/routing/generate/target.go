package generate

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// sipURI builds and validates a sip: target string for a remote home
// server or the outbound gateway, using sipgo's URI parser the same way
// the rest of the stack builds Request-URIs from a host/number pair —
// stage-1 never sends the INVITE itself, but it still owes the engine a
// well-formed URI string, not a hand-assembled one.
func sipURI(number, host string) string {
	raw := fmt.Sprintf("sip:%s@%s", number, host)
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		// A malformed host/number pair from store data; the raw string is
		// still the best-effort target, the telephone engine handles as
		// GONE/unreachable if it genuinely cannot route it.
		return raw
	}
	return u.String()
}
