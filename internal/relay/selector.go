package relay

import (
	"net"
	"time"
)

// findRoute implements spec.md §4.5: an MX-preference-ordered search
// across a cascade of admission checks, returning either a usable
// route or advisory outputs (limits bits and nextconn) plus the
// connector's newly-computed sticky error bits.
type routeResult struct {
	route    *Route
	nextconn time.Time
	haveNext bool

	seen           int
	limitHost      bool
	limitRoute     bool
	familyMismatch bool
	suspendedNet   bool
	suspendedSMTP  bool
}

func (s *Scheduler) findRoute(r *Relay, c *Connector, now time.Time) routeResult {
	dom := s.graph.Domain(r.DomainID)
	src := s.graph.Source(c.SourceID)
	limits := r.Limits

	var res routeResult
	var best *Route

	advance := func(t time.Time) {
		if !res.haveNext || t.Before(res.nextconn) {
			res.nextconn = t
			res.haveNext = true
		}
	}

	// loadBlocked tracks, across the whole search (not reset per
	// preference level), whether any host/route limit or connect/
	// disconnect delay has skipped a candidate. Mirrors the original's
	// limit_host/limit_route/tm, which are never reset either: once any
	// of them has fired, a level with no candidate always stops the
	// search rather than descending to a higher-preference MX. A pure
	// family mismatch or suspended route never sets this and never by
	// itself stops the search.
	loadBlocked := false

	curPref := -1
	levelHadCandidate := false
	for i, mx := range dom.MXList {
		if i == 0 || mx.Preference != curPref {
			// crossing to a (possibly first) preference level
			if i != 0 {
				if levelHadCandidate {
					break
				}
				if loadBlocked {
					break
				}
			}
			curPref = mx.Preference
			levelHadCandidate = false
			if r.Key.Flags&RelayBackup != 0 && r.BackupPref >= 0 && mx.Preference >= r.BackupPref {
				break
			}
		}

		host := s.graph.Host(mx.Host)
		if host.Ignored() {
			continue
		}
		res.seen++

		if src.Addr != NullSource && !sameFamily(src.Addr, host.Addr) {
			res.familyMismatch = true
			continue
		}

		if host.NConn >= limits.MaxPerHost {
			res.limitHost = true
			loadBlocked = true
			continue
		}
		if limits.ConnDelayHost > 0 && !host.LastConn.IsZero() && host.LastConn.Add(limits.ConnDelayHost).After(now) {
			advance(host.LastConn.Add(limits.ConnDelayHost))
			loadBlocked = true
			continue
		}

		route := s.graph.InternRoute(c.SourceID, host.id)

		if route.Disabled() {
			if route.Flags&RouteDisabledNet != 0 {
				res.suspendedNet = true
			}
			if route.Flags&RouteDisabledSMTP != 0 {
				res.suspendedSMTP = true
			}
			s.graph.UnrefRoute(route.id)
			continue
		}
		if route.Flags&RouteNew != 0 && route.NConn > 0 {
			res.limitRoute = true
			loadBlocked = true
			s.graph.UnrefRoute(route.id)
			continue
		}
		if route.NConn >= limits.MaxPerRoute {
			res.limitRoute = true
			loadBlocked = true
			s.graph.UnrefRoute(route.id)
			continue
		}
		if limits.ConnDelayRoute > 0 && !route.LastConnect.IsZero() && route.LastConnect.Add(limits.ConnDelayRoute).After(now) {
			advance(route.LastConnect.Add(limits.ConnDelayRoute))
			loadBlocked = true
			s.graph.UnrefRoute(route.id)
			continue
		}
		if limits.DiscDelayRoute > 0 && !route.LastDisconnect.IsZero() && route.LastDisconnect.Add(limits.DiscDelayRoute).After(now) {
			advance(route.LastDisconnect.Add(limits.DiscDelayRoute))
			loadBlocked = true
			s.graph.UnrefRoute(route.id)
			continue
		}

		// candidate
		levelHadCandidate = true
		if best == nil || route.NConn < best.NConn {
			if best != nil {
				s.graph.UnrefRoute(best.id)
			}
			best = route
		} else {
			s.graph.UnrefRoute(route.id)
		}
	}

	res.route = best
	return res
}

// sameFamily reports whether a and b parse as IP addresses of the same
// family (IPv4 vs IPv6). Non-IP literals are treated as matching (the
// connector will find out at session time).
func sameFamily(a, b string) bool {
	ipA := net.ParseIP(hostOnly(a))
	ipB := net.ParseIP(hostOnly(b))
	if ipA == nil || ipB == nil {
		return true
	}
	return (ipA.To4() != nil) == (ipB.To4() != nil)
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// applyStickyErrors sets the connector's sticky error bits following
// the priority order of spec.md §4.5's post-loop step, when no route
// was selected.
func applyStickyErrors(c *Connector, res routeResult) {
	// limitRoute, limitHost and a tracked nextconn are all advisory —
	// they are retried on a timer, not latched as a connector error, and
	// they outrank the family and suspension errors below.
	switch {
	case res.seen == 0:
		c.Flags |= ConnectorErrorMX
	case res.limitRoute, res.limitHost, res.haveNext:
	case res.familyMismatch:
		c.Flags |= ConnectorErrorFamily
	default:
		if res.suspendedNet {
			c.Flags |= ConnectorErrorRouteNet
		}
		if res.suspendedSMTP {
			c.Flags |= ConnectorErrorRouteSMTP
		}
	}
}
