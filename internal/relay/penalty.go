package relay

import "time"

// delayRouteMax is the quadratic backoff ceiling of spec.md §4.8.
const delayRouteMax = 4 * time.Hour

// quadraticDelay computes min(4h, 200s * penalty^2), per spec.md §4.8.
func quadraticDelay(penalty int) time.Duration {
	d := 200 * time.Second * time.Duration(penalty*penalty)
	if d > delayRouteMax {
		d = delayRouteMax
	}
	return d
}

// routeDisable adds p to route's penalty, stamps lastpenalty, and
// (re)schedules the route on the route run-queue at the resulting
// quadratic delay. If the route was already disabled, the existing
// schedule is cancelled first (spec.md §4.8: "one scheduling at a
// time").
func (s *Scheduler) routeDisable(route *Route, p int, reason RouteFlags) {
	if route.Disabled() {
		if s.routeRQ.Cancel(route.id, struct{}{}) {
			s.graph.UnrefRoute(route.id)
		}
	}
	route.Penalty += p
	route.LastPenalty = s.now()
	delay := quadraticDelay(route.Penalty)
	s.graph.RefRoute(route.id)
	s.routeRQ.Schedule(route.LastPenalty.Add(delay), route.id, struct{}{})
	route.Flags |= reason
}

// routeEnable clears the disabled bits, resets probing, and decrements
// the penalty by one (quadratic mode; spec.md §9 design note (b) picks
// quadratic decay for parity with production builds over the
// reset-to-zero linear alternative).
func (s *Scheduler) routeEnable(route *Route) {
	route.Flags &^= RouteDisabled
	route.Flags |= RouteNew
	if route.Penalty > 0 {
		route.Penalty--
	}
}

// onRouteTimer handles the combined route suspension/keepalive
// run-queue firing (spec.md §4.1, §4.8). A disabled route's timer
// means "re-enable"; otherwise it is a keepalive expiry releasing the
// reference that releaseRoute reserved.
func (s *Scheduler) onRouteTimer(routeID RouteID) {
	route := s.graph.Route(routeID)
	if route == nil {
		return
	}
	if route.Disabled() {
		s.routeEnable(route)
		s.graph.UnrefRoute(route.id)
		return
	}
	route.Flags &^= RouteKeepalive
	s.graph.UnrefRoute(route.id)
}

// releaseRoute drops one reference on route. If that would free it,
// the keep-alive rule of spec.md §4.8 applies instead: a penalized
// route is kept alive until its penalty timer would fire anyway; an
// unpenalized route that was recently used is kept alive until the
// route's max connect/disconnect delay has elapsed; otherwise it is
// freed immediately.
func (s *Scheduler) releaseRoute(route *Route, limits *LimitsProfile) {
	if s.graph.RouteRefs(route.id) > 1 {
		s.graph.UnrefRoute(route.id)
		return
	}

	now := s.now()
	if route.Penalty > 0 {
		s.routeRQ.Schedule(route.LastPenalty.Add(quadraticDelay(route.Penalty)), route.id, struct{}{})
		return
	}
	if route.Flags&RouteKeepalive == 0 {
		deadline := route.LastConnect.Add(limits.ConnDelayRouteMax)
		if d := route.LastDisconnect.Add(limits.DiscDelayRouteMax); d.After(deadline) {
			deadline = d
		}
		if deadline.After(now) {
			route.Flags |= RouteKeepalive
			s.routeRQ.Schedule(deadline, route.id, struct{}{})
			return
		}
	}
	s.graph.UnrefRoute(route.id)
}
