package relay

// HandleSessionEvent dispatches one of the session engine's callbacks
// (spec.md §4.7) or a per-envelope delivery result into the scheduler.
func (s *Scheduler) HandleSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case EventRouteOK:
		s.routeOK(ev.RelayID, ev.RouteID)
	case EventRouteDown:
		s.routeDown(ev.RouteID)
	case EventRouteCollect:
		s.routeCollect(ev.RelayID, ev.RouteID)
	case EventRouteError:
		s.routeError(ev.RouteID, ev.Message)
	case EventSourceError:
		s.sourceError(ev.RelayID, ev.RouteID)
	case EventEnvelopeResult:
		if r := s.graph.Relay(ev.RelayID); r != nil {
			s.flushEnvelopeOutcome(r, ev.EnvelopeID, ev.Outcome, ev.Message)
		}
	}
}

// routeOK clears ROUTE_NEW and re-triggers admission on the owning
// connector now that the route has been validated (spec.md §4.7).
func (s *Scheduler) routeOK(relayID RelayID, routeID RouteID) {
	route := s.graph.Route(routeID)
	r := s.graph.Relay(relayID)
	if route == nil || r == nil {
		return
	}
	route.Flags &^= RouteNew
	r.NConnReady++
	host := s.graph.Host(route.HostID)
	if _, ok := s.hostStats.Get(host.Addr); ok {
		s.hoststatReschedule(host.Addr)
	}
	c := s.graph.Connector(relayID, route.SourceID)
	s.connect(r, c)
}

// routeDown disables the route for a session-level rejection.
func (s *Scheduler) routeDown(routeID RouteID) {
	route := s.graph.Route(routeID)
	if route == nil {
		return
	}
	s.routeDisable(route, 2, RouteDisabledSMTP)
}

// routeCollect tears down a finished session: decrements the five
// connection counters, records the disconnect time, disables the route
// if the session was the single probing attempt, re-triggers admission,
// and finally releases the route and relay references the connect loop
// took when it spawned the session.
func (s *Scheduler) routeCollect(relayID RelayID, routeID RouteID) {
	route := s.graph.Route(routeID)
	r := s.graph.Relay(relayID)
	if route == nil || r == nil {
		return
	}
	c := s.graph.Connector(relayID, route.SourceID)
	dom := s.graph.Domain(r.DomainID)
	src := s.graph.Source(route.SourceID)

	route.NConn--
	dom.NConn--
	src.NConn--
	c.NConn--
	r.NConn--
	route.LastDisconnect = s.now()

	wasProbing := route.Flags&RouteNew != 0
	if wasProbing {
		s.routeDisable(route, 2, RouteDisabledNet)
	} else if r.NConnReady > 0 {
		r.NConnReady--
	}

	s.connect(r, c)

	s.releaseRoute(route, r.Limits)
	s.graph.UnrefRelay(r.id)
}

// routeError records a peer-reported error against the route's host,
// latching HOST_IGNORE once the error count exceeds the threshold.
func (s *Scheduler) routeError(routeID RouteID, msg string) {
	route := s.graph.Route(routeID)
	if route == nil {
		return
	}
	host := s.graph.Host(route.HostID)
	host.NError++
	if host.NError > 4 {
		host.Flags |= HostIgnore
	}
	s.hoststatUpdate(host.Addr, msg)
}

// sourceError marks the (relay, route.src) connector as having a
// source-level error.
func (s *Scheduler) sourceError(relayID RelayID, routeID RouteID) {
	route := s.graph.Route(routeID)
	if route == nil {
		return
	}
	c := s.graph.Connector(relayID, route.SourceID)
	c.Flags |= ConnectorErrorSource
}
