package relay

import "time"

// connectAdmissionDelay is the fallback retry delay used whenever an
// admission limit fires without a more specific deadline, per spec.md
// §4.6.
const connectAdmissionDelay = 5 * time.Second

// connect is the per-(relay,source) admission loop of spec.md §4.6. It
// greedily spawns as many sessions as current admission allows in a
// single call (the "goto again" behavior of the original, preserved
// per spec.md §9's design note).
func (s *Scheduler) connect(r *Relay, c *Connector) {
	for {
		if r.NConnReady >= r.NTask {
			return
		}
		if r.NConn > 2 && r.NConn >= r.NTask/2 {
			return
		}
		if c.Flags&ConnectorError != 0 {
			return
		}

		now := s.now()
		dom := s.graph.Domain(r.DomainID)
		src := s.graph.Source(c.SourceID)
		limits := r.Limits

		var nextconn time.Time
		limitHit := false

		consider := func(nconn, max int, last time.Time, delay time.Duration) {
			if nconn >= max {
				limitHit = true
			}
			if delay > 0 && !last.IsZero() {
				d := last.Add(delay)
				if nextconn.IsZero() || d.After(nextconn) {
					nextconn = d
				}
			}
		}

		consider(dom.NConn, limits.MaxPerDomain, dom.LastConn, limits.ConnDelayDomain)
		consider(src.NConn, limits.MaxPerSource, src.LastConn, limits.ConnDelaySource)
		consider(c.NConn, limits.MaxPerConnector, c.LastConn, limits.ConnDelayConnector)
		consider(r.NConn, limits.MaxPerRelay, time.Time{}, limits.ConnDelayRelay)

		if limitHit || (!nextconn.IsZero() && nextconn.After(now)) {
			next := nextconn
			if limitHit {
				alt := now.Add(connectAdmissionDelay)
				if next.IsZero() || next.Before(alt) {
					next = alt
				}
			}
			s.scheduleConnector(r, c, next)
			return
		}

		res := s.findRoute(r, c, now)
		if res.route == nil {
			applyStickyErrors(c, res)
			if c.Flags&ConnectorError != 0 {
				return
			}
			next := now.Add(connectAdmissionDelay)
			if res.haveNext && !res.limitHost && !res.limitRoute {
				next = res.nextconn
			}
			s.scheduleConnector(r, c, next)
			return
		}

		route := res.route
		route.NConn++
		dom.NConn++
		src.NConn++
		c.NConn++
		r.NConn++
		route.LastConnect = now
		dom.LastConn = now
		src.LastConn = now
		c.LastConn = now

		// A connector that can still produce a route is making
		// progress; forgive the source-exhaustion counter.
		r.SourceLoop = 0

		s.graph.RefRelay(r.id)
		s.spawnSession(r, route)
	}
}

func (s *Scheduler) scheduleConnector(r *Relay, c *Connector, at time.Time) {
	c.Flags |= ConnectorWait
	c.onRunq = true
	s.connectorRQ.Schedule(at, r.id, c.SourceID)
}

// onConnectorTimer is invoked by the event loop when a connector's
// admission timer fires.
func (s *Scheduler) onConnectorTimer(relayID RelayID, sourceID SourceID) {
	r := s.graph.Relay(relayID)
	if r == nil {
		return
	}
	c, ok := r.Connectors[sourceID]
	if !ok {
		return
	}
	c.onRunq = false
	c.Flags &^= ConnectorWait
	s.connect(r, c)
}

// spawnSession asks the session engine to start a session on route,
// taking the relay reference the connect loop already placed.
func (s *Scheduler) spawnSession(r *Relay, route *Route) {
	host := s.graph.Host(route.HostID)
	src := s.graph.Source(route.SourceID)
	target := SessionTarget{
		RouteID:    route.id,
		HostAddr:   host.Addr,
		SourceAddr: src.Addr,
		Domain:     r.Key.Domain,
		AuthLabel:  r.Key.AuthLabel,
		Secret:     r.Secret,
		HaveSecret: r.HaveSecret,
	}
	s.session.StartSession(s.ctx, r.id, target, func() *Task {
		return s.nextTask(r)
	})
}

// nextTask pops the first pending task off relay r's FIFO task list and
// releases the reference submit() took for it.
func (s *Scheduler) nextTask(r *Relay) *Task {
	if len(r.Tasks) == 0 {
		return nil
	}
	t := r.Tasks[0]
	r.Tasks = r.Tasks[1:]
	s.graph.UnrefRelay(r.id)
	return t
}
