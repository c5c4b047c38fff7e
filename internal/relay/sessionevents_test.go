package relay

import "testing"

func setupRouteFixture(s *Scheduler) (*Relay, *Route, *Connector) {
	r := s.graph.InternRelay(RelayKey{Domain: "example.com"}, DefaultLimits())
	src := s.graph.InternSource(NullSource)
	host := s.graph.InternHost("203.0.113.1:25")
	route := s.graph.InternRoute(src.id, host.id)
	c := s.graph.Connector(r.id, src.id)
	route.NConn++
	r.NConn++
	c.NConn++
	s.graph.RefRelay(r.id) // the reference connect() would have taken for the session
	return r, route, c
}

func TestRouteOKClearsNewAndIncrementsReady(t *testing.T) {
	s := newTestScheduler()
	r, route, _ := setupRouteFixture(s)

	s.routeOK(r.id, route.id)

	if route.Flags&RouteNew != 0 {
		t.Error("expected RouteNew cleared")
	}
	if r.NConnReady != 1 {
		t.Fatalf("expected NConnReady 1, got %d", r.NConnReady)
	}
}

func TestRouteOKReplaysDeferredHoststat(t *testing.T) {
	s := newTestScheduler()
	queue := &fakeQueue{}
	s.queue = queue
	r, route, _ := setupRouteFixture(s)
	host := s.graph.Host(route.HostID)
	s.hoststatCache(host.Addr, "evp1")

	s.routeOK(r.id, route.id)

	if len(queue.scheduled()) != 1 || queue.scheduled()[0] != "evp1" {
		t.Fatalf("expected evp1 rescheduled on route recovery, got %v", queue.scheduled())
	}
}

func TestRouteDownDisablesRoute(t *testing.T) {
	s := newTestScheduler()
	_, route, _ := setupRouteFixture(s)

	s.routeDown(route.id)

	if !route.Disabled() {
		t.Fatal("expected route disabled")
	}
	if route.Flags&RouteDisabledSMTP == 0 {
		t.Error("expected RouteDisabledSMTP set")
	}
	if route.Penalty != 2 {
		t.Fatalf("expected penalty 2, got %d", route.Penalty)
	}
}

func TestRouteCollectDecrementsCountersAndReleasesRelayRef(t *testing.T) {
	s := newTestScheduler()
	r, route, c := setupRouteFixture(s)
	beforeRelayRefs := s.graph.RelayRefs(r.id)

	s.routeCollect(r.id, route.id)

	if route.NConn != 0 || r.NConn != 0 || c.NConn != 0 {
		t.Fatalf("expected counters decremented, route=%d relay=%d connector=%d", route.NConn, r.NConn, c.NConn)
	}
	if got := s.graph.RelayRefs(r.id); got != beforeRelayRefs-1 {
		t.Fatalf("expected relay ref released, got %d (was %d)", got, beforeRelayRefs)
	}
}

func TestRouteCollectOfProbingSessionDisablesRouteAndDoesNotDecrementReady(t *testing.T) {
	s := newTestScheduler()
	r, route, _ := setupRouteFixture(s)
	// route starts with RouteNew set (InternRoute's default); simulate a
	// probing session ending before routeOK ever validated it.

	s.routeCollect(r.id, route.id)

	if !route.Disabled() || route.Flags&RouteDisabledNet == 0 {
		t.Fatal("expected probing-session failure to disable the route with RouteDisabledNet")
	}
	if r.NConnReady != 0 {
		t.Fatalf("expected NConnReady untouched (was never incremented), got %d", r.NConnReady)
	}
}

func TestRouteErrorLatchesHostIgnoreAboveThreshold(t *testing.T) {
	s := newTestScheduler()
	_, route, _ := setupRouteFixture(s)
	host := s.graph.Host(route.HostID)

	for i := 0; i < 4; i++ {
		s.routeError(route.id, "421 too busy")
		if host.Ignored() {
			t.Fatalf("host should not be ignored before nerror exceeds 4, iteration %d", i)
		}
	}
	s.routeError(route.id, "421 too busy")
	if !host.Ignored() {
		t.Fatal("expected host IGNORE latched on the 5th error")
	}
}

func TestSourceErrorMarksConnector(t *testing.T) {
	s := newTestScheduler()
	r, route, _ := setupRouteFixture(s)

	s.sourceError(r.id, route.id)

	c := s.graph.Connector(r.id, route.SourceID)
	if c.Flags&ConnectorErrorSource == 0 {
		t.Fatal("expected ConnectorErrorSource set")
	}
}
