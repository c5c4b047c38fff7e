package relay

// drain is the per-relay state-machine tick of spec.md §4.4. It is
// called whenever relay state changes: after queries resolve, after a
// connector or session reports back, and when its run-queue timer
// fires.
func (s *Scheduler) drain(r *Relay) {
	if r.NTask == 0 {
		return
	}

	if r.Fail != FailNone {
		s.flush(r, r.Fail, r.FailMsg)
		return
	}

	s.ensureSecret(r)
	s.ensurePreference(r)
	s.ensureMX(r)

	if r.Wait != 0 {
		return
	}

	if exhausted, msg := s.sourceExhaustion(r); exhausted {
		s.failRelay(r, FailTempfail, msg)
		s.flush(r, r.Fail, r.FailMsg)
		return
	}

	now := s.now()
	if !now.Before(r.NextSource) {
		s.querySource(r)
		return
	}

	r.Wait |= WaitConnector
	s.drainRQ.Schedule(r.NextSource, r.id, struct{}{})
	r.onDrainRunq = true
}

// sourceExhaustion implements the terminal-failure criteria at the end
// of spec.md §4.4: no source candidates at all, or repeated source
// queries stopped producing distinct connectors.
func (s *Scheduler) sourceExhaustion(r *Relay) (bool, string) {
	if r.SourceLoop == 0 {
		return false, ""
	}
	if len(r.Connectors) == 0 {
		return true, "Could not retrieve source address"
	}
	if len(r.Connectors) < r.SourceLoop {
		return true, refineRouteFailureMessage(r)
	}
	return false, ""
}

// refineRouteFailureMessage OR's every connector's error flags and
// picks the most specific message, per spec.md §4.4.
func refineRouteFailureMessage(r *Relay) string {
	var all ConnectorFlags
	for _, c := range r.Connectors {
		all |= c.Flags
	}
	switch {
	case all&ConnectorErrorRouteSMTP != 0:
		return "Destination seem to reject all mails"
	case all&ConnectorErrorRouteNet != 0:
		return "Network error on destination MXs"
	case all&ConnectorErrorMX != 0:
		return "No MX found for destination"
	case all&ConnectorErrorFamily != 0:
		return "Address family mismatch on destination MXs"
	default:
		return "No valid route to destination"
	}
}

// onDrainTimer is invoked by the scheduler's event loop when the
// relay drain run-queue fires.
func (s *Scheduler) onDrainTimer(relayID RelayID) {
	r := s.graph.Relay(relayID)
	if r == nil {
		return
	}
	r.onDrainRunq = false
	r.Wait &^= WaitConnector
	s.drain(r)
}
