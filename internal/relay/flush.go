package relay

import "fmt"

// failRelay records a terminal failure on a relay. Once set, it is
// sticky: the first failure to be recorded wins (spec.md does not
// describe a relay recovering from terminal failure without being torn
// down and re-created).
func (s *Scheduler) failRelay(r *Relay, kind FailKind, msg string) {
	if r.Fail != FailNone {
		return
	}
	r.Fail = kind
	r.FailMsg = msg
}

// flush emits the outcome of every remaining envelope on relay r and
// empties its task list, per spec.md §4.4 ("task list becomes empty
// after next drain") and §4.9.
func (s *Scheduler) flush(r *Relay, kind FailKind, msg string) {
	for _, t := range r.Tasks {
		for _, e := range t.Envelopes {
			s.flushEnvelope(r, e, kind, msg)
		}
		s.graph.UnrefRelay(r.id) // release the reference submit() took for this task
	}
	r.Tasks = nil
	r.NTask = 0
}

// flushEnvelope emits a single envelope's outcome to the queue and logs
// a formatted line, per spec.md §4.9. On tempfail, if every connector of
// the relay carries an ERROR_ROUTE bit, the envelope is cached against
// the destination's domain hoststat entry for later replay.
func (s *Scheduler) flushEnvelope(r *Relay, e *Envelope, kind FailKind, msg string) {
	switch kind {
	case FailTempfail:
		s.queue.Tempfail(e.ID, 0, msg)
		if allConnectorsRouteError(r) {
			s.hoststatCache(domainOf(e.Destination), e.ID)
		}
	case FailPermfail:
		s.queue.Permfail(e.ID, msg)
	default:
		s.queue.OK(e.ID)
	}
	s.log("%s evpid=%s relay=%s reason=%q", outcomeWord(kind), e.ID, r.Key.Domain, msg)
}

// flushEnvelopeOutcome handles a per-envelope result reported directly
// by the session engine (spec.md §6's OK/TEMPFAIL/PERMFAIL/LOOP family),
// independent of any relay-wide terminal failure.
func (s *Scheduler) flushEnvelopeOutcome(r *Relay, evpid string, outcome EnvelopeOutcome, msg string) {
	if r.NTask > 0 {
		r.NTask--
	}
	switch outcome {
	case OutcomeOK:
		s.queue.OK(evpid)
		s.log("Ok evpid=%s relay=%s", evpid, r.Key.Domain)
	case OutcomeTempfail:
		s.queue.Tempfail(evpid, 0, msg)
		if allConnectorsRouteError(r) {
			s.hoststatCache(r.Key.Domain, evpid)
		}
		s.log("TempFail evpid=%s relay=%s reason=%q", evpid, r.Key.Domain, msg)
	case OutcomePermfail:
		s.queue.Permfail(evpid, msg)
		s.log("PermFail evpid=%s relay=%s reason=%q", evpid, r.Key.Domain, msg)
	case OutcomeLoop:
		s.queue.Loop(evpid)
		s.log("Loop evpid=%s relay=%s", evpid, r.Key.Domain)
	}
}

func outcomeWord(kind FailKind) string {
	switch kind {
	case FailTempfail:
		return "TempFail"
	case FailPermfail:
		return "PermFail"
	default:
		return "Ok"
	}
}

func allConnectorsRouteError(r *Relay) bool {
	if len(r.Connectors) == 0 {
		return false
	}
	for _, c := range r.Connectors {
		if c.Flags&ConnectorErrorRoute == 0 {
			return false
		}
	}
	return true
}

func domainOf(destination string) string {
	for i := len(destination) - 1; i >= 0; i-- {
		if destination[i] == '@' {
			return destination[i+1:]
		}
	}
	return destination
}

func (s *Scheduler) log(format string, args ...any) {
	if s.logf == nil {
		return
	}
	s.logf(fmt.Sprintf(format, args...))
}
