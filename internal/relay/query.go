package relay

import (
	"context"
	"time"
)

// queryState holds the request-id bookkeeping for the four driver
// kinds (spec.md §4.3, §9 "typed request tables, each keyed by
// request_id -> (entity_id, kind)"). MX is additionally shared per
// domain via a WaitQueue so that concurrent relays for the same domain
// issue exactly one upstream query.
type queryState struct {
	nextReqID uint64

	mxWait    *WaitQueue[DomainID]
	mxReqDom  map[uint64]DomainID // in-flight MX/host reqID -> domain
	mxInFlight map[DomainID]uint64

	secretReq map[uint64]RelayID
	prefReq   map[uint64]RelayID
	sourceReq map[uint64]RelayID
}

func newQueryState() *queryState {
	return &queryState{
		mxWait:     NewWaitQueue[DomainID](),
		mxReqDom:   make(map[uint64]DomainID),
		mxInFlight: make(map[DomainID]uint64),
		secretReq:  make(map[uint64]RelayID),
		prefReq:    make(map[uint64]RelayID),
		sourceReq:  make(map[uint64]RelayID),
	}
}

func (q *queryState) newReqID() uint64 {
	q.nextReqID++
	return q.nextReqID
}

// mxCacheTTL bounds how long a domain's resolved MX list is trusted
// before ensureMX will issue a fresh query for it.
const mxCacheTTL = 10 * time.Minute

// ensureMX issues (or piggybacks on) the domain's MX query, iff the
// relay does not already have WaitMX set and the domain's cached MX
// answer (if any) has expired. Idempotent.
func (s *Scheduler) ensureMX(r *Relay) {
	if r.Wait&WaitMX != 0 {
		return
	}
	dom := s.graph.Domain(r.DomainID)
	if dom.MXStatus != MXStatusNone && s.now().Before(dom.MXQueriedAt.Add(mxCacheTTL)) {
		return
	}
	r.Wait |= WaitMX
	s.graph.RefRelay(r.id)
	first := s.q.mxWait.Wait(r.DomainID, func(arg, payload any) {
		relayID := arg.(RelayID)
		s.onMXReply(relayID, payload.(mxOutcome))
	}, r.id)

	if !first {
		return
	}
	reqID := s.q.newReqID()
	s.q.mxReqDom[reqID] = r.DomainID
	s.q.mxInFlight[r.DomainID] = reqID
	if r.Key.Flags&RelayMXTarget != 0 {
		s.resolver.QueryHost(context.Background(), reqID, dom.Name)
	} else {
		s.resolver.QueryMX(context.Background(), reqID, dom.Name)
	}
}

// ensureSecret issues the AUTH secret query iff required and not
// already outstanding.
func (s *Scheduler) ensureSecret(r *Relay) {
	if r.Key.Flags&RelayAuth == 0 {
		return
	}
	if r.Wait&WaitSecret != 0 || r.HaveSecret {
		return
	}
	r.Wait |= WaitSecret
	s.graph.RefRelay(r.id)
	reqID := s.q.newReqID()
	s.q.secretReq[reqID] = r.id
	s.lookup.QuerySecret(context.Background(), reqID, r.Key.AuthTable, r.Key.AuthLabel)
}

// ensurePreference issues the backup-MX preference query iff required.
func (s *Scheduler) ensurePreference(r *Relay) {
	if r.Key.Flags&RelayBackup == 0 {
		return
	}
	if r.Wait&WaitPreference != 0 || r.BackupPref >= 0 {
		return
	}
	r.Wait |= WaitPreference
	s.graph.RefRelay(r.id)
	reqID := s.q.newReqID()
	s.q.prefReq[reqID] = r.id
	dom := s.graph.Domain(r.DomainID)
	s.resolver.QueryMXPreference(context.Background(), reqID, dom.Name, r.Key.BackupName)
}

// querySource issues a source-address candidate request. Per spec.md
// §4.3, a relay with no configured source table synthesizes the "OS
// default" source immediately instead of calling out.
func (s *Scheduler) querySource(r *Relay) {
	r.Wait |= WaitSource
	r.SourceLoop++
	s.graph.RefRelay(r.id)
	if r.Key.SourceTable == "" {
		s.onSourceReply(r.id, SourceReply{OK: true, Addr: NullSource})
		return
	}
	reqID := s.q.newReqID()
	s.q.sourceReq[reqID] = r.id
	s.lookup.QuerySource(context.Background(), reqID, r.Key.SourceTable)
}

type mxOutcome struct {
	status MXStatus
}

// handleMXHostReply records one DNS_HOST record into the domain's MX
// list. It does not clear WaitMX — that happens on DNS_HOST_END.
func (s *Scheduler) handleMXHostReply(rep MXHostReply) {
	domID, ok := s.q.mxReqDom[rep.ReqID]
	if !ok {
		return
	}
	dom := s.graph.Domain(domID)
	host := s.graph.InternHost(rep.Addr)
	dom.MXList = append(dom.MXList, MXEntry{Host: host.id, Preference: rep.Preference})
}

// handleMXEndReply finalizes the domain's MX list (sorted ascending by
// preference) and runs the shared wait-queue, releasing one reference
// per waiting relay.
func (s *Scheduler) handleMXEndReply(rep MXEndReply) {
	domID, ok := s.q.mxReqDom[rep.ReqID]
	if !ok {
		return
	}
	delete(s.q.mxReqDom, rep.ReqID)
	delete(s.q.mxInFlight, domID)

	dom := s.graph.Domain(domID)
	dom.MXStatus = rep.Status
	dom.MXQueriedAt = s.now()
	sortMXByPreference(dom.MXList)

	s.q.mxWait.Run(domID, mxOutcome{status: rep.Status})
}

func sortMXByPreference(list []MXEntry) {
	for i := 1; i < len(list); i++ {
		j := i
		for j > 0 && list[j-1].Preference > list[j].Preference {
			list[j-1], list[j] = list[j], list[j-1]
			j--
		}
	}
}

// onMXReply clears WaitMX for relayID, releases its reference, and
// records a terminal failure if the status maps to one.
func (s *Scheduler) onMXReply(relayID RelayID, outcome mxOutcome) {
	r := s.graph.Relay(relayID)
	if r == nil {
		return
	}
	r.Wait &^= WaitMX
	switch outcome.status {
	case MXStatusOK:
		// no terminal failure
	case MXStatusRetry:
		s.failRelay(r, FailTempfail, "Temporary failure in MX lookup")
	case MXStatusEinval:
		s.failRelay(r, FailPermfail, "Invalid domain")
	case MXStatusEnoname:
		s.failRelay(r, FailPermfail, "Domain does not exist")
	case MXStatusEnotfound:
		s.failRelay(r, FailTempfail, "No MX found for domain")
	}
	s.graph.UnrefRelay(r.id)
	s.drain(r)
}

func (s *Scheduler) onSecretReply(relayID RelayID, rep SecretReply) {
	r := s.graph.Relay(relayID)
	if r == nil {
		return
	}
	r.Wait &^= WaitSecret
	if !rep.OK || rep.Secret == "" {
		s.failRelay(r, FailTempfail, "Could not retrieve credentials")
	} else {
		r.Secret = rep.Secret
		r.HaveSecret = true
	}
	s.graph.UnrefRelay(r.id)
	s.drain(r)
}

func (s *Scheduler) onPreferenceReply(relayID RelayID, rep PreferenceReply) {
	r := s.graph.Relay(relayID)
	if r == nil {
		return
	}
	r.Wait &^= WaitPreference
	if !rep.OK {
		r.BackupPref = intMax
	} else {
		r.BackupPref = rep.Preference
	}
	s.graph.UnrefRelay(r.id)
	s.drain(r)
}

const intMax = int(^uint(0) >> 1)

// fastSourceDelay, normalSourceDelay and slowSourceDelay are the three
// nextsource tiers of spec.md §4.4.
const (
	fastSourceDelay   = 0
	normalSourceDelay = 1 * time.Second
	slowSourceDelay   = 10 * time.Second
)

func (s *Scheduler) onSourceReply(relayID RelayID, rep SourceReply) {
	r := s.graph.Relay(relayID)
	if r == nil {
		return
	}
	r.Wait &^= WaitSource
	if !rep.OK {
		s.failRelay(r, FailTempfail, "Could not retrieve source address")
		s.graph.UnrefRelay(r.id)
		s.drain(r)
		return
	}
	r.LastSource = s.now()
	src := s.graph.InternSource(rep.Addr)
	_, existed := r.Connectors[src.id]
	conn := s.graph.Connector(r.id, src.id)

	var delay time.Duration
	switch {
	case conn.HasError():
		delay = fastSourceDelay
	case !existed:
		delay = normalSourceDelay
	default:
		delay = slowSourceDelay
	}
	r.NextSource = r.LastSource.Add(delay)

	s.connect(r, conn)
	s.graph.UnrefRelay(r.id)
	s.drain(r)
}
