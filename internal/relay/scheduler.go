package relay

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ControlKind distinguishes the Control→core commands of spec.md §6.
type ControlKind int

const (
	ControlShowRoutes ControlKind = iota
	ControlShowHostStats
	ControlResumeRoute
)

// ControlRequest carries a Control→core command onto the scheduler's
// own event loop, so ShowRoutes/ShowHostStats/ResumeRoute never read or
// mutate the entity graph from any goroutine but Run's. Reply receives
// exactly one slice of text lines (empty for ResumeRoute) and is never
// closed by the scheduler.
type ControlRequest struct {
	Kind    ControlKind
	RouteID RouteID
	Reply   chan<- []string
}

// Submission is a TRANSFER: a task of envelopes bound for the relay
// configuration described by Key.
type Submission struct {
	Key  RelayKey
	Task *Task
}

// Scheduler is the single-threaded event loop described in spec.md §5.
// Nothing in it takes a lock; every suspension point is either an
// outstanding request to an external collaborator or a run-queue timer
// firing, both delivered over the channels below.
type Scheduler struct {
	graph     *Graph
	q         *queryState
	hostStats *HostStats
	limits    *LimitsTable

	drainRQ     *RunQueue[RelayID, struct{}]
	connectorRQ *RunQueue[RelayID, SourceID]
	routeRQ     *RunQueue[RouteID, struct{}]
	hoststatRQ  *RunQueue[string, struct{}]

	resolver MXResolver
	lookup   SecretSourceLookup
	session  SessionEngine
	queue    QueueClient

	ctx  context.Context
	logf func(string)
	clock func() time.Time

	verbosity atomic.Int32
	profile   atomic.Int32

	Submissions       chan Submission
	MXHostReplies     chan MXHostReply
	MXEndReplies      chan MXEndReply
	PreferenceReplies chan PreferenceReply
	SecretReplies     chan SecretReply
	SourceReplies     chan SourceReply
	SessionEvents     chan SessionEvent
	ControlRequests   chan ControlRequest
}

// Collaborators bundles the four external services the scheduler talks
// to (spec.md §1's "out of scope... only their interfaces described").
type Collaborators struct {
	Resolver MXResolver
	Lookup   SecretSourceLookup
	Session  SessionEngine
	Queue    QueueClient
}

// NewScheduler constructs a Scheduler with empty channels of modest
// buffer depth; callers should start Run in its own goroutine and then
// feed the channels (tests instead drive the loop one event at a time
// with Step).
func NewScheduler(limits *LimitsTable, collab Collaborators, logf func(string)) *Scheduler {
	return &Scheduler{
		graph:     NewGraph(),
		q:         newQueryState(),
		hostStats: NewHostStats(),
		limits:    limits,

		drainRQ:     NewRunQueue[RelayID, struct{}](),
		connectorRQ: NewRunQueue[RelayID, SourceID](),
		routeRQ:     NewRunQueue[RouteID, struct{}](),
		hoststatRQ:  NewRunQueue[string, struct{}](),

		resolver: collab.Resolver,
		lookup:   collab.Lookup,
		session:  collab.Session,
		queue:    collab.Queue,

		ctx:  context.Background(),
		logf: logf,

		Submissions:       make(chan Submission, 64),
		MXHostReplies:     make(chan MXHostReply, 64),
		MXEndReplies:      make(chan MXEndReply, 64),
		PreferenceReplies: make(chan PreferenceReply, 64),
		SecretReplies:     make(chan SecretReply, 64),
		SourceReplies:     make(chan SourceReply, 64),
		SessionEvents:     make(chan SessionEvent, 64),
		ControlRequests:   make(chan ControlRequest, 8),
	}
}

// SetVerbose and SetProfile implement the Parent→core VERBOSE/PROFILE
// messages of spec.md §6. Both are fire-and-forget level changes rather
// than graph queries, so they're plain atomics set from whichever
// goroutine owns the control listener instead of round-tripping through
// ControlRequests.
func (s *Scheduler) SetVerbose(level int) { s.verbosity.Store(int32(level)) }

// Verbose returns the current VERBOSE level.
func (s *Scheduler) Verbose() int { return int(s.verbosity.Load()) }

// SetProfile sets the current PROFILE level.
func (s *Scheduler) SetProfile(level int) { s.profile.Store(int32(level)) }

// Profile returns the current PROFILE level.
func (s *Scheduler) Profile() int { return int(s.profile.Load()) }

func (s *Scheduler) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// SetClock overrides the wall clock, for deterministic tests.
func (s *Scheduler) SetClock(clock func() time.Time) { s.clock = clock }

// SetCollaborators wires the four external collaborators after
// construction, for callers that must build the collaborators
// themselves from this Scheduler's own reply channels (resolver,
// lookup) before a Collaborators value can exist. Must be called
// before Run/Step.
func (s *Scheduler) SetCollaborators(c Collaborators) {
	s.resolver = c.Resolver
	s.lookup = c.Lookup
	s.session = c.Session
	s.queue = c.Queue
}

// Run drives the event loop until ctx is cancelled. It is the only
// goroutine that ever touches the entity graph.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	timer := time.NewTimer(s.nextWake())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-s.Submissions:
			s.submit(sub)
		case rep := <-s.MXHostReplies:
			s.handleMXHostReply(rep)
		case rep := <-s.MXEndReplies:
			s.handleMXEndReply(rep)
		case rep := <-s.PreferenceReplies:
			s.dispatchPreferenceReply(rep)
		case rep := <-s.SecretReplies:
			s.dispatchSecretReply(rep)
		case rep := <-s.SourceReplies:
			s.dispatchSourceReply(rep)
		case ev := <-s.SessionEvents:
			s.HandleSessionEvent(ev)
		case req := <-s.ControlRequests:
			s.handleControl(req)
		case <-timer.C:
			s.fireTimers()
		}
		timer.Reset(s.nextWake())
	}
}

// Step processes exactly one pending event (submission, reply, session
// event, or timer firing) without blocking, and reports whether there
// was anything to process.
// It exists so tests can drive the scheduler deterministically instead
// of racing a goroutine; Run is the production entry point.
func (s *Scheduler) Step() bool {
	select {
	case sub := <-s.Submissions:
		s.submit(sub)
	case rep := <-s.MXHostReplies:
		s.handleMXHostReply(rep)
	case rep := <-s.MXEndReplies:
		s.handleMXEndReply(rep)
	case rep := <-s.PreferenceReplies:
		s.dispatchPreferenceReply(rep)
	case rep := <-s.SecretReplies:
		s.dispatchSecretReply(rep)
	case rep := <-s.SourceReplies:
		s.dispatchSourceReply(rep)
	case ev := <-s.SessionEvents:
		s.HandleSessionEvent(ev)
	case req := <-s.ControlRequests:
		s.handleControl(req)
	default:
		if s.hasDueTimer() {
			s.fireTimers()
			return true
		}
		return false
	}
	return true
}

func (s *Scheduler) hasDueTimer() bool {
	now := s.now()
	for _, rq := range s.allRunQueues() {
		if d, ok := rq.nextDeadlineAny(); ok && !d.After(now) {
			return true
		}
	}
	return false
}

func (s *Scheduler) nextWake() time.Duration {
	const idleWake = 1 * time.Minute
	now := s.now()
	best := idleWake
	for _, rq := range s.allRunQueues() {
		if d, ok := rq.nextDeadlineAny(); ok {
			if until := d.Sub(now); until < best {
				best = until
			}
		}
	}
	if best < 0 {
		best = 0
	}
	return best
}

// runQueueAny erases the generic RunQueue's type parameters behind a
// narrow interface so nextWake/hasDueTimer can iterate all four
// uniformly.
type runQueueAny interface {
	nextDeadlineAny() (time.Time, bool)
}

func (rq *RunQueue[Tag, Opaque]) nextDeadlineAny() (time.Time, bool) { return rq.NextDeadline() }

func (s *Scheduler) allRunQueues() []runQueueAny {
	return []runQueueAny{s.drainRQ, s.connectorRQ, s.routeRQ, s.hoststatRQ}
}

func (s *Scheduler) fireTimers() {
	now := s.now()
	for _, e := range s.drainRQ.Fired(now) {
		s.onDrainTimer(e.Tag)
	}
	for _, e := range s.connectorRQ.Fired(now) {
		s.onConnectorTimer(e.Tag, e.Opaque)
	}
	for _, e := range s.routeRQ.Fired(now) {
		s.onRouteTimer(e.Tag)
	}
	for _, e := range s.hoststatRQ.Fired(now) {
		s.onHoststatTimer(e.Tag)
	}
}

func (s *Scheduler) dispatchPreferenceReply(rep PreferenceReply) {
	relayID, ok := s.q.prefReq[rep.ReqID]
	if !ok {
		return
	}
	delete(s.q.prefReq, rep.ReqID)
	s.onPreferenceReply(relayID, rep)
}

func (s *Scheduler) dispatchSecretReply(rep SecretReply) {
	relayID, ok := s.q.secretReq[rep.ReqID]
	if !ok {
		return
	}
	delete(s.q.secretReq, rep.ReqID)
	s.onSecretReply(relayID, rep)
}

func (s *Scheduler) dispatchSourceReply(rep SourceReply) {
	relayID, ok := s.q.sourceReq[rep.ReqID]
	if !ok {
		return
	}
	delete(s.q.sourceReq, rep.ReqID)
	s.onSourceReply(relayID, rep)
}

// submit interns the relay for sub.Key, appends its task, takes the
// task's relay reference (released as the task is dequeued or flushed),
// and kicks a drain.
func (s *Scheduler) submit(sub Submission) {
	r := s.graph.InternRelay(sub.Key, s.limits.Lookup(sub.Key.Domain))
	r.Tasks = append(r.Tasks, sub.Task)
	r.NTask += len(sub.Task.Envelopes)
	s.graph.RefRelay(r.id)
	s.drain(r)
	s.graph.UnrefRelay(r.id) // release InternRelay's own lookup reference
}

// handleControl runs one ControlRequest on the event-loop goroutine and
// replies exactly once.
func (s *Scheduler) handleControl(req ControlRequest) {
	switch req.Kind {
	case ControlShowRoutes:
		req.Reply <- s.ShowRoutes()
	case ControlShowHostStats:
		req.Reply <- s.ShowHostStats()
	case ControlResumeRoute:
		s.ResumeRoute(req.RouteID)
		req.Reply <- nil
	default:
		req.Reply <- nil
	}
}

// --- Control surface (spec.md §6 control text format) ---

// RouteFlagLetters renders the N/D/Q/K flag letters for a route.
func RouteFlagLetters(f RouteFlags) string {
	var b strings.Builder
	if f&RouteNew != 0 {
		b.WriteByte('N')
	} else {
		b.WriteByte('-')
	}
	if f&RouteDisabled != 0 {
		b.WriteByte('D')
	} else {
		b.WriteByte('-')
	}
	if f&RouteRunq != 0 {
		b.WriteByte('Q')
	} else {
		b.WriteByte('-')
	}
	if f&RouteKeepalive != 0 {
		b.WriteByte('K')
	} else {
		b.WriteByte('-')
	}
	return b.String()
}

// ShowRoutes renders one line per route plus the sentinel empty record,
// matching spec.md §6's control text format.
func (s *Scheduler) ShowRoutes() []string {
	lines := make([]string, 0, len(s.graph.routes)+1)
	for id, rt := range s.graph.routes {
		src := s.graph.Source(rt.SourceID)
		host := s.graph.Host(rt.HostID)
		timeout := "-"
		if d, ok := s.routeRQ.Pending(id, struct{}{}); ok {
			if until := d.Sub(s.now()); until > 0 {
				timeout = until.Round(time.Second).String()
			}
		}
		srcAddr := src.Addr
		if srcAddr == NullSource {
			srcAddr = "-"
		}
		lines = append(lines, fmt.Sprintf("%d. %s <-> %s %s nconn=%d penalty=%d timeout=%s",
			id, srcAddr, host.Addr, RouteFlagLetters(rt.Flags), rt.NConn, rt.Penalty, timeout))
	}
	lines = append(lines, "")
	return lines
}

// ShowHostStats renders one line per hoststat entry plus the sentinel
// empty record.
func (s *Scheduler) ShowHostStats() []string {
	lines := make([]string, 0, len(s.hostStats.entries)+1)
	for name, hs := range s.hostStats.entries {
		lines = append(lines, fmt.Sprintf("%s|%d|%s", name, hs.UpdatedAt.Unix(), hs.LastError))
	}
	lines = append(lines, "")
	return lines
}

// ResumeRoute re-enables the route with the given id (0 = every
// disabled route), cancelling its pending suspension timer.
func (s *Scheduler) ResumeRoute(id RouteID) {
	if id == 0 {
		for _, rt := range s.graph.routes {
			s.resumeOne(rt)
		}
		return
	}
	if rt := s.graph.Route(id); rt != nil {
		s.resumeOne(rt)
	}
}

func (s *Scheduler) resumeOne(rt *Route) {
	if !rt.Disabled() {
		return
	}
	if s.routeRQ.Cancel(rt.id, struct{}{}) {
		s.graph.UnrefRoute(rt.id)
	}
	s.routeEnable(rt)
}
