package relay

import "context"

// MXResolver issues the DNS query kinds of spec.md §6 (query_mx,
// query_host, query_mx_preference). It is fire-and-forget: replies are
// delivered asynchronously on the channels the Scheduler exposes
// (MXHostReplies, MXEndReplies, PreferenceReplies), not returned here.
type MXResolver interface {
	QueryMX(ctx context.Context, reqID uint64, domain string)
	QueryHost(ctx context.Context, reqID uint64, name string)
	QueryMXPreference(ctx context.Context, reqID uint64, domain, backupName string)
}

// SecretSourceLookup issues the secret and source-address queries of
// spec.md §6. Replies arrive on the Scheduler's SecretReplies and
// SourceReplies channels.
type SecretSourceLookup interface {
	QuerySecret(ctx context.Context, reqID uint64, table, label string)
	QuerySource(ctx context.Context, reqID uint64, table string)
}

// SessionEngine owns a single TCP/TLS dialog end-to-end (spec.md §1).
// The scheduler asks it to start a session and hands it a callback to
// draw further envelopes; the engine reports outcomes back on the
// Scheduler's SessionEvents channel. It never touches the entity graph
// directly — SessionTarget carries the resolved addresses and relay
// credentials it needs.
type SessionEngine interface {
	StartSession(ctx context.Context, relayID RelayID, target SessionTarget, nextTask func() *Task)
}

// SessionTarget is the resolved view of a Route a session engine needs
// to dial and authenticate, without reaching into the scheduler's
// entity graph.
type SessionTarget struct {
	RouteID    RouteID
	HostAddr   string
	SourceAddr string // NullSource ("") means let the OS pick
	Domain     string
	AuthLabel  string
	Secret     string
	HaveSecret bool
}

// QueueClient is the external on-disk queue (spec.md §6): the scheduler
// pushes per-envelope outcomes here and receives TRANSFER submissions
// on the Scheduler's Submissions channel.
type QueueClient interface {
	OK(evpid string)
	Tempfail(evpid string, penalty int, reason string)
	Permfail(evpid string, reason string)
	Loop(evpid string)
	Schedule(evpid string)
}

// MXHostReply is one DNS_HOST record for an in-flight MX/host query.
type MXHostReply struct {
	ReqID      uint64
	Addr       string
	Preference int
}

// MXEndReply is the terminating DNS_HOST_END for an MX/host query.
type MXEndReply struct {
	ReqID  uint64
	Status MXStatus
}

// PreferenceReply answers query_mx_preference.
type PreferenceReply struct {
	ReqID      uint64
	OK         bool
	Preference int
}

// SecretReply answers a secret-table lookup; an empty Secret with
// OK true is treated the same as OK false (spec.md §4.3 "empty reply").
type SecretReply struct {
	ReqID  uint64
	Secret string
	OK     bool
}

// SourceReply answers a source-table lookup.
type SourceReply struct {
	ReqID uint64
	OK    bool
	Addr  string
}

// SessionEventKind distinguishes the three session callbacks, the two
// error-reporting calls of spec.md §4.7, and a per-envelope delivery
// result (the SMTP-level outcome of one RCPT, which spec.md leaves to
// the session engine to report — the scheduler only forwards it to the
// queue per §4.9).
type SessionEventKind uint8

const (
	EventRouteOK SessionEventKind = iota
	EventRouteDown
	EventRouteCollect
	EventRouteError
	EventSourceError
	EventEnvelopeResult
)

// EnvelopeOutcome is the four-way per-envelope result of spec.md §6.
type EnvelopeOutcome uint8

const (
	OutcomeOK EnvelopeOutcome = iota
	OutcomeTempfail
	OutcomePermfail
	OutcomeLoop
)

// SessionEvent is how the session engine reports outcomes back to the
// scheduler.
type SessionEvent struct {
	Kind       SessionEventKind
	RelayID    RelayID
	RouteID    RouteID
	Message    string
	EnvelopeID string
	Outcome    EnvelopeOutcome
}
