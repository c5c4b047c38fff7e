// Package relay implements the outbound mail transfer scheduler: a
// reference-counted graph of domains, relays, MXs, hosts, sources,
// connectors and routes, driven by a single-threaded event loop.
//
// Nothing in this package blocks and nothing in it takes a lock; every
// suspension point is either an outstanding request to an external
// collaborator (resolver, lookup, session, queue) or a run-queue timer.
package relay

import "time"

// DomainID, HostID, SourceID, RelayID and RouteID are stable identifiers
// into their respective arenas. Back-edges between entities are always
// by id, never by pointer, so arenas can be compacted independently.
type (
	DomainID uint64
	HostID   uint64
	SourceID uint64
	RelayID  uint64
	RouteID  uint64
)

// DomainFlags distinguishes an MX-resolved target from a literal
// A-record target (relay configured with a fixed next-hop).
type DomainFlags uint8

const (
	DomainMX DomainFlags = 1 << iota
	DomainA
)

// MXStatus records the outcome of the last MX query for a domain.
type MXStatus uint8

const (
	MXStatusNone MXStatus = iota
	MXStatusOK
	MXStatusRetry
	MXStatusEinval
	MXStatusEnoname
	MXStatusEnotfound
)

// MXEntry is a (host, preference) pair; a domain's MX list is kept
// sorted ascending by Preference.
type MXEntry struct {
	Host       HostID
	Preference int
}

// Domain is keyed by (Name, Flags); identity is by that pair, not by id.
type Domain struct {
	id      DomainID
	Name    string
	Flags   DomainFlags
	refs    int
	MXList  []MXEntry
	MXQueriedAt time.Time
	MXStatus    MXStatus
	NConn       int
	LastConn    time.Time
}

// HostFlags tracks per-host accounting state.
type HostFlags uint8

const (
	HostIgnore HostFlags = 1 << iota
)

// Host is keyed by canonicalized socket address (or PTR-less literal
// name when a host has no resolved address yet).
type Host struct {
	id         HostID
	Addr       string
	refs       int
	PTRName    string
	NConn      int
	LastConn   time.Time
	NError     int
	Flags      HostFlags
}

// Ignored reports whether error_count has crossed the latch threshold.
// The boundary is strict: nerror==4 is still usable, 5 trips IGNORE.
func (h *Host) Ignored() bool { return h.Flags&HostIgnore != 0 }

// Source is keyed by socket address; the zero value SourceID for the
// "any" arena slot is never used — NullSource is a sentinel address.
const NullSource = ""

type Source struct {
	id       SourceID
	Addr     string // NullSource means "let the OS choose"
	refs     int
	NConn    int
	LastConn time.Time
}

// RelayFlags.
type RelayFlags uint16

const (
	RelayAuth RelayFlags = 1 << iota
	RelayBackup
	RelayMXTarget // relay pins an explicit MX host rather than resolving by domain
)

// RelayWait is the bitmask of asynchronous queries a relay has
// outstanding. Each driver is idempotent while its bit is set.
type RelayWait uint8

const (
	WaitMX RelayWait = 1 << iota
	WaitPreference
	WaitSecret
	WaitSource
	WaitConnector
)

// RelayKey is the null-sensitive composite identity of a relay
// configuration, matching spec.md §3.
type RelayKey struct {
	Domain      string
	Flags       RelayFlags
	Port        int
	AuthTable   string
	AuthLabel   string
	SourceTable string
	Cert        string
	BackupName  string
}

// FailKind is the terminal outcome recorded for a relay that can no
// longer make progress.
type FailKind uint8

const (
	FailNone FailKind = iota
	FailTempfail
	FailPermfail
)

// Relay is the central scheduling unit: one per distinct RelayKey, it
// owns a FIFO of pending tasks and a map of connectors keyed by source.
type Relay struct {
	id      RelayID
	Key     RelayKey
	DomainID DomainID
	refs    int

	Tasks []*Task

	Secret       string
	HaveSecret   bool
	BackupPref   int // -1 until known
	Limits       *LimitsProfile

	Connectors map[SourceID]*Connector

	NConn      int // total active sessions across all connectors/routes
	NConnReady int // sessions that reached ROUTE_OK at least once and are idle-ready
	NTask      int // count of envelopes still pending (not tasks)

	Fail    FailKind
	FailMsg string

	Wait RelayWait

	LastSource time.Time
	NextSource time.Time
	SourceLoop int

	Generation uint64

	onDrainRunq bool
}

// ConnectorFlags.
type ConnectorFlags uint16

const (
	ConnectorNew ConnectorFlags = 1 << iota
	ConnectorWait
	ConnectorErrorSource
	ConnectorErrorMX
	ConnectorErrorFamily
	ConnectorErrorRouteNet
	ConnectorErrorRouteSMTP
)

const ConnectorErrorRoute = ConnectorErrorRouteNet | ConnectorErrorRouteSMTP
const ConnectorError = ConnectorErrorSource | ConnectorErrorMX | ConnectorErrorFamily | ConnectorErrorRoute

// Connector is per-(relay,source) admission state.
type Connector struct {
	RelayID  RelayID
	SourceID SourceID
	Flags    ConnectorFlags
	NConn    int
	LastConn time.Time
	onRunq   bool
}

func (c *Connector) HasError() bool { return c.Flags&ConnectorError != 0 }

// RouteFlags.
type RouteFlags uint16

const (
	RouteNew RouteFlags = 1 << iota
	RouteDisabledNet
	RouteDisabledSMTP
	RouteRunq
	RouteKeepalive
)

const RouteDisabled = RouteDisabledNet | RouteDisabledSMTP

// Route is keyed by (source, host); it owns its own penalty state.
type Route struct {
	id       RouteID
	SourceID SourceID
	HostID   HostID
	refs     int

	NConn        int
	LastConnect  time.Time
	LastDisconnect time.Time
	Penalty      int
	LastPenalty  time.Time

	Flags RouteFlags
}

func (r *Route) Disabled() bool { return r.Flags&RouteDisabled != 0 }

// Task is (msgid, sender, envelopes), owned by a relay while queued.
type Task struct {
	MsgID     string
	Sender    string
	Envelopes []*Envelope
}

// Envelope belongs to a Task.
type Envelope struct {
	ID          string
	CreatedAt   time.Time
	Destination string
	Rcpt        string
	SessionID   string // set once assigned to a session
}

// HostStat is the per-hostname error memory and deferred-envelope set
// described in spec.md §4.10.
type HostStat struct {
	Hostname   string
	LastError  string
	UpdatedAt  time.Time
	Deferred   map[string]struct{}
}
