package relay

import "fmt"

// Graph owns the arenas for every entity kind plus the ordered
// containers used to look entities up by key. Per spec.md §9, each
// entity is identified by a stable id into its arena; back-edges
// between entities are always by id.
//
// Graph is not safe for concurrent use — the scheduler that owns it
// runs a single-threaded event loop (spec.md §5) and nothing in this
// package takes a lock.
type Graph struct {
	nextDomainID DomainID
	nextHostID   HostID
	nextSourceID SourceID
	nextRelayID  RelayID
	nextRouteID  RouteID

	domains   map[DomainID]*Domain
	domainKey map[domainKey]DomainID

	hosts   map[HostID]*Host
	hostKey map[string]HostID

	sources   map[SourceID]*Source
	sourceKey map[string]SourceID

	relays   map[RelayID]*Relay
	relayKey map[RelayKey]RelayID

	routes   map[RouteID]*Route
	routeKey map[routeKey]RouteID
}

type domainKey struct {
	Name  string
	Flags DomainFlags
}

type routeKey struct {
	Source SourceID
	Host   HostID
}

// NewGraph returns an empty entity graph.
func NewGraph() *Graph {
	return &Graph{
		domains:   make(map[DomainID]*Domain),
		domainKey: make(map[domainKey]DomainID),
		hosts:     make(map[HostID]*Host),
		hostKey:   make(map[string]HostID),
		sources:   make(map[SourceID]*Source),
		sourceKey: make(map[string]SourceID),
		relays:    make(map[RelayID]*Relay),
		relayKey:  make(map[RelayKey]RelayID),
		routes:    make(map[RouteID]*Route),
		routeKey:  make(map[routeKey]RouteID),
	}
}

// --- Domain ---

// InternDomain returns the domain for (name, flags), creating it on
// first reference, and takes one reference on it.
func (g *Graph) InternDomain(name string, flags DomainFlags) *Domain {
	k := domainKey{name, flags}
	if id, ok := g.domainKey[k]; ok {
		d := g.domains[id]
		d.refs++
		return d
	}
	g.nextDomainID++
	d := &Domain{id: g.nextDomainID, Name: name, Flags: flags, refs: 1}
	g.domains[d.id] = d
	g.domainKey[k] = d.id
	return d
}

func (g *Graph) Domain(id DomainID) *Domain { return g.domains[id] }

func (g *Graph) RefDomain(id DomainID) {
	if d, ok := g.domains[id]; ok {
		d.refs++
	}
}

func (g *Graph) UnrefDomain(id DomainID) {
	d, ok := g.domains[id]
	if !ok {
		return
	}
	d.refs--
	if d.refs <= 0 {
		delete(g.domains, id)
		delete(g.domainKey, domainKey{d.Name, d.Flags})
	}
}

func (g *Graph) DomainRefs(id DomainID) int {
	if d, ok := g.domains[id]; ok {
		return d.refs
	}
	return 0
}

// --- Host ---

func (g *Graph) InternHost(addr string) *Host {
	if id, ok := g.hostKey[addr]; ok {
		h := g.hosts[id]
		h.refs++
		return h
	}
	g.nextHostID++
	h := &Host{id: g.nextHostID, Addr: addr, refs: 1}
	g.hosts[h.id] = h
	g.hostKey[addr] = h.id
	return h
}

func (g *Graph) Host(id HostID) *Host { return g.hosts[id] }

func (g *Graph) RefHost(id HostID) {
	if h, ok := g.hosts[id]; ok {
		h.refs++
	}
}

func (g *Graph) UnrefHost(id HostID) {
	h, ok := g.hosts[id]
	if !ok {
		return
	}
	h.refs--
	if h.refs <= 0 {
		delete(g.hosts, id)
		delete(g.hostKey, h.Addr)
	}
}

func (g *Graph) HostRefs(id HostID) int {
	if h, ok := g.hosts[id]; ok {
		return h.refs
	}
	return 0
}

// --- Source ---

func (g *Graph) InternSource(addr string) *Source {
	if id, ok := g.sourceKey[addr]; ok {
		s := g.sources[id]
		s.refs++
		return s
	}
	g.nextSourceID++
	s := &Source{id: g.nextSourceID, Addr: addr, refs: 1}
	g.sources[s.id] = s
	g.sourceKey[addr] = s.id
	return s
}

func (g *Graph) Source(id SourceID) *Source { return g.sources[id] }

func (g *Graph) RefSource(id SourceID) {
	if s, ok := g.sources[id]; ok {
		s.refs++
	}
}

func (g *Graph) UnrefSource(id SourceID) {
	s, ok := g.sources[id]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(g.sources, id)
		delete(g.sourceKey, s.Addr)
	}
}

func (g *Graph) SourceRefs(id SourceID) int {
	if s, ok := g.sources[id]; ok {
		return s.refs
	}
	return 0
}

// --- Relay ---

// InternRelay returns the relay for key, creating it (and interning its
// domain) on first reference, and takes one reference on it.
func (g *Graph) InternRelay(key RelayKey, limits *LimitsProfile) *Relay {
	if id, ok := g.relayKey[key]; ok {
		r := g.relays[id]
		r.refs++
		return r
	}
	domainFlags := DomainMX
	if key.Flags&RelayMXTarget != 0 {
		domainFlags = DomainA
	}
	dom := g.InternDomain(key.Domain, domainFlags)
	g.nextRelayID++
	r := &Relay{
		id:         g.nextRelayID,
		Key:        key,
		DomainID:   dom.id,
		refs:       1,
		Connectors: make(map[SourceID]*Connector),
		BackupPref: -1,
		Limits:     limits,
	}
	g.relays[r.id] = r
	g.relayKey[key] = r.id
	return r
}

func (g *Graph) Relay(id RelayID) *Relay { return g.relays[id] }

func (g *Graph) RefRelay(id RelayID) {
	if r, ok := g.relays[id]; ok {
		r.refs++
	}
}

// UnrefRelay drops one reference and, on reaching zero, tears the relay
// down: releases its domain reference and frees every connector's
// source reference. Per spec.md invariant 2, the caller must not unref
// past zero outstanding holders.
func (g *Graph) UnrefRelay(id RelayID) {
	r, ok := g.relays[id]
	if !ok {
		return
	}
	r.refs--
	if r.refs <= 0 {
		for srcID := range r.Connectors {
			g.UnrefSource(srcID)
		}
		g.UnrefDomain(r.DomainID)
		delete(g.relays, id)
		delete(g.relayKey, r.Key)
	}
}

func (g *Graph) RelayRefs(id RelayID) int {
	if r, ok := g.relays[id]; ok {
		return r.refs
	}
	return 0
}

// Connector returns (creating if absent) the connector for (relay,
// source); creating one takes a reference on the source.
func (g *Graph) Connector(relayID RelayID, sourceID SourceID) *Connector {
	r := g.relays[relayID]
	if r == nil {
		panic(fmt.Sprintf("relay.Connector: unknown relay %d", relayID))
	}
	if c, ok := r.Connectors[sourceID]; ok {
		return c
	}
	g.RefSource(sourceID)
	c := &Connector{RelayID: relayID, SourceID: sourceID, Flags: ConnectorNew}
	r.Connectors[sourceID] = c
	return c
}

// --- Route ---

// InternRoute returns the route for (source, host), creating it (and
// taking references on both source and host) on first reference, and
// takes one reference on the route itself.
func (g *Graph) InternRoute(sourceID SourceID, hostID HostID) *Route {
	k := routeKey{sourceID, hostID}
	if id, ok := g.routeKey[k]; ok {
		rt := g.routes[id]
		rt.refs++
		return rt
	}
	g.RefSource(sourceID)
	g.RefHost(hostID)
	g.nextRouteID++
	rt := &Route{id: g.nextRouteID, SourceID: sourceID, HostID: hostID, refs: 1, Flags: RouteNew}
	g.routes[rt.id] = rt
	g.routeKey[k] = rt.id
	return rt
}

func (g *Graph) Route(id RouteID) *Route { return g.routes[id] }

func (g *Graph) RefRoute(id RouteID) {
	if rt, ok := g.routes[id]; ok {
		rt.refs++
	}
}

func (g *Graph) UnrefRoute(id RouteID) {
	rt, ok := g.routes[id]
	if !ok {
		return
	}
	rt.refs--
	if rt.refs <= 0 {
		g.UnrefSource(rt.SourceID)
		g.UnrefHost(rt.HostID)
		delete(g.routes, id)
		delete(g.routeKey, routeKey{rt.SourceID, rt.HostID})
	}
}

func (g *Graph) RouteRefs(id RouteID) int {
	if rt, ok := g.routes[id]; ok {
		return rt.refs
	}
	return 0
}
