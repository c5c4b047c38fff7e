// Package resolver implements the DNS query kinds the relay scheduler
// drives asynchronously: query_mx, query_host and query_mx_preference.
// Queries are issued with miekg/dns; a domain with no MX records falls
// back to its own A/AAAA record per RFC 5321, the same way the
// synchronous net.Resolver-based lookup this package replaces did.
package resolver

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/fenilsonani/mta-relay/internal/logging"
	"github.com/fenilsonani/mta-relay/internal/relay"
)

// Config configures the resolver's DNS client.
type Config struct {
	// Servers is the list of "host:port" nameservers to query, tried in
	// order. Empty means read /etc/resolv.conf.
	Servers []string
	// Timeout bounds a single exchange with one server.
	Timeout time.Duration
	// Port is the SMTP port attached to every resolved host address.
	Port int
}

// DefaultConfig reads /etc/resolv.conf for its server list.
func DefaultConfig() Config {
	cfg := Config{Timeout: 5 * time.Second, Port: 25}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range conf.Servers {
			cfg.Servers = append(cfg.Servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return cfg
}

// exchangeFunc abstracts a single question/answer round trip so tests
// can substitute a fake without a live DNS server.
type exchangeFunc func(msg *dns.Msg) (*dns.Msg, error)

// Resolver issues the relay scheduler's DNS query kinds and delivers
// answers asynchronously on the scheduler's reply channels. It holds no
// per-domain cache of its own: the scheduler already gates calls behind
// mxCacheTTL, so a second cache here would only mask the first.
type Resolver struct {
	cfg      Config
	exchange exchangeFunc

	mxHostReplies chan<- relay.MXHostReply
	mxEndReplies  chan<- relay.MXEndReply
	prefReplies   chan<- relay.PreferenceReply

	logger *logging.Logger
}

// New builds a Resolver that writes onto the scheduler's reply
// channels. The three channel parameters are ordinarily a Scheduler's
// MXHostReplies, MXEndReplies and PreferenceReplies fields directly.
func New(cfg Config, mxHostReplies chan<- relay.MXHostReply, mxEndReplies chan<- relay.MXEndReply, prefReplies chan<- relay.PreferenceReply, logger *logging.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	if logger == nil {
		logger = logging.Default()
	}
	client := &dns.Client{Timeout: cfg.Timeout}
	r := &Resolver{
		cfg:           cfg,
		mxHostReplies: mxHostReplies,
		mxEndReplies:  mxEndReplies,
		prefReplies:   prefReplies,
		logger:        logger.WithFields("component", "resolver"),
	}
	r.exchange = func(msg *dns.Msg) (*dns.Msg, error) {
		return r.exchangeServers(client, msg)
	}
	return r
}

func (r *Resolver) exchangeServers(client *dns.Client, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.cfg.Servers {
		resp, _, err := client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = dns.ErrServ
	}
	return nil, lastErr
}

// QueryMX resolves domain's MX list, falling back to its own A/AAAA
// record (RFC 5321) when the domain has no MX records.
func (r *Resolver) QueryMX(ctx context.Context, reqID uint64, domain string) {
	go r.queryMX(ctx, reqID, domain)
}

// QueryHost resolves name directly to an address, for relays pinned to
// an explicit MX target rather than a domain (spec's RelayMXTarget).
func (r *Resolver) QueryHost(ctx context.Context, reqID uint64, name string) {
	go r.queryHost(ctx, reqID, name)
}

// QueryMXPreference reports backupName's preference within domain's MX
// list, so the scheduler can exclude equal-or-worse MXs when relaying
// as a designated backup (loop avoidance).
func (r *Resolver) QueryMXPreference(ctx context.Context, reqID uint64, domain, backupName string) {
	go r.queryPreference(ctx, reqID, domain, backupName)
}

func (r *Resolver) queryMX(ctx context.Context, reqID uint64, domain string) {
	fqdn := dns.Fqdn(domain)
	if !dns.IsDomainName(fqdn) {
		r.endMX(reqID, relay.MXStatusEinval)
		return
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeMX)
	msg.RecursionDesired = true

	resp, err := r.exchange(msg)
	if err != nil {
		r.logger.WarnContext(ctx, "mx query failed", "domain", domain, "error", err)
		r.endMX(reqID, relay.MXStatusRetry)
		return
	}

	switch resp.Rcode {
	case dns.RcodeNameError:
		r.endMX(reqID, relay.MXStatusEnoname)
		return
	case dns.RcodeServerFailure, dns.RcodeRefused:
		r.endMX(reqID, relay.MXStatusRetry)
		return
	case dns.RcodeSuccess:
	default:
		r.endMX(reqID, relay.MXStatusRetry)
		return
	}

	type mxAns struct {
		host string
		pref uint16
	}
	var answers []mxAns
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			answers = append(answers, mxAns{host: strings.TrimSuffix(mx.Mx, "."), pref: mx.Preference})
		}
	}

	if len(answers) == 0 {
		r.lookupAFallback(ctx, reqID, domain)
		return
	}

	sort.Slice(answers, func(i, j int) bool { return answers[i].pref < answers[j].pref })
	for _, a := range answers {
		r.resolveAndEmit(ctx, reqID, a.host, int(a.pref))
	}
	r.endMX(reqID, relay.MXStatusOK)
}

// lookupAFallback is RFC 5321's "no MX means try the domain itself as
// the mail exchanger", preserved from the synchronous resolver this
// package replaces.
func (r *Resolver) lookupAFallback(ctx context.Context, reqID uint64, domain string) {
	ips := r.lookupAddrs(ctx, domain)
	if len(ips) == 0 {
		r.endMX(reqID, relay.MXStatusEnotfound)
		return
	}
	for _, ip := range ips {
		r.emitHost(reqID, ip, 0)
	}
	r.endMX(reqID, relay.MXStatusOK)
}

func (r *Resolver) queryHost(ctx context.Context, reqID uint64, name string) {
	ips := r.lookupAddrs(ctx, name)
	if len(ips) == 0 {
		r.endMX(reqID, relay.MXStatusEnotfound)
		return
	}
	for _, ip := range ips {
		r.emitHost(reqID, ip, 0)
	}
	r.endMX(reqID, relay.MXStatusOK)
}

func (r *Resolver) queryPreference(ctx context.Context, reqID uint64, domain, backupName string) {
	fqdn := dns.Fqdn(domain)
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeMX)
	msg.RecursionDesired = true

	resp, err := r.exchange(msg)
	if err != nil || resp.Rcode != dns.RcodeSuccess {
		r.prefReplies <- relay.PreferenceReply{ReqID: reqID, OK: false}
		return
	}

	backupName = strings.TrimSuffix(strings.ToLower(backupName), ".")
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		if strings.TrimSuffix(strings.ToLower(mx.Mx), ".") == backupName {
			r.prefReplies <- relay.PreferenceReply{ReqID: reqID, OK: true, Preference: int(mx.Preference)}
			return
		}
	}
	r.prefReplies <- relay.PreferenceReply{ReqID: reqID, OK: false}
}

// resolveAndEmit resolves an MX host's address and, on success, emits
// one MXHostReply for it; resolution failures for a single MX are
// skipped rather than failing the whole query, same as the teacher's
// LookupWithFallback.
func (r *Resolver) resolveAndEmit(ctx context.Context, reqID uint64, host string, pref int) {
	ips := r.lookupAddrs(ctx, host)
	for _, ip := range ips {
		r.emitHost(reqID, ip, pref)
		return // one address per MX host is enough to build a route
	}
}

func (r *Resolver) emitHost(reqID uint64, ip string, pref int) {
	r.mxHostReplies <- relay.MXHostReply{
		ReqID:      reqID,
		Addr:       net.JoinHostPort(ip, strconv.Itoa(r.cfg.Port)),
		Preference: pref,
	}
}

func (r *Resolver) endMX(reqID uint64, status relay.MXStatus) {
	r.mxEndReplies <- relay.MXEndReply{ReqID: reqID, Status: status}
}

// lookupAddrs resolves name to IPv4 addresses first, then IPv6,
// matching the teacher's address-preference ordering.
func (r *Resolver) lookupAddrs(ctx context.Context, name string) []string {
	fqdn := dns.Fqdn(name)

	var v4, v6 []string
	if msg := r.exchangeType(fqdn, dns.TypeA); msg != nil {
		for _, rr := range msg.Answer {
			if a, ok := rr.(*dns.A); ok {
				v4 = append(v4, a.A.String())
			}
		}
	}
	if msg := r.exchangeType(fqdn, dns.TypeAAAA); msg != nil {
		for _, rr := range msg.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				v6 = append(v6, aaaa.AAAA.String())
			}
		}
	}
	return append(v4, v6...)
}

func (r *Resolver) exchangeType(fqdn string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true
	resp, err := r.exchange(msg)
	if err != nil || resp.Rcode != dns.RcodeSuccess {
		return nil
	}
	return resp
}
