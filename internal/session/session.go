// Package session implements the relay scheduler's session engine: one
// outbound SMTP dialog per spec's StartSession call, grounded on the
// teacher's net/smtp-based deliverToHost (STARTTLS, RequireTLS/VerifyTLS
// handling), extended with emersion/go-sasl AUTH for relays that
// fetched a secret.
package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/fenilsonani/mta-relay/internal/logging"
	"github.com/fenilsonani/mta-relay/internal/metrics"
	"github.com/fenilsonani/mta-relay/internal/relay"
)

// maxReceivedHops mirrors sendmail/OpenSMTPD's classic Received-header
// hop limit; a message that has bounced through more relays than this
// is almost certainly looping.
const maxReceivedHops = 25

// Config configures the outbound SMTP session engine.
type Config struct {
	// Hostname is the HELO/EHLO name presented to peers.
	Hostname string
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// CommandTimeout bounds the whole SMTP dialog after connect.
	CommandTimeout time.Duration
	// RequireTLS refuses delivery when the peer can't offer STARTTLS.
	RequireTLS bool
	// VerifyTLS verifies the peer's TLS certificate.
	VerifyTLS bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Hostname:       "localhost",
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 5 * time.Minute,
		RequireTLS:     false,
		VerifyTLS:      true,
	}
}

// MessageSource reads a task's raw message body, the way the teacher's
// Engine read a queue.Message's MessagePath before handing it to the
// SMTP client.
type MessageSource interface {
	ReadBody(ctx context.Context, msgID string) ([]byte, error)
}

// dialFunc abstracts the TCP dial so tests can substitute an in-memory
// pipe instead of a live listener.
type dialFunc func(ctx context.Context, addr, localAddr string, timeout time.Duration) (net.Conn, error)

// Engine implements relay.SessionEngine.
type Engine struct {
	cfg    Config
	source MessageSource
	events chan<- relay.SessionEvent
	logger *logging.Logger
	dial   dialFunc
}

// New builds an Engine that reads message bodies from source and
// writes session outcomes onto events (ordinarily a Scheduler's
// SessionEvents field).
func New(cfg Config, source MessageSource, events chan<- relay.SessionEvent, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		cfg:    cfg,
		source: source,
		events: events,
		logger: logger.Relay(),
	}
	e.dial = e.defaultDial
	return e
}

func (e *Engine) defaultDial(ctx context.Context, addr, localAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if localAddr != "" {
		if local, err := net.ResolveTCPAddr("tcp", withPort(localAddr, "0")); err == nil {
			dialer.LocalAddr = local
		}
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func withPort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defaultPort)
}

// StartSession implements relay.SessionEngine. The whole dialog runs on
// its own goroutine; the scheduler never waits on it, only on the
// events it reports back.
func (e *Engine) StartSession(ctx context.Context, relayID relay.RelayID, target relay.SessionTarget, nextTask func() *relay.Task) {
	go e.run(ctx, relayID, target, nextTask)
}

func (e *Engine) run(ctx context.Context, relayID relay.RelayID, target relay.SessionTarget, nextTask func() *relay.Task) {
	logger := e.logger.WithFields("host", target.HostAddr, "domain", target.Domain)

	conn, err := e.dial(ctx, target.HostAddr, target.SourceAddr, e.cfg.ConnectTimeout)
	if err != nil {
		logger.WarnContext(ctx, "connect failed", "error", err.Error())
		metrics.RecordSessionFailure("connect")
		e.collect(relayID, target.RouteID)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.cfg.CommandTimeout))

	hostOnly, _, err := net.SplitHostPort(target.HostAddr)
	if err != nil {
		hostOnly = target.HostAddr
	}

	client, err := smtp.NewClient(conn, hostOnly)
	if err != nil {
		logger.WarnContext(ctx, "smtp client setup failed", "error", err.Error())
		metrics.RecordSessionFailure("connect")
		e.collect(relayID, target.RouteID)
		return
	}
	defer client.Close()

	if err := client.Hello(e.cfg.Hostname); err != nil {
		metrics.RecordSessionFailure("ehlo")
		if outcome, msg := classify(err); outcome == relay.OutcomePermfail {
			e.down(relayID, target.RouteID, "EHLO rejected: "+msg)
			return
		}
		logger.WarnContext(ctx, "EHLO failed", "error", err.Error())
		e.collect(relayID, target.RouteID)
		return
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: hostOnly, InsecureSkipVerify: !e.cfg.VerifyTLS}
		if err := client.StartTLS(tlsCfg); err != nil {
			metrics.RecordSessionFailure("starttls")
			if e.cfg.RequireTLS {
				e.down(relayID, target.RouteID, "STARTTLS required but failed: "+err.Error())
				return
			}
			logger.DebugContext(ctx, "STARTTLS failed, continuing in the clear", "error", err.Error())
		}
	} else if e.cfg.RequireTLS {
		e.down(relayID, target.RouteID, "STARTTLS required but not advertised")
		return
	}

	if target.HaveSecret {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := &saslAuth{client: sasl.NewPlainClient("", target.AuthLabel, target.Secret)}
			if err := client.Auth(auth); err != nil {
				metrics.RecordSessionFailure("auth")
				e.down(relayID, target.RouteID, "AUTH failed: "+err.Error())
				return
			}
		} else {
			logger.WarnContext(ctx, "relay has a secret but peer does not advertise AUTH")
		}
	}

	metrics.SessionsStarted.Inc()
	e.events <- relay.SessionEvent{Kind: relay.EventRouteOK, RelayID: relayID, RouteID: target.RouteID}

	for {
		task := nextTask()
		if task == nil {
			break
		}
		e.deliverTask(ctx, client, relayID, task, logger)
	}

	client.Quit()
	e.collect(relayID, target.RouteID)
}

func (e *Engine) collect(relayID relay.RelayID, routeID relay.RouteID) {
	e.events <- relay.SessionEvent{Kind: relay.EventRouteCollect, RelayID: relayID, RouteID: routeID}
}

// down reports a session-level rejection (the peer actively refused
// the dialog, as opposed to a network-level failure) and then collects
// the route, same as every other exit path.
func (e *Engine) down(relayID relay.RelayID, routeID relay.RouteID, msg string) {
	e.events <- relay.SessionEvent{Kind: relay.EventRouteDown, RelayID: relayID, RouteID: routeID, Message: msg}
	e.collect(relayID, routeID)
}

// deliverTask sends one task's envelopes: a single MAIL FROM, one RCPT
// TO per envelope (each can fail independently), and a single DATA
// shared by whichever recipients were accepted.
func (e *Engine) deliverTask(ctx context.Context, client *smtp.Client, relayID relay.RelayID, task *relay.Task, logger *logging.Logger) {
	body, err := e.source.ReadBody(ctx, task.MsgID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read message body", err, "msg_id", task.MsgID)
		for _, env := range task.Envelopes {
			e.result(relayID, env.ID, relay.OutcomeTempfail, "could not read message body")
		}
		return
	}

	if hopCount(body) > maxReceivedHops {
		for _, env := range task.Envelopes {
			e.result(relayID, env.ID, relay.OutcomeLoop, "mail loop detected")
		}
		return
	}

	if err := client.Mail(task.Sender); err != nil {
		outcome, msg := classify(err)
		for _, env := range task.Envelopes {
			e.result(relayID, env.ID, outcome, msg)
		}
		return
	}

	var accepted []*relay.Envelope
	for _, env := range task.Envelopes {
		if err := client.Rcpt(env.Rcpt); err != nil {
			outcome, msg := classify(err)
			e.result(relayID, env.ID, outcome, msg)
			continue
		}
		accepted = append(accepted, env)
	}
	if len(accepted) == 0 {
		return
	}

	w, err := client.Data()
	if err != nil {
		outcome, msg := classify(err)
		for _, env := range accepted {
			e.result(relayID, env.ID, outcome, msg)
		}
		return
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		for _, env := range accepted {
			e.result(relayID, env.ID, relay.OutcomeTempfail, "data write failed: "+err.Error())
		}
		return
	}
	if err := w.Close(); err != nil {
		outcome, msg := classify(err)
		for _, env := range accepted {
			e.result(relayID, env.ID, outcome, msg)
		}
		return
	}

	for _, env := range accepted {
		e.result(relayID, env.ID, relay.OutcomeOK, "")
	}
}

func (e *Engine) result(relayID relay.RelayID, envelopeID string, outcome relay.EnvelopeOutcome, msg string) {
	e.events <- relay.SessionEvent{
		Kind:       relay.EventEnvelopeResult,
		RelayID:    relayID,
		EnvelopeID: envelopeID,
		Outcome:    outcome,
		Message:    msg,
	}
}

// classify buckets an SMTP command error as permanent (5xx) or
// temporary (4xx or connection-level) using the reply code net/smtp
// already parsed, rather than the teacher's substring matching on the
// error text.
func classify(err error) (relay.EnvelopeOutcome, string) {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 500 {
			return relay.OutcomePermfail, proto.Msg
		}
		return relay.OutcomeTempfail, proto.Msg
	}
	return relay.OutcomeTempfail, err.Error()
}

// hopCount counts Received: header lines before the first blank line.
func hopCount(body []byte) int {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "received:") {
			count++
		}
	}
	return count
}

// saslAuth bridges an emersion/go-sasl client mechanism onto net/smtp's
// Auth interface.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}
