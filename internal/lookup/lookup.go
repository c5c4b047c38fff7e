// Package lookup implements the relay scheduler's secret and
// source-address table queries (spec's SECRET/SOURCE core-to-lookup
// messages). Tables are static, koanf-loaded key/value maps, the same
// way OpenSMTPD's lookup process resolves a table name to a backend:
// here the backend is a YAML file rather than a DB/LDAP/file table
// driver, kept deliberately simple since nothing downstream cares how
// the value was produced.
package lookup

import (
	"context"
	"fmt"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fenilsonani/mta-relay/internal/logging"
	"github.com/fenilsonani/mta-relay/internal/relay"
	"github.com/fenilsonani/mta-relay/internal/resilience"
)

// Tables holds the secret and source-address tables the Client serves.
// Secrets is table -> label -> secret. Sources is table -> ordered list
// of candidate source addresses, selected round-robin per query.
type Tables struct {
	Secrets map[string]map[string]string `koanf:"secrets"`
	Sources map[string][]string          `koanf:"sources"`
}

// LoadTables reads a YAML tables file with koanf, the same loader
// internal/config uses for the main configuration file.
func LoadTables(path string) (*Tables, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("lookup: load tables from %s: %w", path, err)
	}
	var t Tables
	if err := k.Unmarshal("", &t); err != nil {
		return nil, fmt.Errorf("lookup: unmarshal tables: %w", err)
	}
	if t.Secrets == nil {
		t.Secrets = map[string]map[string]string{}
	}
	if t.Sources == nil {
		t.Sources = map[string][]string{}
	}
	return &t, nil
}

// Client implements relay.SecretSourceLookup against a Tables set held
// in memory. Real lookup backends (LDAP, SQL, a remote service) can
// fail independently of the scheduler's own route-level penalty
// accounting, so every query still runs through a CircuitBreaker even
// though this particular backend is a local map read that practically
// never errors — a future table.LoadTables-style backend swapped in
// behind Tables would inherit the same protection for free.
type Client struct {
	tables *Tables

	mu sync.Mutex
	rr map[string]int // table -> next round-robin index

	secretReplies chan<- relay.SecretReply
	sourceReplies chan<- relay.SourceReply

	breaker *resilience.CircuitBreaker
	logger  *logging.Logger
}

// New builds a Client over tables, writing replies onto the given
// channels (ordinarily a Scheduler's SecretReplies/SourceReplies
// fields).
func New(tables *Tables, secretReplies chan<- relay.SecretReply, sourceReplies chan<- relay.SourceReply, logger *logging.Logger) *Client {
	if tables == nil {
		tables = &Tables{Secrets: map[string]map[string]string{}, Sources: map[string][]string{}}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		tables:        tables,
		rr:            make(map[string]int),
		secretReplies: secretReplies,
		sourceReplies: sourceReplies,
		breaker:       resilience.NewCircuitBreaker(resilience.DefaultConfig("lookup-tables")),
		logger:        logger.WithFields("component", "lookup"),
	}
}

// QuerySecret looks up table/label, replying OK only when a non-empty
// secret is found (an empty secret is treated the same as "not found",
// per the scheduler's onSecretReply handling). The lookup is a plain
// map read, not network I/O, so the reply is written before this call
// returns rather than handed to a goroutine — callers that fan out
// several queries in a row (e.g. the round-robin source table) depend
// on replies landing in call order.
func (c *Client) QuerySecret(ctx context.Context, reqID uint64, table, label string) {
	var secret string
	var ok bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		byLabel, found := c.tables.Secrets[table]
		if found {
			secret, ok = byLabel[label]
		}
		if secret == "" {
			ok = false
		}
		return nil
	})
	if err != nil {
		c.logger.WarnContext(ctx, "secret table unavailable", "table", table, "error", err.Error())
		ok = false
	}
	c.secretReplies <- relay.SecretReply{ReqID: reqID, Secret: secret, OK: ok}
}

// QuerySource returns one candidate source address from table, cycling
// round-robin across calls so repeated queries for the same relay walk
// the whole list before repeating (spec's source-exhaustion scenario).
func (c *Client) QuerySource(ctx context.Context, reqID uint64, table string) {
	var addr string
	var ok bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		addr, ok = c.nextSource(table)
		return nil
	})
	if err != nil || !ok {
		c.logger.WarnContext(ctx, "source table empty, missing, or unavailable", "table", table)
		ok = false
	}
	c.sourceReplies <- relay.SourceReply{ReqID: reqID, OK: ok, Addr: addr}
}

func (c *Client) nextSource(table string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := c.tables.Sources[table]
	if len(addrs) == 0 {
		return "", false
	}
	i := c.rr[table] % len(addrs)
	c.rr[table] = i + 1
	return addrs[i], true
}
