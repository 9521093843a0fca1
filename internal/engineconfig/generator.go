package engineconfig

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"

	"forwardctl/internal/models"
	"forwardctl/internal/quota"
)

type Store interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ListRules(ctx context.Context) ([]models.ForwardingRule, error)
}

type Options struct {
	ServicePrefix  string
	ListenHost     string
	PortMin        int
	PortMax        int
	WebhookBaseURL string
	APIAddress     string
	APIPathPrefix  string
	ObserverPeriod time.Duration
	// ResetTraffic asks the engine to zero its counters after every report.
	ResetTraffic bool
	Clock        quartz.Clock
}

type Generator struct {
	store Store
	opts  Options
	clock quartz.Clock
}

// Snapshot is one generated document with its hash.
type Snapshot struct {
	Config      *Config
	Hash        uint64
	Rules       int
	Skipped     int
	GeneratedAt time.Time
}

func generatorLogger() *slog.Logger {
	return slog.Default().With("component", "engineconfig")
}

func NewGenerator(store Store, opts Options) *Generator {
	if opts.ServicePrefix == "" {
		opts.ServicePrefix = "fwd"
	}
	if opts.PortMin <= 0 {
		opts.PortMin = 1
	}
	if opts.PortMax <= 0 || opts.PortMax > 65535 {
		opts.PortMax = 65535
	}
	if opts.ObserverPeriod <= 0 {
		opts.ObserverPeriod = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Generator{store: store, opts: opts, clock: opts.Clock}
}

func (g *Generator) ServiceName(proto string, port int) string {
	return fmt.Sprintf("%s-%s-%d", g.opts.ServicePrefix, proto, port)
}

func (g *Generator) observerName() string { return g.opts.ServicePrefix + "-observer" }
func (g *Generator) autherName() string   { return g.opts.ServicePrefix + "-auther" }
func (g *Generator) limiterName() string  { return g.opts.ServicePrefix + "-limiter" }

// Build reads the store and produces the desired document. A rule is active
// when its account is allowed right now and its port is inside the legal
// range; activation is never read from a stored flag.
func (g *Generator) Build(ctx context.Context) (Snapshot, error) {
	accounts, err := g.store.ListAccounts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list accounts: %w", err)
	}
	rules, err := g.store.ListRules(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list rules: %w", err)
	}

	now := g.clock.Now()
	allowed := make(map[int64]bool, len(accounts))
	for _, acc := range accounts {
		allowed[acc.ID] = quota.Decide(quota.InputFor(acc, now)).Allowed
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].SourcePort < rules[j].SourcePort })

	cfg := &Config{}
	active, skipped := 0, 0
	for _, rule := range rules {
		if !allowed[rule.AccountID] || !g.legalPort(rule.SourcePort) {
			skipped++
			continue
		}
		target, ok := normalizeTarget(rule.TargetAddress)
		if !ok {
			generatorLogger().Warn("skipping rule with invalid target", "rule_id", rule.ID, "target", rule.TargetAddress)
			skipped++
			continue
		}
		g.addRule(cfg, rule, target)
		active++
	}
	g.addPlugins(cfg)

	return Snapshot{
		Config:      cfg,
		Hash:        Hash(cfg),
		Rules:       active,
		Skipped:     skipped,
		GeneratedAt: now,
	}, nil
}

func (g *Generator) legalPort(port int) bool {
	return port >= g.opts.PortMin && port <= g.opts.PortMax
}

func normalizeTarget(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "", false
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}

func (g *Generator) addRule(cfg *Config, rule models.ForwardingRule, target string) {
	chainName := fmt.Sprintf("%s-chain-%d", g.opts.ServicePrefix, rule.ID)
	cfg.Chains = append(cfg.Chains, Chain{
		Name: chainName,
		Hops: []Hop{{
			Name: fmt.Sprintf("%s-hop-%d", g.opts.ServicePrefix, rule.ID),
			Nodes: []Node{{
				Name:      fmt.Sprintf("%s-target-%d", g.opts.ServicePrefix, rule.ID),
				Addr:      target,
				Connector: Connector{Type: "forward"},
			}},
		}},
	})

	addr := net.JoinHostPort(g.opts.ListenHost, strconv.Itoa(rule.SourcePort))
	for _, transport := range rule.Protocol.Transports() {
		svc := Service{
			Name:     g.ServiceName(transport, rule.SourcePort),
			Addr:     addr,
			Handler:  Handler{Type: transport, Chain: chainName},
			Listener: Listener{Type: transport},
			Metadata: map[string]any{
				"account_id": rule.AccountID,
				"rule_id":    rule.ID,
			},
		}
		if g.opts.WebhookBaseURL != "" {
			svc.Observer = g.observerName()
			svc.Limiter = g.limiterName()
			svc.Handler.Auther = g.autherName()
			svc.Metadata["enableStats"] = true
			svc.Metadata["observer.period"] = g.opts.ObserverPeriod.String()
			svc.Metadata["observer.resetTraffic"] = g.opts.ResetTraffic
		}
		cfg.Services = append(cfg.Services, svc)
	}
}

func (g *Generator) addPlugins(cfg *Config) {
	if g.opts.APIAddress != "" {
		cfg.API = &API{Addr: g.opts.APIAddress, PathPrefix: g.opts.APIPathPrefix}
	}
	if g.opts.WebhookBaseURL == "" {
		return
	}
	base := strings.TrimRight(g.opts.WebhookBaseURL, "/")
	cfg.Observers = []Observer{{
		Name:   g.observerName(),
		Plugin: Plugin{Type: "http", Addr: base + "/webhooks/observer", Timeout: "5s"},
	}}
	cfg.Authers = []Plugged{{
		Name:   g.autherName(),
		Plugin: Plugin{Type: "http", Addr: base + "/webhooks/auth", Timeout: "5s"},
	}}
	cfg.Limiters = []Plugged{{
		Name:   g.limiterName(),
		Plugin: Plugin{Type: "http", Addr: base + "/webhooks/limiter", Timeout: "5s"},
	}}
}
