// Package forwarder relays already-persisted audit events to external
// syslog/webhook targets per an administrator-configured routing table. It is
// decoupled from the sink path: every failure here is isolated and invisible
// to the operation that produced the event.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	cache_pkg "github.com/patrickmn/go-cache"

	"github.com/kumarabd/gokit/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/record"
	"github.com/houyuxi012/auditplane/pkg/store"
)

const ruleCacheKey = "rules"

// Config contains configuration for the forwarder.
type Config struct {
	RuleTTL      time.Duration `json:"rule_ttl" yaml:"rule_ttl" default:"15s"`
	MaxQueueSize int           `json:"max_queue_size" yaml:"max_queue_size" default:"10000"`
	Workers      int           `json:"workers" yaml:"workers" default:"4"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" default:"5s"`
}

// RuleSource supplies the enabled routing rules; backed by the rule table.
type RuleSource interface {
	ListEnabled(ctx context.Context) ([]store.ForwardingRule, error)
}

// Envelope is the wire form shared by both target types.
type Envelope struct {
	Timestamp string         `json:"timestamp"`
	Domain    string         `json:"domain"`
	Event     *record.Record `json:"event"`
}

// Transport delivers one serialized envelope to one target. Swappable so
// tests can count dispatch attempts without touching the network.
type Transport interface {
	Send(ctx context.Context, rule store.ForwardingRule, body []byte) error
}

type job struct {
	rule store.ForwardingRule
	body []byte
}

// Forwarder fans persisted events out to matching targets concurrently
// through a bounded worker pool. Rules are read from a TTL-cached snapshot;
// any rule mutation must call Invalidate so a stale enabled/disabled state is
// never served past the mutation.
type Forwarder struct {
	config    *Config
	src       RuleSource
	cache     *cache_pkg.Cache
	transport Transport
	log       *logger.Handler
	metric    *metrics.Handler
	tracer    trace.Tracer

	queue chan job
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(config *Config, src RuleSource, log *logger.Handler, metric *metrics.Handler) *Forwarder {
	if config.RuleTTL <= 0 {
		config.RuleTTL = 15 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	f := &Forwarder{
		config: config,
		src:    src,
		cache:  cache_pkg.New(config.RuleTTL, 2*config.RuleTTL),
		log:    log,
		metric: metric,
		tracer: otel.Tracer("auditplane/forwarder"),
		queue:  make(chan job, config.MaxQueueSize),
	}
	f.transport = &netTransport{
		httpc: &http.Client{Timeout: config.Timeout},
	}

	for i := 0; i < config.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}

	return f
}

// Forward enqueues one dispatch per enabled rule whose accepted domains
// include the event's domain. A full queue drops the dispatch and counts it
// (reject-new); the caller is never blocked or failed.
func (f *Forwarder) Forward(ctx context.Context, rec *record.Record) {
	rules, err := f.snapshot(ctx)
	if err != nil {
		if f.log != nil {
			f.log.Warn().Err(err).Msg("forwarding rule snapshot unavailable, skipping event")
		}
		return
	}

	var body []byte
	for i := range rules {
		if !rules[i].Accepts(rec.Domain) {
			continue
		}
		if body == nil {
			body, err = json.Marshal(Envelope{
				Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
				Domain:    rec.Domain,
				Event:     rec,
			})
			if err != nil {
				if f.log != nil {
					f.log.Error().Err(err).Msg("encode forwarding envelope")
				}
				return
			}
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		select {
		case f.queue <- job{rule: rules[i], body: body}:
		default:
			f.metric.ForwardDroppedTotal.Inc()
		}
		f.mu.Unlock()
	}
}

// Invalidate discards the cached rule snapshot. Called on every rule
// mutation so the next event observes the new routing table immediately.
func (f *Forwarder) Invalidate() {
	f.cache.Delete(ruleCacheKey)
}

// Close drains in-flight dispatches.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.queue)
	f.wg.Wait()
	return nil
}

func (f *Forwarder) snapshot(ctx context.Context) ([]store.ForwardingRule, error) {
	if cached, ok := f.cache.Get(ruleCacheKey); ok {
		return cached.([]store.ForwardingRule), nil
	}
	rules, err := f.src.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load forwarding rules: %w", err)
	}
	f.cache.Set(ruleCacheKey, rules, f.config.RuleTTL)
	return rules, nil
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for j := range f.queue {
		f.dispatch(j)
	}
}

// dispatch delivers to a single target; its failure is logged and counted in
// isolation so one failing target cannot block or fail the others.
func (f *Forwarder) dispatch(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.Timeout)
	defer cancel()

	ctx, span := f.tracer.Start(ctx, "forwarder.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("rule.type", j.rule.Type),
		attribute.String("rule.endpoint", j.rule.Endpoint),
	)

	target := strings.ToLower(j.rule.Type)
	if err := f.transport.Send(ctx, j.rule, j.body); err != nil {
		f.metric.IncForwardDispatch(target, "fail")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if f.log != nil {
			f.log.Warn().Err(err).Str("endpoint", j.rule.Endpoint).Str("type", j.rule.Type).Msg("forwarding dispatch failed")
		}
		return
	}
	f.metric.IncForwardDispatch(target, "success")
}

// netTransport is the production delivery path: UDP datagrams for syslog
// targets, HTTP POST for webhooks.
type netTransport struct {
	httpc *http.Client
}

func (t *netTransport) Send(ctx context.Context, rule store.ForwardingRule, body []byte) error {
	switch rule.Type {
	case store.RuleTypeSyslog:
		return t.sendSyslog(rule, body)
	case store.RuleTypeWebhook:
		return t.sendWebhook(ctx, rule, body)
	default:
		return fmt.Errorf("unknown forwarding rule type %q", rule.Type)
	}
}

func (t *netTransport) sendSyslog(rule store.ForwardingRule, body []byte) error {
	conn, err := net.Dial("udp", net.JoinHostPort(rule.Endpoint, strconv.Itoa(rule.Port)))
	if err != nil {
		return fmt.Errorf("dial syslog target: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("write syslog datagram: %w", err)
	}
	return nil
}

func (t *netTransport) sendWebhook(ctx context.Context, rule store.ForwardingRule, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rule.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rule.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+rule.Secret)
	}

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
