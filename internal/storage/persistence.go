package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"announcebot/internal/metrics"
	logx "announcebot/pkg/logx"
)

// Persistence is the key-value collaborator the announcement core writes
// through. Values are JSON encoded. Failures are logged and counted, and
// callers only see false.
type Persistence struct {
	store   Store
	scope   string
	log     logx.Logger
	metrics metrics.Sink
	timeout time.Duration
}

type PersistenceOption func(*Persistence)

func WithMetrics(m metrics.Sink) PersistenceOption {
	return func(p *Persistence) { p.metrics = metrics.OrNoop(m) }
}

func WithTimeout(d time.Duration) PersistenceOption {
	return func(p *Persistence) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPersistence(store Store, scope string, log logx.Logger, opts ...PersistenceOption) *Persistence {
	if strings.TrimSpace(scope) == "" {
		scope = "default"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Persistence{
		store:   store,
		scope:   scope,
		log:     log.With(logx.String("comp", "persistence"), logx.String("scope", scope)),
		metrics: metrics.Noop{},
		timeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Persistence) Scope() string { return p.scope }

// Save writes v under key in the deployment scope.
func (p *Persistence) Save(ctx context.Context, key string, v any) bool {
	return p.put(ctx, p.scope, key, v)
}

// Load decodes the value under key into out. It reports false when the key
// is absent or unreadable.
func (p *Persistence) Load(ctx context.Context, key string, out any) bool {
	found, err := p.get(ctx, p.scope, key, out)
	return found && err == nil
}

// Lookup is Load with absence and failure told apart: found is false for a
// missing key, err is set when the key could not be read or decoded.
func (p *Persistence) Lookup(ctx context.Context, key string, out any) (found bool, err error) {
	return p.get(ctx, p.scope, key, out)
}

// SaveShared writes v under key in the scope shared by every deployment.
func (p *Persistence) SaveShared(ctx context.Context, key string, v any) bool {
	return p.put(ctx, SharedScope, key, v)
}

func (p *Persistence) LoadShared(ctx context.Context, key string, out any) bool {
	found, err := p.get(ctx, SharedScope, key, out)
	return found && err == nil
}

// Audit appends e, filling in the scope. Errors are logged only.
func (p *Persistence) Audit(ctx context.Context, e AuditEntry) {
	if e.Scope == "" {
		e.Scope = p.scope
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	if err := p.store.AppendAudit(ctx, e); err != nil {
		p.metrics.PersistenceFailure("audit", e.Action)
		p.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (p *Persistence) put(ctx context.Context, scope, key string, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		p.metrics.PersistenceFailure("save", key)
		p.log.Error("encode failed", logx.String("key", key), logx.Err(err))
		return false
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	if err := p.store.Put(ctx, scope, key, b); err != nil {
		p.metrics.PersistenceFailure("save", key)
		p.log.Error("save failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return true
}

func (p *Persistence) get(ctx context.Context, scope, key string, out any) (bool, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	b, ok, err := p.store.Get(ctx, scope, key)
	if err != nil {
		p.metrics.PersistenceFailure("load", key)
		p.log.Error("load failed", logx.String("key", key), logx.Err(err))
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		p.metrics.PersistenceFailure("load", key)
		p.log.Error("decode failed", logx.String("key", key), logx.Err(err))
		return true, err
	}
	return true, nil
}

func (p *Persistence) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.timeout)
}
