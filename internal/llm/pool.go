package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jo-hoe/scenecast/internal/credentials"
)

var (
	_ Generator = (*Pool)(nil)
	_ Embedder  = (*Pool)(nil)
)

// PoolOptions bounds every call made through a Pool.
type PoolOptions struct {
	Timeout         time.Duration // per call
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Timeout <= 0 {
		o.Timeout = 90 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 15 * time.Second
	}
	return o
}

// Pool routes calls through the credential manager: each call selects a
// credential, reports the outcome back, and retries with jittered backoff on
// the next selected credential. A pool with no credentials uses one keyless client.
type Pool struct {
	log      *slog.Logger
	creds    *credentials.Manager
	genNew   GeneratorFactory
	embedNew EmbedderFactory
	opts     PoolOptions

	mu     sync.Mutex
	gens   map[int]Generator
	embeds map[int]Embedder
}

// NewPool creates a pool. embed may be nil when no embedding provider is configured.
func NewPool(log *slog.Logger, creds *credentials.Manager, gen GeneratorFactory, embed EmbedderFactory, opts PoolOptions) *Pool {
	return &Pool{
		log:      log.With("component", "llm"),
		creds:    creds,
		genNew:   gen,
		embedNew: embed,
		opts:     opts.withDefaults(),
		gens:     make(map[int]Generator),
		embeds:   make(map[int]Embedder),
	}
}

// CanEmbed reports whether an embedding provider is configured.
func (p *Pool) CanEmbed() bool { return p.embedNew != nil }

// Generate implements Generator.
func (p *Pool) Generate(ctx context.Context, system, prompt string) (string, error) {
	return call(ctx, p, "generate", func(ctx context.Context, idx int, key string) (string, error) {
		g, err := cached(p, p.gens, idx, key, p.genNew)
		if err != nil {
			return "", err
		}
		return g.Generate(ctx, system, prompt)
	})
}

// Embed implements Embedder.
func (p *Pool) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.embedNew == nil {
		return nil, errors.New("no embedding provider configured")
	}
	return call(ctx, p, "embed", func(ctx context.Context, idx int, key string) ([]float32, error) {
		e, err := cached(p, p.embeds, idx, key, p.embedNew)
		if err != nil {
			return nil, err
		}
		return e.Embed(ctx, text)
	})
}

func cached[T any](p *Pool, m map[int]T, idx int, key string, factory func(string) (T, error)) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := m[idx]; ok {
		return c, nil
	}
	c, err := factory(key)
	if err != nil {
		var zero T
		return zero, backoff.Permanent(fmt.Errorf("create client: %w", err))
	}
	m[idx] = c
	return c, nil
}

func call[T any](ctx context.Context, p *Pool, op string, fn func(ctx context.Context, idx int, key string) (T, error)) (T, error) {
	attempt := 0
	run := func() (T, error) {
		attempt++
		var zero T
		idx, key := -1, ""
		if p.creds != nil && p.creds.Len() > 0 {
			sel, err := p.creds.Select()
			if err != nil {
				return zero, backoff.Permanent(err)
			}
			idx, key = sel.Index, sel.Credential.Key
		}

		callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
		start := time.Now()
		out, err := fn(callCtx, idx, key)
		if err == nil {
			if idx >= 0 {
				p.creds.ReportSuccess(idx)
			}
			p.log.Debug("llm call succeeded", "op", op, "credential", idx, "attempt", attempt, "duration", time.Since(start))
			return out, nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		kind := credentials.KindOther
		if idx >= 0 {
			kind = p.creds.ReportError(idx, err)
		}
		p.log.Warn("llm call failed", "op", op, "credential", idx, "attempt", attempt, "kind", kind.String(), "err", err)
		return zero, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.InitialInterval
	eb.MaxInterval = p.opts.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.MaxRetries)), ctx)
	out, err := backoff.RetryWithData(run, b)
	if err != nil {
		return out, fmt.Errorf("llm %s after %d attempt(s): %w", op, attempt, err)
	}
	return out, nil
}
