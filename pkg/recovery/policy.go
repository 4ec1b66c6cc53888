package recovery

import (
	"context"
	"encoding/json"

	"github.com/offlinekit/offlinekit/pkg/errors"
	"github.com/offlinekit/offlinekit/pkg/logging"
	"github.com/offlinekit/offlinekit/pkg/metrics"
)

// Action is what a conflict resolver decided to do with an operation.
type Action int

const (
	// ActionRetry re-submits the operation, optionally with a merged payload.
	ActionRetry Action = iota
	// ActionDiscard drops the operation silently.
	ActionDiscard
	// ActionSurface hands the conflict back to the caller unresolved.
	ActionSurface
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDiscard:
		return "discard"
	case ActionSurface:
		return "surface"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of conflict resolution for one operation.
type Resolution struct {
	Action        Action
	MergedPayload json.RawMessage
}

// Resolver reconciles a locally queued payload against the remote state
// that rejected it. It must be a pure function of its inputs.
type Resolver func(localPayload, remoteState json.RawMessage) Resolution

// SurfaceResolver is the default resolver: every conflict goes back to
// the caller.
func SurfaceResolver(_, _ json.RawMessage) Resolution {
	return Resolution{Action: ActionSurface}
}

// Disposition is the coarse routing decision for a failed operation.
type Disposition int

const (
	// DispositionRetry means the failure is transient; retry with backoff.
	DispositionRetry Disposition = iota
	// DispositionRefreshAndRetry means refresh the session, then retry once.
	DispositionRefreshAndRetry
	// DispositionResolve means invoke the conflict resolver.
	DispositionResolve
	// DispositionSurface means never retry; hand the error to the caller.
	DispositionSurface
)

// Dispose maps an error to its routing decision. This is the one
// routing table: the policy, the sync engine and the session manager
// all consult it rather than switching on kinds themselves.
func Dispose(err error) Disposition {
	switch errors.GetKind(err) {
	case errors.KindNetworkUnavailable, errors.KindServerError, errors.KindTimeout:
		return DispositionRetry
	case errors.KindAuthExpired:
		return DispositionRefreshAndRetry
	case errors.KindConflictDetected:
		return DispositionResolve
	default:
		return DispositionSurface
	}
}

// CacheReader serves previously stored values as fallbacks, flagged
// stale when past their TTL.
type CacheReader interface {
	RestoreStale(ctx context.Context, key string) (value json.RawMessage, stale bool, ok bool)
}

// SessionRefresher is the slice of the session manager the policy needs.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// Request carries the per-call context handleError needs to act on a
// failure: where cached fallback data lives, how to re-issue the
// original call, and how to resolve a conflict.
type Request struct {
	// CacheKey names a stored fallback value, empty if none applies.
	CacheKey string
	// Retry re-issues the original call. Nil means the call cannot be
	// replayed here and the policy only schedules, never executes.
	Retry func(ctx context.Context) error
	// LocalPayload is the payload of the failing operation, used for
	// conflict resolution.
	LocalPayload json.RawMessage
	// Resolver overrides the policy-level resolver for this call.
	Resolver Resolver
}

// Outcome reports what the policy did about a failure.
type Outcome struct {
	// ServedFromCache is true when CachedValue holds a fallback.
	ServedFromCache bool
	CachedValue     json.RawMessage
	// CacheStale flags that the fallback was past its TTL.
	CacheStale bool
	// RetryScheduled is true when the caller should queue or re-attempt
	// the operation.
	RetryScheduled bool
	// Escalated is true when recovery is exhausted and the caller must
	// surface the failure.
	Escalated bool
	// Resolution is set for conflict errors.
	Resolution *Resolution
	// Err is the original or terminal error, nil when recovery fully
	// absorbed the failure.
	Err error
}

// Config holds configuration for the recovery policy.
type Config struct {
	Retry    RetryConfig
	Resolver Resolver
}

// Policy is the shared decision surface for failure handling. The
// session manager and the sync engine both route errors through it
// instead of carrying their own retry logic.
type Policy struct {
	retrier   *Retrier
	resolver  Resolver
	cache     CacheReader
	refresher SessionRefresher
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewPolicy creates a recovery policy. cache and refresher may be nil;
// the corresponding dispositions then degrade to escalation.
func NewPolicy(cfg Config, cache CacheReader, refresher SessionRefresher, m *metrics.Metrics) *Policy {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = SurfaceResolver
	}
	return &Policy{
		retrier:   NewRetrier(cfg.Retry),
		resolver:  resolver,
		cache:     cache,
		refresher: refresher,
		logger:    logging.GetLogger(),
		metrics:   m,
	}
}

// HandleError routes err through the Dispose table and applies the
// matching recovery. The table is the single source of truth: callers
// that only need the coarse decision consult Dispose directly and
// cannot disagree with this method.
func (p *Policy) HandleError(ctx context.Context, err error, req Request) Outcome {
	if err == nil {
		return Outcome{}
	}

	kind := errors.GetKind(err)

	switch Dispose(err) {
	case DispositionRetry:
		// Network outages additionally fall back to cached reads; other
		// transient failures are simply retried.
		if kind == errors.KindNetworkUnavailable {
			return p.record(kind, p.handleNetworkUnavailable(ctx, err, req))
		}
		return p.record(kind, p.handleTransient(ctx, err, req))

	case DispositionRefreshAndRetry:
		return p.record(kind, p.handleAuthExpired(ctx, err, req))

	case DispositionResolve:
		return p.record(kind, p.handleConflict(err, req))

	default:
		if kind == errors.KindAuthInvalid {
			return p.record(kind, p.handleAuthInvalid(ctx, err))
		}
		return p.record(kind, Outcome{Escalated: true, Err: err})
	}
}

func (p *Policy) handleNetworkUnavailable(ctx context.Context, err error, req Request) Outcome {
	out := Outcome{RetryScheduled: true, Err: err}

	if p.cache != nil && req.CacheKey != "" {
		if value, stale, ok := p.cache.RestoreStale(ctx, req.CacheKey); ok {
			p.logger.Info("Serving cached fallback while offline",
				"cache_key", req.CacheKey,
				"stale", stale,
			)
			out.ServedFromCache = true
			out.CachedValue = value
			out.CacheStale = stale
			out.Err = nil
		}
	}
	return out
}

func (p *Policy) handleAuthExpired(ctx context.Context, err error, req Request) Outcome {
	if p.refresher == nil {
		return Outcome{Escalated: true, Err: err}
	}

	if refreshErr := p.refresher.Refresh(ctx); refreshErr != nil {
		p.logger.Warn("Session refresh failed during recovery", "error", refreshErr.Error())
		return Outcome{Escalated: true, Err: refreshErr}
	}

	if req.Retry == nil {
		return Outcome{RetryScheduled: true, Err: err}
	}

	// Exactly one automatic retry after a successful refresh.
	if retryErr := req.Retry(ctx); retryErr != nil {
		return Outcome{Escalated: true, Err: retryErr}
	}
	return Outcome{}
}

func (p *Policy) handleAuthInvalid(ctx context.Context, err error) Outcome {
	if p.refresher != nil {
		if termErr := p.refresher.Terminate(ctx); termErr != nil {
			p.logger.Warn("Session termination failed", "error", termErr.Error())
		}
	}
	return Outcome{Escalated: true, Err: err}
}

func (p *Policy) handleConflict(err error, req Request) Outcome {
	resolver := req.Resolver
	if resolver == nil {
		resolver = p.resolver
	}

	var remoteState json.RawMessage
	if appErr := errors.Classify(err); appErr != nil {
		remoteState = appErr.RemoteState
	}

	resolution := resolver(req.LocalPayload, remoteState)
	p.logger.Info("Conflict resolved", "action", resolution.Action.String())

	out := Outcome{Resolution: &resolution}
	switch resolution.Action {
	case ActionRetry:
		out.RetryScheduled = true
	case ActionSurface:
		out.Escalated = true
		out.Err = err
	}
	return out
}

func (p *Policy) handleTransient(ctx context.Context, err error, req Request) Outcome {
	if req.Retry == nil {
		return Outcome{RetryScheduled: true, Err: err}
	}

	if retryErr := p.retrier.Execute(ctx, req.Retry); retryErr != nil {
		return Outcome{Escalated: true, Err: retryErr}
	}
	return Outcome{}
}

func (p *Policy) record(kind errors.Kind, out Outcome) Outcome {
	if p.metrics != nil {
		p.metrics.RecoveryOutcomes.WithLabelValues(string(kind), out.label()).Inc()
	}
	return out
}

func (o Outcome) label() string {
	switch {
	case o.ServedFromCache:
		return "served_from_cache"
	case o.Escalated:
		return "escalated"
	case o.RetryScheduled:
		return "retry_scheduled"
	default:
		return "recovered"
	}
}
