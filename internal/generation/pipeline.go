package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/apikeys"
	"github.com/pixelforge-ai/pixelforge/internal/credits"
	"github.com/pixelforge-ai/pixelforge/internal/metrics"
	"github.com/pixelforge-ai/pixelforge/internal/quota"
	"github.com/pixelforge-ai/pixelforge/internal/security"
)

// Collaborator interfaces, one per stage, so the pipeline can be exercised
// with fakes.

type MaintenanceGate interface {
	MaintenanceMode(ctx context.Context) (bool, error)
}

type KeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (*apikeys.Key, error)
}

type AccountDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*accounts.Account, error)
}

type Blocklist interface {
	LookupBlockedIP(ctx context.Context, ip string) (*security.BlockedIP, error)
}

type RateEnforcer interface {
	CheckRate(ctx context.Context, userID uuid.UUID, subject string, limits quota.Limits) error
	CheckDailyImages(ctx context.Context, userID uuid.UUID, cap *int) error
}

type ModelResolver interface {
	Resolve(ctx context.Context, modelID *uuid.UUID) (*aimodels.Model, error)
}

type CreditChecker interface {
	PreCheck(ctx context.Context, userID uuid.UUID, cost int64) (*credits.Account, error)
}

type Invoker interface {
	Generate(ctx context.Context, model *aimodels.Model, params aimodels.GenerateParams) (*aimodels.GenerateResult, error)
}

type SecurityEvents interface {
	Record(ctx context.Context, ev security.Event)
}

type OutcomeRecorder interface {
	RecordFailure(ctx context.Context, req *Request, p *Principal, model *aimodels.Model, genErr *aimodels.GenError, elapsedMS int64) error
	RecordSuccess(ctx context.Context, req *Request, p *Principal, model *aimodels.Model, genRes *aimodels.GenerateResult) (*Result, error)
}

// Pipeline runs the admission-and-accounting sequence for one generation
// request. Stages run strictly in order with early exit; only the recorder
// mutates durable accounting state, and it runs only after the provider call
// has concretely succeeded or failed.
type Pipeline struct {
	gate     MaintenanceGate
	keys     KeyAuthenticator
	accounts AccountDirectory
	blocked  Blocklist
	enforcer RateEnforcer
	resolver ModelResolver
	credits  CreditChecker
	invoker  Invoker
	recorder OutcomeRecorder
	events   SecurityEvents
	defaults quota.Limits
}

func NewPipeline(
	gate MaintenanceGate,
	keys KeyAuthenticator,
	accounts AccountDirectory,
	blocked Blocklist,
	enforcer RateEnforcer,
	resolver ModelResolver,
	credits CreditChecker,
	invoker Invoker,
	recorder OutcomeRecorder,
	events SecurityEvents,
	defaults quota.Limits,
) *Pipeline {
	return &Pipeline{
		gate:     gate,
		keys:     keys,
		accounts: accounts,
		blocked:  blocked,
		enforcer: enforcer,
		resolver: resolver,
		credits:  credits,
		invoker:  invoker,
		recorder: recorder,
		events:   events,
		defaults: defaults,
	}
}

func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	// 1. Maintenance gate
	maint, err := p.gate.MaintenanceMode(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking maintenance mode: %w", err)
	}
	if maint {
		reject("maintenance")
		return nil, ErrMaintenanceMode
	}

	// 2. Request authenticator
	principal, err := p.authenticate(ctx, req)
	if err != nil {
		reject("authentication")
		return nil, err
	}

	// 3. Access guard
	account, err := p.guard(ctx, principal)
	if err != nil {
		reject("access_guard")
		return nil, err
	}

	// 4. Rate limiter
	limits := quota.Resolve(principal.KeyRPM, principal.KeyRPD, account.CustomRPM, account.CustomRPD, p.defaults)
	if err := p.enforcer.CheckRate(ctx, principal.UserID, principal.RateSubject(), limits); err != nil {
		var rlErr *quota.RateLimitError
		if errors.As(err, &rlErr) {
			reject("rate_limit")
			p.events.Record(ctx, security.Event{
				UserID:    &principal.UserID,
				APIKeyID:  principal.APIKeyID,
				EventType: security.EventRateLimited,
				Severity:  security.SeverityLow,
				IPAddress: principal.IPAddress,
				Details:   rlErr.Error(),
			})
		}
		return nil, err
	}

	// 5. Quota enforcer (daily image cap, independent of request rate)
	if err := p.enforcer.CheckDailyImages(ctx, principal.UserID, account.MaxImagesPerDay); err != nil {
		var qErr *quota.DailyImageQuotaError
		if errors.As(err, &qErr) {
			reject("daily_quota")
			p.events.Record(ctx, security.Event{
				UserID:    &principal.UserID,
				APIKeyID:  principal.APIKeyID,
				EventType: security.EventQuotaExceeded,
				Severity:  security.SeverityLow,
				IPAddress: principal.IPAddress,
				Details:   qErr.Error(),
			})
		}
		return nil, err
	}

	// 6. Model resolver
	model, err := p.resolver.Resolve(ctx, req.ModelID)
	if err != nil {
		reject("model_resolver")
		return nil, err
	}

	// 7. Credit pre-check. No mutation: the debit is deferred until the
	// provider call has succeeded, so a failed call never costs credits.
	if _, err := p.credits.PreCheck(ctx, principal.UserID, model.CreditsCost); err != nil {
		var insErr *credits.InsufficientError
		if errors.As(err, &insErr) {
			reject("credit_check")
		}
		return nil, err
	}

	// 8. Generation invoker
	start := time.Now()
	genRes, err := p.invoker.Generate(ctx, model, aimodels.GenerateParams{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFGScale:       req.CFGScale,
		Seed:           req.Seed,
		NumImages:      req.NumImages,
	})
	elapsed := time.Since(start)
	metrics.GenerationDuration.Observe(elapsed.Seconds())

	// 9. Outcome recorder
	if err != nil {
		var genErr *aimodels.GenError
		if errors.As(err, &genErr) {
			if recErr := p.recorder.RecordFailure(ctx, req, principal, model, genErr, elapsed.Milliseconds()); recErr != nil {
				slog.Error("recording failed generation", "error", recErr)
			}
			return nil, genErr
		}
		return nil, err
	}

	return p.recorder.RecordSuccess(ctx, req, principal, model, genRes)
}

// authenticate resolves the credential to a principal. API keys take
// precedence; unknown and forged keys are indistinguishable to the caller.
func (p *Pipeline) authenticate(ctx context.Context, req *Request) (*Principal, error) {
	if req.Credential.APIKey != "" {
		key, err := p.keys.Authenticate(ctx, req.Credential.APIKey)
		if err != nil {
			if errors.Is(err, apikeys.ErrInvalidKey) {
				p.events.Record(ctx, security.Event{
					EventType: security.EventInvalidKey,
					Severity:  security.SeverityMedium,
					IPAddress: req.IPAddress,
					Details:   "unknown or mismatched api key",
				})
			}
			return nil, err
		}
		return &Principal{
			UserID:    key.UserID,
			APIKeyID:  &key.ID,
			KeyRPM:    key.CustomRPM,
			KeyRPD:    key.CustomRPD,
			IPAddress: req.IPAddress,
		}, nil
	}

	if req.Credential.SessionUserID != nil {
		return &Principal{
			UserID:    *req.Credential.SessionUserID,
			IPAddress: req.IPAddress,
		}, nil
	}

	if req.Credential.InvalidSession {
		return nil, ErrInvalidSession
	}

	return nil, ErrNoCredential
}

// guard rejects banned accounts and blocklisted source addresses.
func (p *Pipeline) guard(ctx context.Context, principal *Principal) (*accounts.Account, error) {
	account, err := p.accounts.GetByID(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if account == nil {
		return nil, ErrNoCredential
	}

	if account.IsBanned {
		reason := ""
		if account.BanReason != nil {
			reason = *account.BanReason
		}
		p.events.Record(ctx, security.Event{
			UserID:    &principal.UserID,
			APIKeyID:  principal.APIKeyID,
			EventType: security.EventBannedAccount,
			Severity:  security.SeverityMedium,
			IPAddress: principal.IPAddress,
			Details:   "banned account attempted generation",
		})
		return nil, &accounts.BannedError{Reason: reason}
	}

	if principal.IPAddress != "" {
		blocked, err := p.blocked.LookupBlockedIP(ctx, principal.IPAddress)
		if err != nil {
			return nil, fmt.Errorf("checking ip blocklist: %w", err)
		}
		if blocked != nil {
			p.events.Record(ctx, security.Event{
				UserID:    &principal.UserID,
				APIKeyID:  principal.APIKeyID,
				EventType: security.EventBlockedIP,
				Severity:  security.SeverityHigh,
				IPAddress: principal.IPAddress,
				Details:   blocked.Reason,
			})
			return nil, &BlockedIPError{Reason: blocked.Reason}
		}
	}

	return account, nil
}

func reject(stage string) {
	metrics.AdmissionRejectionsTotal.WithLabelValues(stage).Inc()
}
