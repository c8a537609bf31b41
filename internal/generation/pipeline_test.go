package generation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/apikeys"
	"github.com/pixelforge-ai/pixelforge/internal/credits"
	"github.com/pixelforge-ai/pixelforge/internal/quota"
	"github.com/pixelforge-ai/pixelforge/internal/security"
)

type fakeGate struct{ maintenance bool }

func (f *fakeGate) MaintenanceMode(context.Context) (bool, error) { return f.maintenance, nil }

type fakeKeys struct {
	key *apikeys.Key
	err error
}

func (f *fakeKeys) Authenticate(context.Context, string) (*apikeys.Key, error) {
	return f.key, f.err
}

type fakeAccounts struct{ account *accounts.Account }

func (f *fakeAccounts) GetByID(context.Context, uuid.UUID) (*accounts.Account, error) {
	return f.account, nil
}

type fakeBlocklist struct{ blocked *security.BlockedIP }

func (f *fakeBlocklist) LookupBlockedIP(context.Context, string) (*security.BlockedIP, error) {
	return f.blocked, nil
}

type fakeEnforcer struct {
	rateErr    error
	quotaErr   error
	gotLimits  quota.Limits
	gotSubject string
}

func (f *fakeEnforcer) CheckRate(_ context.Context, _ uuid.UUID, subject string, limits quota.Limits) error {
	f.gotSubject = subject
	f.gotLimits = limits
	return f.rateErr
}

func (f *fakeEnforcer) CheckDailyImages(context.Context, uuid.UUID, *int) error {
	return f.quotaErr
}

type fakeResolver struct {
	model *aimodels.Model
	err   error
}

func (f *fakeResolver) Resolve(context.Context, *uuid.UUID) (*aimodels.Model, error) {
	return f.model, f.err
}

type fakeCredits struct {
	account *credits.Account
	err     error
}

func (f *fakeCredits) PreCheck(context.Context, uuid.UUID, int64) (*credits.Account, error) {
	return f.account, f.err
}

type fakeInvoker struct {
	result *aimodels.GenerateResult
	err    error
	calls  int
	got    *aimodels.Model
}

func (f *fakeInvoker) Generate(_ context.Context, model *aimodels.Model, _ aimodels.GenerateParams) (*aimodels.GenerateResult, error) {
	f.calls++
	f.got = model
	return f.result, f.err
}

type fakeRecorder struct {
	failures  int
	successes int
	result    *Result
}

func (f *fakeRecorder) RecordFailure(context.Context, *Request, *Principal, *aimodels.Model, *aimodels.GenError, int64) error {
	f.failures++
	return nil
}

func (f *fakeRecorder) RecordSuccess(context.Context, *Request, *Principal, *aimodels.Model, *aimodels.GenerateResult) (*Result, error) {
	f.successes++
	return f.result, nil
}

type fakeEvents struct{ events []security.Event }

func (f *fakeEvents) Record(_ context.Context, ev security.Event) {
	f.events = append(f.events, ev)
}

// fixture wires a pipeline where every stage passes; tests break one stage
// at a time.
type fixture struct {
	gate     *fakeGate
	keys     *fakeKeys
	accounts *fakeAccounts
	blocked  *fakeBlocklist
	enforcer *fakeEnforcer
	resolver *fakeResolver
	credits  *fakeCredits
	invoker  *fakeInvoker
	recorder *fakeRecorder
	events   *fakeEvents
	userID   uuid.UUID
}

func newFixture() *fixture {
	userID := uuid.New()
	model := &aimodels.Model{ID: uuid.New(), Name: "flux-dev", Status: aimodels.StatusActive, CreditsCost: 3}
	return &fixture{
		gate:     &fakeGate{},
		keys:     &fakeKeys{},
		accounts: &fakeAccounts{account: &accounts.Account{ID: userID}},
		blocked:  &fakeBlocklist{},
		enforcer: &fakeEnforcer{},
		resolver: &fakeResolver{model: model},
		credits:  &fakeCredits{account: &credits.Account{UserID: userID, DailyCredits: 10}},
		invoker: &fakeInvoker{result: &aimodels.GenerateResult{
			Images:    []aimodels.GeneratedImage{{URL: "https://cdn.example/1.png"}},
			ElapsedMS: 1200,
		}},
		recorder: &fakeRecorder{result: &Result{DailyCredits: 7}},
		events:   &fakeEvents{},
		userID:   userID,
	}
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(f.gate, f.keys, f.accounts, f.blocked, f.enforcer, f.resolver,
		f.credits, f.invoker, f.recorder, f.events, quota.Limits{RPM: 60, RPD: 1000})
}

func (f *fixture) request() *Request {
	return &Request{
		Credential: Credential{SessionUserID: &f.userID},
		IPAddress:  "203.0.113.7",
		Endpoint:   "/api/v1/generate",
		Prompt:     "a fox in the snow",
		Width:      512, Height: 512, Steps: 20, CFGScale: 7, NumImages: 1,
	}
}

func TestPipeline_Success(t *testing.T) {
	f := newFixture()

	res, err := f.pipeline().Run(context.Background(), f.request())
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.DailyCredits)
	assert.Equal(t, 1, f.invoker.calls)
	assert.Equal(t, 1, f.recorder.successes)
	assert.Zero(t, f.recorder.failures)
}

func TestPipeline_MaintenanceShortCircuit(t *testing.T) {
	f := newFixture()
	f.gate.maintenance = true

	_, err := f.pipeline().Run(context.Background(), f.request())
	assert.ErrorIs(t, err, ErrMaintenanceMode)
	assert.Zero(t, f.invoker.calls)
	assert.Zero(t, f.recorder.successes+f.recorder.failures, "no image row on early exit")
}

func TestPipeline_NoCredential(t *testing.T) {
	f := newFixture()
	req := f.request()
	req.Credential = Credential{}

	_, err := f.pipeline().Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestPipeline_InvalidSession(t *testing.T) {
	f := newFixture()
	req := f.request()
	req.Credential = Credential{InvalidSession: true}

	_, err := f.pipeline().Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.NotErrorIs(t, err, ErrNoCredential, "an expired token is not the same as no token")
	assert.Zero(t, f.invoker.calls)
}

func TestPipeline_InvalidKeyRecordsEvent(t *testing.T) {
	f := newFixture()
	f.keys.err = apikeys.ErrInvalidKey
	req := f.request()
	req.Credential = Credential{APIKey: "pf_deadbeef"}

	_, err := f.pipeline().Run(context.Background(), req)
	assert.ErrorIs(t, err, apikeys.ErrInvalidKey)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, security.EventInvalidKey, f.events.events[0].EventType)
	assert.Zero(t, f.invoker.calls)
}

func TestPipeline_KeyPrincipalAndOverrides(t *testing.T) {
	f := newFixture()
	rpm := 5
	f.keys.key = &apikeys.Key{ID: uuid.New(), UserID: f.userID, Status: apikeys.StatusActive, CustomRPM: &rpm}
	req := f.request()
	req.Credential = Credential{APIKey: "pf_deadbeef"}

	_, err := f.pipeline().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "key:"+f.keys.key.ID.String(), f.enforcer.gotSubject)
	assert.Equal(t, 5, f.enforcer.gotLimits.RPM, "per-key override beats the default")
	assert.Equal(t, 1000, f.enforcer.gotLimits.RPD)
}

func TestPipeline_BannedShortCircuit(t *testing.T) {
	f := newFixture()
	reason := "abuse"
	f.accounts.account.IsBanned = true
	f.accounts.account.BanReason = &reason
	// Plenty of credits and an available model: the ban must win anyway.

	_, err := f.pipeline().Run(context.Background(), f.request())
	var bannedErr *accounts.BannedError
	require.ErrorAs(t, err, &bannedErr)
	assert.Equal(t, "abuse", bannedErr.Reason)
	assert.Zero(t, f.invoker.calls)
	assert.Zero(t, f.recorder.successes+f.recorder.failures, "no image row for banned accounts")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, security.EventBannedAccount, f.events.events[0].EventType)
}

func TestPipeline_BlockedIP(t *testing.T) {
	f := newFixture()
	f.blocked.blocked = &security.BlockedIP{IPAddress: "203.0.113.7", Reason: "scanner"}

	_, err := f.pipeline().Run(context.Background(), f.request())
	var blockedErr *BlockedIPError
	require.ErrorAs(t, err, &blockedErr)
	assert.Zero(t, f.invoker.calls)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, security.EventBlockedIP, f.events.events[0].EventType)
}

func TestPipeline_RateLimited(t *testing.T) {
	f := newFixture()
	f.enforcer.rateErr = &quota.RateLimitError{Scope: quota.ScopePerMinute, Limit: 60, RetryAfter: 60}

	_, err := f.pipeline().Run(context.Background(), f.request())
	var rlErr *quota.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Zero(t, f.invoker.calls)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, security.EventRateLimited, f.events.events[0].EventType)
}

func TestPipeline_DailyQuotaExceeded(t *testing.T) {
	f := newFixture()
	f.enforcer.quotaErr = &quota.DailyImageQuotaError{Used: 10, Limit: 10, RetryAfter: 3600}

	_, err := f.pipeline().Run(context.Background(), f.request())
	var qErr *quota.DailyImageQuotaError
	require.ErrorAs(t, err, &qErr)
	assert.Zero(t, f.invoker.calls)
}

func TestPipeline_ModelUnavailable(t *testing.T) {
	f := newFixture()
	f.resolver.model = nil
	f.resolver.err = aimodels.ErrModelUnavailable

	_, err := f.pipeline().Run(context.Background(), f.request())
	assert.ErrorIs(t, err, aimodels.ErrModelUnavailable)
	assert.Zero(t, f.invoker.calls)
}

func TestPipeline_InsufficientCreditsNoProviderCall(t *testing.T) {
	f := newFixture()
	f.credits.account = nil
	f.credits.err = &credits.InsufficientError{Required: 5, Available: 2}

	_, err := f.pipeline().Run(context.Background(), f.request())
	var insErr *credits.InsufficientError
	require.ErrorAs(t, err, &insErr)
	assert.Equal(t, int64(5), insErr.Required)
	assert.Equal(t, int64(2), insErr.Available)
	assert.Zero(t, f.invoker.calls, "no provider call without sufficient credits")
	assert.Zero(t, f.recorder.successes+f.recorder.failures)
}

func TestPipeline_ProviderFailureRecordedNoDebit(t *testing.T) {
	f := newFixture()
	f.invoker.result = nil
	f.invoker.err = &aimodels.GenError{Kind: aimodels.GenProviderServerError, ProviderStatus: 502}

	_, err := f.pipeline().Run(context.Background(), f.request())
	var genErr *aimodels.GenError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, aimodels.GenProviderServerError, genErr.Kind)
	assert.Equal(t, 1, f.recorder.failures, "failed attempt must be recorded")
	assert.Zero(t, f.recorder.successes, "no debit path on failure")
}

func TestPipeline_ResolvedModelReachesInvoker(t *testing.T) {
	f := newFixture()
	fallback := &aimodels.Model{ID: uuid.New(), Name: "flux-schnell", Status: aimodels.StatusActive, CreditsCost: 1}
	f.resolver.model = fallback

	_, err := f.pipeline().Run(context.Background(), f.request())
	require.NoError(t, err)
	require.NotNil(t, f.invoker.got)
	assert.Equal(t, fallback.ID, f.invoker.got.ID, "downstream stages use the resolver's substitution")
}
