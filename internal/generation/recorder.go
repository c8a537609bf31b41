package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/apikeys"
	"github.com/pixelforge-ai/pixelforge/internal/credits"
	"github.com/pixelforge-ai/pixelforge/internal/metrics"
	"github.com/pixelforge-ai/pixelforge/internal/security"
)

// maxErrorLen bounds the provider error text persisted on failed images.
const maxErrorLen = 500

// Recorder persists the terminal outcome of a generation attempt. It is the
// only pipeline stage that mutates durable accounting state.
type Recorder struct {
	pool     *pgxpool.Pool
	security *security.Recorder
}

func NewRecorder(pool *pgxpool.Pool, sec *security.Recorder) *Recorder {
	return &Recorder{pool: pool, security: sec}
}

// RecordFailure writes the failed image row and its request log. No credit
// is debited: a failed external call never costs the user anything.
func (r *Recorder) RecordFailure(ctx context.Context, req *Request, p *Principal, model *aimodels.Model, genErr *aimodels.GenError, elapsedMS int64) error {
	img := r.buildImage(req, p, model)
	img.Status = StatusFailed
	img.CreditsUsed = 0
	img.GenerationTimeMS = elapsedMS
	img.ErrorMessage = truncateError(genErr.Error())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning failure tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := InsertImageTx(ctx, tx, img); err != nil {
		return err
	}
	// The attempt reached the provider, so it counts against the model even
	// though it failed.
	if !model.IsDefault() {
		if err := aimodels.IncrementUsageTx(ctx, tx, model.ID); err != nil {
			return err
		}
	}
	if err := security.InsertRequestLogTx(ctx, tx, &security.RequestLog{
		UserID:       p.UserID,
		APIKeyID:     p.APIKeyID,
		ImageID:      &img.ID,
		Endpoint:     req.Endpoint,
		StatusCode:   genErr.ClientStatus(),
		LatencyMS:    elapsedMS,
		IPAddress:    p.IPAddress,
		ErrorMessage: truncateError(genErr.Error()),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing failure tx: %w", err)
	}

	metrics.GenerationsTotal.WithLabelValues(string(StatusFailed)).Inc()
	return nil
}

// RecordSuccess applies the whole success path in one transaction: the
// conditional split debit, the ledger row, the image row, the usage
// counters, and the request log. If a concurrent request spent the credit
// between the pre-check and here, the debit is rejected and the attempt is
// recorded as failed instead; the caller sees an insufficient-credits error.
func (r *Recorder) RecordSuccess(ctx context.Context, req *Request, p *Principal, model *aimodels.Model, genRes *aimodels.GenerateResult) (*Result, error) {
	img := r.buildImage(req, p, model)
	img.Status = StatusCompleted
	img.ImageURL = genRes.Images[0].URL
	img.CreditsUsed = model.CreditsCost
	img.GenerationTimeMS = genRes.ElapsedMS
	if img.Seed == nil && genRes.Images[0].Seed != 0 {
		seed := genRes.Images[0].Seed
		img.Seed = &seed
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning success tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := credits.DebitTx(ctx, tx, p.UserID, model.CreditsCost)
	if err != nil {
		if errors.Is(err, credits.ErrDebitConflict) {
			_ = tx.Rollback(ctx)
			return nil, r.recordDebitRace(ctx, req, p, model, genRes)
		}
		return nil, err
	}

	if err := credits.InsertTransactionTx(ctx, tx, &credits.Transaction{
		UserID: p.UserID,
		Amount: -model.CreditsCost,
		Type:   credits.TypeGeneration,
		Reason: "image generation: " + model.Name,
	}); err != nil {
		return nil, err
	}

	if err := InsertImageTx(ctx, tx, img); err != nil {
		return nil, err
	}

	if p.APIKeyID != nil {
		if err := apikeys.RecordUsageTx(ctx, tx, *p.APIKeyID, p.IPAddress, time.Now()); err != nil {
			return nil, err
		}
	}

	if !model.IsDefault() {
		if err := aimodels.IncrementUsageTx(ctx, tx, model.ID); err != nil {
			return nil, err
		}
	}

	if err := security.InsertRequestLogTx(ctx, tx, &security.RequestLog{
		UserID:     p.UserID,
		APIKeyID:   p.APIKeyID,
		ImageID:    &img.ID,
		Endpoint:   req.Endpoint,
		StatusCode: http.StatusOK,
		LatencyMS:  genRes.ElapsedMS,
		IPAddress:  p.IPAddress,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing success tx: %w", err)
	}

	metrics.GenerationsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.CreditsDebitedTotal.Add(float64(model.CreditsCost))

	return &Result{
		Image:        img,
		DailyCredits: acc.DailyCredits,
		Balance:      acc.Balance,
	}, nil
}

// recordDebitRace handles the loser of a concurrent spend: the generation
// succeeded upstream but the credit is gone, so the attempt is persisted as
// failed with no debit and the race is flagged on the incident trail.
func (r *Recorder) recordDebitRace(ctx context.Context, req *Request, p *Principal, model *aimodels.Model, genRes *aimodels.GenerateResult) error {
	img := r.buildImage(req, p, model)
	img.Status = StatusFailed
	img.CreditsUsed = 0
	img.GenerationTimeMS = genRes.ElapsedMS
	img.ErrorMessage = "credit_race: balance spent by a concurrent request"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning race tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := InsertImageTx(ctx, tx, img); err != nil {
		return err
	}
	if err := security.InsertRequestLogTx(ctx, tx, &security.RequestLog{
		UserID:       p.UserID,
		APIKeyID:     p.APIKeyID,
		ImageID:      &img.ID,
		Endpoint:     req.Endpoint,
		StatusCode:   http.StatusPaymentRequired,
		LatencyMS:    genRes.ElapsedMS,
		IPAddress:    p.IPAddress,
		ErrorMessage: img.ErrorMessage,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing race tx: %w", err)
	}

	metrics.GenerationsTotal.WithLabelValues(string(StatusFailed)).Inc()

	r.security.Record(ctx, security.Event{
		UserID:    &p.UserID,
		APIKeyID:  p.APIKeyID,
		EventType: security.EventCreditRace,
		Severity:  security.SeverityMedium,
		IPAddress: p.IPAddress,
		Details:   "conditional debit rejected after successful generation",
	})
	slog.Warn("debit race detected", "user_id", p.UserID, "model", model.Name)

	return credits.ErrDebitConflict
}

func (r *Recorder) buildImage(req *Request, p *Principal, model *aimodels.Model) *Image {
	img := &Image{
		UserID:         p.UserID,
		APIKeyID:       p.APIKeyID,
		ProviderID:     model.ProviderID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFGScale:       req.CFGScale,
		Seed:           req.Seed,
	}
	if !model.IsDefault() {
		id := model.ID
		img.ModelID = &id
	}
	return img
}

// truncateError bounds the persisted error text. Provider failures carry raw
// response bytes and the TEXT column rejects invalid UTF-8, so the message is
// sanitized and never cut mid-rune.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "")
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
