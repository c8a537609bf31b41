//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/settings"
)

func generateBody(prompt string) map[string]any {
	return map[string]any{"prompt": prompt}
}

func TestGenerate_DefaultModelDebitsOneCredit(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.RespondWith("https://cdn.test/fox.png", 42)

	token := RegisterUser(t, env, "default-model@test.dev", "password123")
	userID := UserIDByEmail(t, env, "default-model@test.dev")
	SetCredits(t, env, userID, 10, 0)

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("a fox"), token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	assert.Equal(t, float64(9), data["daily_credits"])
	assert.Equal(t, float64(0), data["balance"])

	img := data["image"].(map[string]any)
	assert.Equal(t, "completed", img["status"])
	assert.Equal(t, "https://cdn.test/fox.png", img["image_url"])
	assert.Nil(t, img["model_id"], "implicit default model has no row")

	daily, balance := GetCredits(t, env, userID)
	assert.Equal(t, int64(9), daily)
	assert.Equal(t, int64(0), balance)
}

func TestGenerate_DailyCreditsSpentBeforeBalance(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.RespondWith("https://cdn.test/split.png", 0)

	token := RegisterUser(t, env, "split-debit@test.dev", "password123")
	userID := UserIDByEmail(t, env, "split-debit@test.dev")
	SetCredits(t, env, userID, 3, 10)

	modelID := SeedModel(t, env, &aimodels.Model{Name: "flux-pro", CreditsCost: 5})

	body := generateBody("a mountain at dusk")
	body["model_id"] = modelID.String()
	resp := DoRequest(t, env, "POST", "/api/v1/generate", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Cost 5 against pools 3/10: the daily pool empties first.
	daily, balance := GetCredits(t, env, userID)
	assert.Equal(t, int64(0), daily)
	assert.Equal(t, int64(8), balance)

	var amount int64
	err := env.Pool.QueryRow(context.Background(),
		`SELECT amount FROM credits_transactions
		 WHERE user_id = $1 AND type = 'generation'
		 ORDER BY created_at DESC LIMIT 1`, userID).Scan(&amount)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), amount)
}

func TestGenerate_ProviderFailureCostsNothing(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.FailWith(http.StatusBadGateway, "upstream exploded")

	token := RegisterUser(t, env, "provider-fail@test.dev", "password123")
	userID := UserIDByEmail(t, env, "provider-fail@test.dev")
	SetCredits(t, env, userID, 10, 0)

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("a storm"), token)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	daily, balance := GetCredits(t, env, userID)
	assert.Equal(t, int64(10), daily, "failed generation must not debit")
	assert.Equal(t, int64(0), balance)

	// The failed attempt is still recorded with the provider error.
	var status, errMsg string
	err := env.Pool.QueryRow(context.Background(),
		`SELECT status, error_message FROM images
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID).Scan(&status, &errMsg)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
	assert.Contains(t, errMsg, "upstream exploded")

	var logged int
	err = env.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM request_logs WHERE user_id = $1 AND status_code = 500`, userID).Scan(&logged)
	require.NoError(t, err)
	assert.Equal(t, 1, logged)
}

func TestGenerate_InsufficientCreditsSkipsProvider(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.RespondWith("https://cdn.test/never.png", 0)

	token := RegisterUser(t, env, "broke@test.dev", "password123")
	userID := UserIDByEmail(t, env, "broke@test.dev")
	SetCredits(t, env, userID, 0, 0)

	callsBefore := env.Provider.Calls()
	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("a yacht"), token)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, callsBefore, env.Provider.Calls(), "no provider call without credits")

	var count int
	err := env.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM images WHERE user_id = $1`, userID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count, "no image row for a rejected request")
}

func TestGenerate_CooldownSubstitutesFallback(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.RespondWith("https://cdn.test/fallback.png", 0)

	token := RegisterUser(t, env, "cooldown@test.dev", "password123")
	userID := UserIDByEmail(t, env, "cooldown@test.dev")
	SetCredits(t, env, userID, 10, 0)

	fallbackID := SeedModel(t, env, &aimodels.Model{Name: "flux-schnell", CreditsCost: 2})
	cooldown := time.Now().Add(time.Hour)
	coolingID := SeedModel(t, env, &aimodels.Model{
		Name:            "flux-ultra",
		CreditsCost:     8,
		CooldownUntil:   &cooldown,
		FallbackModelID: &fallbackID,
	})

	body := generateBody("a glacier")
	body["model_id"] = coolingID.String()
	resp := DoRequest(t, env, "POST", "/api/v1/generate", body, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The substitution is silent; the persisted row and the debit both
	// belong to the fallback.
	var modelID uuid.UUID
	var creditsUsed int64
	err := env.Pool.QueryRow(context.Background(),
		`SELECT model_id, credits_used FROM images
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID).Scan(&modelID, &creditsUsed)
	require.NoError(t, err)
	assert.Equal(t, fallbackID, modelID)
	assert.Equal(t, int64(2), creditsUsed)

	daily, _ := GetCredits(t, env, userID)
	assert.Equal(t, int64(8), daily)
}

func TestGenerate_APIKeyAuthentication(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.RespondWith("https://cdn.test/key.png", 0)

	token := RegisterUser(t, env, "keyed@test.dev", "password123")
	userID := UserIDByEmail(t, env, "keyed@test.dev")
	SetCredits(t, env, userID, 10, 0)
	secret := CreateAPIKey(t, env, token, "ci key")

	resp := DoKeyRequest(t, env, "POST", "/api/v1/generate", generateBody("a robot"), secret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var usageCount int64
	var keyID uuid.UUID
	err := env.Pool.QueryRow(context.Background(),
		`SELECT id, usage_count FROM api_keys WHERE user_id = $1`, userID).Scan(&keyID, &usageCount)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usageCount)

	// The image row is attributed to the key, not just the user.
	var imgKeyID uuid.UUID
	err = env.Pool.QueryRow(context.Background(),
		`SELECT api_key_id FROM images WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`,
		userID).Scan(&imgKeyID)
	require.NoError(t, err)
	assert.Equal(t, keyID, imgKeyID)
}

func TestGenerate_RejectsWithoutCredential(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("anonymous"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestGenerate_ExpiredTokenReportedAsInvalid(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("stale"), "not-a-real-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := ParseResponse(t, resp)
	assert.Contains(t, body["error"], "invalid or expired",
		"a presented-but-bad token must not read as a missing credential")
}

func TestGenerate_MaintenanceMode(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()

	token := RegisterUser(t, env, "maintenance@test.dev", "password123")

	require.NoError(t, env.Settings.Set(ctx, settings.KeyMaintenanceMode, "true"))
	t.Cleanup(func() { env.Settings.Set(ctx, settings.KeyMaintenanceMode, "false") })

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("down"), token)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestGenerate_BannedAccountForbidden(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()

	token := RegisterUser(t, env, "banned@test.dev", "password123")
	userID := UserIDByEmail(t, env, "banned@test.dev")
	SetCredits(t, env, userID, 10, 0)

	_, err := env.Pool.Exec(ctx,
		`UPDATE profiles SET is_banned = TRUE, ban_reason = 'abuse' WHERE id = $1`, userID)
	require.NoError(t, err)

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("nope"), token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The ban lands on the incident trail (direct write, NATS disabled here).
	var events int
	err = env.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_events WHERE user_id = $1 AND event_type = 'banned_account'`,
		userID).Scan(&events)
	require.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestGenerate_CreditConservation(t *testing.T) {
	env := SetupTestEnv(t)
	env.Provider.RespondWith("https://cdn.test/serial.png", 0)

	token := RegisterUser(t, env, "conservation@test.dev", "password123")
	userID := UserIDByEmail(t, env, "conservation@test.dev")
	SetCredits(t, env, userID, 5, 2)

	// Seven credits buy exactly seven generations; the eighth is refused.
	for i := 0; i < 7; i++ {
		resp := DoRequest(t, env, "POST", "/api/v1/generate",
			generateBody(fmt.Sprintf("frame %d", i)), token)
		require.Equal(t, http.StatusOK, resp.StatusCode, "generation %d", i)
		resp.Body.Close()
	}

	resp := DoRequest(t, env, "POST", "/api/v1/generate", generateBody("frame 7"), token)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	resp.Body.Close()

	daily, balance := GetCredits(t, env, userID)
	assert.Zero(t, daily)
	assert.Zero(t, balance)

	var completed int
	err := env.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM images WHERE user_id = $1 AND status = 'completed'`, userID).Scan(&completed)
	require.NoError(t, err)
	assert.Equal(t, 7, completed)
}
