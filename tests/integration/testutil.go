//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/api"
	"github.com/pixelforge-ai/pixelforge/internal/apikeys"
	"github.com/pixelforge-ai/pixelforge/internal/auth"
	"github.com/pixelforge-ai/pixelforge/internal/config"
	"github.com/pixelforge-ai/pixelforge/internal/credits"
	"github.com/pixelforge-ai/pixelforge/internal/generation"
	"github.com/pixelforge-ai/pixelforge/internal/quota"
	"github.com/pixelforge-ai/pixelforge/internal/security"
	"github.com/pixelforge-ai/pixelforge/internal/settings"
)

// providerStub stands in for the upstream generation backend. Tests swap its
// handler to shape the next response.
type providerStub struct {
	mu      sync.Mutex
	handler http.HandlerFunc
	calls   int
}

func (p *providerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.calls++
	h := p.handler
	p.mu.Unlock()
	h(w, r)
}

func (p *providerStub) Set(h http.HandlerFunc) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *providerStub) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// RespondWith makes the stub return a single image at the given URL.
func (p *providerStub) RespondWith(url string, seed int64) {
	p.Set(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"images": []map[string]any{{"url": url, "seed": seed}},
		})
	})
}

// FailWith makes the stub return the given upstream status.
func (p *providerStub) FailWith(status int, body string) {
	p.Set(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, body, status)
	})
}

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	Provider    *providerStub
	Settings    *settings.Repository
	Credits     *credits.Service
}

var testEnv *TestEnv

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "pixelforge_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/pixelforge_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	m, err := migrate.New(fmt.Sprintf("file://%s", getMigrationsPath()), dsn)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Upstream stub: default to a successful single-image response.
	provider := &providerStub{}
	provider.RespondWith("https://cdn.test/default.png", 0)
	providerServer := httptest.NewServer(provider)
	t.Cleanup(providerServer.Close)

	encryptor, err := auth.NewEncryptor("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	jwtManager := auth.NewJWTManager(
		"test-access-secret-32-chars-long!!", "test-refresh-secret-32-chars-long!!",
		15*time.Minute, 7*24*time.Hour)
	authSvc := auth.NewService(jwtManager, redisClient)

	accountRepo := accounts.NewRepository(pool)
	accountSvc := accounts.NewService(accountRepo)
	creditRepo := credits.NewRepository(pool)
	creditSvc := credits.NewService(creditRepo)
	authHandler := auth.NewHandler(authSvc, accountSvc, creditSvc)
	creditHandler := credits.NewHandler(creditSvc)

	keyRepo := apikeys.NewRepository(pool)
	keySvc := apikeys.NewService(keyRepo)
	keyHandler := apikeys.NewHandler(keySvc)

	modelRepo := aimodels.NewRepository(pool)
	resolver := aimodels.NewResolver(modelRepo)
	providerClient := aimodels.NewClient(config.ProviderConfig{
		Endpoint: providerServer.URL,
		APIKey:   "test-provider-key",
		Timeout:  5 * time.Second,
	}, encryptor, modelRepo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	modelHandler := aimodels.NewHandler(modelRepo)

	defaults := quota.Limits{RPM: 60, RPD: 1000}
	quotaRepo := quota.NewRepository(pool)
	enforcer := quota.NewEnforcer(quotaRepo, quota.NewRateLimiter(redisClient))
	quotaHandler := quota.NewHandler(enforcer, accountSvc, defaults)

	securityRepo := security.NewRepository(pool)
	eventRecorder := security.NewRecorder(nil, securityRepo)

	settingsRepo := settings.NewRepository(pool)

	imageRepo := generation.NewRepository(pool)
	outcomeRecorder := generation.NewRecorder(pool, eventRecorder)
	pipeline := generation.NewPipeline(
		settingsRepo, keySvc, accountSvc, securityRepo, enforcer,
		resolver, creditSvc, providerClient, outcomeRecorder, eventRecorder, defaults)
	generationHandler := generation.NewHandler(pipeline, imageRepo, authSvc)

	router := api.NewRouter(pool, nil, api.RouterConfig{}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,

		Generate: generationHandler.Generate,

		ListImages: generationHandler.ListImages,
		GetImage:   generationHandler.GetImage,

		GetCredits:       creditHandler.GetCredits,
		ListTransactions: creditHandler.ListTransactions,

		CreateKey: keyHandler.Create,
		ListKeys:  keyHandler.List,
		RevokeKey: keyHandler.Revoke,

		GetQuota: quotaHandler.GetQuota,

		ListModels: modelHandler.ListModels,

		AuthMiddleware: auth.Middleware(authSvc),
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		Provider:    provider,
		Settings:    settingsRepo,
		Credits:     creditSvc,
	}
	return testEnv
}

func getMigrationsPath() string {
	paths := []string{"../../migrations", "../../../migrations"}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func RegisterUser(t *testing.T, env *TestEnv, email, password string) string {
	t.Helper()
	body := map[string]string{"email": email, "password": password}
	resp := DoRequest(t, env, "POST", "/api/v1/auth/register", body, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	return data["access_token"].(string)
}

// UserIDByEmail resolves the registered user's id straight from the database.
func UserIDByEmail(t *testing.T, env *TestEnv, email string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := env.Pool.QueryRow(context.Background(),
		`SELECT id FROM profiles WHERE email = $1`, email).Scan(&id)
	if err != nil {
		t.Fatalf("looking up user id for %s: %v", email, err)
	}
	return id
}

// SetCredits forces the user's pools to a known state.
func SetCredits(t *testing.T, env *TestEnv, userID uuid.UUID, daily, balance int64) {
	t.Helper()
	_, err := env.Pool.Exec(context.Background(),
		`UPDATE user_credits SET daily_credits = $2, balance = $3, updated_at = NOW()
		 WHERE user_id = $1`, userID, daily, balance)
	if err != nil {
		t.Fatalf("setting credits: %v", err)
	}
}

// GetCredits reads the user's pools back.
func GetCredits(t *testing.T, env *TestEnv, userID uuid.UUID) (daily, balance int64) {
	t.Helper()
	err := env.Pool.QueryRow(context.Background(),
		`SELECT daily_credits, balance FROM user_credits WHERE user_id = $1`, userID,
	).Scan(&daily, &balance)
	if err != nil {
		t.Fatalf("reading credits: %v", err)
	}
	return daily, balance
}

// SeedModel inserts an ai_models row and returns its id.
func SeedModel(t *testing.T, env *TestEnv, m *aimodels.Model) uuid.UUID {
	t.Helper()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = aimodels.StatusActive
	}
	_, err := env.Pool.Exec(context.Background(),
		`INSERT INTO ai_models (id, name, status, credits_cost, is_soft_disabled,
		                        soft_disabled_message, cooldown_until, fallback_model_id, provider_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.Name, m.Status, m.CreditsCost, m.IsSoftDisabled,
		m.SoftDisabledMessage, m.CooldownUntil, m.FallbackModelID, m.ProviderID)
	if err != nil {
		t.Fatalf("seeding model %s: %v", m.Name, err)
	}
	return m.ID
}

func CreateAPIKey(t *testing.T, env *TestEnv, token, name string) string {
	t.Helper()
	resp := DoRequest(t, env, "POST", "/api/v1/keys/", map[string]string{"name": name}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("creating api key: status %d", resp.StatusCode)
	}
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	return data["secret"].(string)
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

// DoKeyRequest sends a request authenticated with an API key instead of a
// session token.
func DoKeyRequest(t *testing.T, env *TestEnv, method, path string, body any, apiKey string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}
