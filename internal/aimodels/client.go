package aimodels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pixelforge-ai/pixelforge/internal/auth"
	"github.com/pixelforge-ai/pixelforge/internal/config"
)

// GenErrorKind is the closed set of generation failure classes. Everything
// the upstream provider can do wrong collapses into one of these; the HTTP
// layer maps kinds to client-facing statuses in exactly one place.
type GenErrorKind string

const (
	GenUnreachable           GenErrorKind = "unreachable"
	GenProviderAuth          GenErrorKind = "provider_auth"
	GenProviderRateLimited   GenErrorKind = "provider_rate_limited"
	GenProviderQuotaExceeded GenErrorKind = "provider_quota_exceeded"
	GenProviderServerError   GenErrorKind = "provider_server_error"
	GenProviderGeneric       GenErrorKind = "provider_generic"
	GenEmptyResult           GenErrorKind = "empty_result"
)

// GenError is a classified provider failure. ProviderStatus is the upstream
// HTTP status when one was received, zero for transport failures.
type GenError struct {
	Kind           GenErrorKind
	ProviderStatus int
	Message        string
}

func (e *GenError) Error() string {
	if e.ProviderStatus > 0 {
		return fmt.Sprintf("generation failed (%s, provider status %d): %s", e.Kind, e.ProviderStatus, e.Message)
	}
	return fmt.Sprintf("generation failed (%s): %s", e.Kind, e.Message)
}

// ClientStatus maps the failure class to the status returned to our caller.
func (e *GenError) ClientStatus() int {
	switch e.Kind {
	case GenProviderQuotaExceeded:
		return http.StatusServiceUnavailable
	case GenProviderRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// GenerateParams are the caller-supplied generation knobs, already validated
// by the HTTP layer.
type GenerateParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	Seed           *int64
	NumImages      int
}

type GeneratedImage struct {
	URL  string `json:"url"`
	Seed int64  `json:"seed,omitempty"`
}

// GenerateResult is a successful provider response. ElapsedMS covers the
// full round trip and is persisted on the image record.
type GenerateResult struct {
	Images         []GeneratedImage
	ProviderStatus int
	ElapsedMS      int64
}

// Client invokes the upstream generation backend. Models with a provider row
// use that row's endpoint and credential (decrypted per call); the implicit
// default model uses the endpoint configured in the environment.
type Client struct {
	httpClient      *http.Client
	defaultEndpoint string
	defaultAPIKey   string
	encryptor       *auth.Encryptor
	repo            Repository
	logger          *slog.Logger
}

func NewClient(cfg config.ProviderConfig, encryptor *auth.Encryptor, repo Repository, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:      &http.Client{Timeout: timeout},
		defaultEndpoint: strings.TrimRight(cfg.Endpoint, "/"),
		defaultAPIKey:   cfg.APIKey,
		encryptor:       encryptor,
		repo:            repo,
		logger:          logger,
	}
}

type generateRequest struct {
	Model          string  `json:"model,omitempty"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Seed           *int64  `json:"seed,omitempty"`
	NumImages      int     `json:"num_images"`
}

type generateResponse struct {
	Images []GeneratedImage `json:"images"`
}

// Generate calls the provider once. There is no retry: every outcome is
// reported back so the recorder can account for it.
func (c *Client) Generate(ctx context.Context, model *Model, params GenerateParams) (*GenerateResult, error) {
	endpoint, apiKey, err := c.resolveBackend(ctx, model)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{
		Model:          model.Name,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Width:          params.Width,
		Height:         params.Height,
		Steps:          params.Steps,
		CFGScale:       params.CFGScale,
		Seed:           params.Seed,
		NumImages:      params.NumImages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.logger.Warn("provider unreachable", "model", model.Name, "elapsed_ms", elapsed, "error", err)
		return nil, &GenError{Kind: GenUnreachable, Message: err.Error()}
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GenError{Kind: GenUnreachable, Message: fmt.Sprintf("reading provider response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		genErr := classifyStatus(resp.StatusCode, rawBody)
		c.logger.Warn("provider returned error",
			"model", model.Name, "status", resp.StatusCode, "kind", genErr.Kind, "elapsed_ms", elapsed)
		return nil, genErr
	}

	var decoded generateResponse
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return nil, &GenError{
			Kind:           GenProviderGeneric,
			ProviderStatus: resp.StatusCode,
			Message:        fmt.Sprintf("decoding provider response: %v", err),
		}
	}
	if len(decoded.Images) == 0 {
		return nil, &GenError{
			Kind:           GenEmptyResult,
			ProviderStatus: resp.StatusCode,
			Message:        "provider returned success with no images",
		}
	}

	return &GenerateResult{
		Images:         decoded.Images,
		ProviderStatus: resp.StatusCode,
		ElapsedMS:      elapsed,
	}, nil
}

// resolveBackend picks the endpoint and credential for the resolved model.
func (c *Client) resolveBackend(ctx context.Context, model *Model) (endpoint, apiKey string, err error) {
	if model.ProviderID == nil {
		return c.defaultEndpoint, c.defaultAPIKey, nil
	}

	provider, err := c.repo.GetProvider(ctx, *model.ProviderID)
	if err != nil {
		return "", "", err
	}
	if provider == nil {
		return "", "", ErrProviderNotFound
	}

	key := ""
	if provider.EncryptedAPIKey != "" {
		key, err = c.encryptor.Decrypt(provider.EncryptedAPIKey)
		if err != nil {
			return "", "", fmt.Errorf("decrypting provider credential: %w", err)
		}
	}
	return strings.TrimRight(provider.Endpoint, "/"), key, nil
}

// classifyStatus maps an upstream status to a GenError kind. 403 is an auth
// failure unless the body says quota, which some backends use for exhausted
// plans.
func classifyStatus(status int, body []byte) *GenError {
	msg := truncate(string(body), 500)

	var kind GenErrorKind
	switch {
	case status == http.StatusPaymentRequired:
		kind = GenProviderQuotaExceeded
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(msg), "quota"):
		kind = GenProviderQuotaExceeded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = GenProviderAuth
	case status == http.StatusTooManyRequests:
		kind = GenProviderRateLimited
	case status >= 500:
		kind = GenProviderServerError
	default:
		kind = GenProviderGeneric
	}
	return &GenError{Kind: kind, ProviderStatus: status, Message: msg}
}

// truncate bounds the provider body for persistence. Bodies are arbitrary
// bytes and the error_message columns reject invalid UTF-8, so the text is
// sanitized and never cut mid-rune.
func truncate(s string, limit int) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "")
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
