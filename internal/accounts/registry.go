package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"relay_gateway/internal/storage"
	"relay_gateway/internal/upstream"
	"relay_gateway/internal/utils"
)

// ErrAccountNotFound indicates an update against a missing account id.
var ErrAccountNotFound = errors.New("account not found")

// RegistryConfig holds registry settings
type RegistryConfig struct {
	// TestTimeout bounds one connectivity probe. Defaults to 10s.
	TestTimeout time.Duration
}

// Registry provides durable CRUD over account records. Secrets pass through
// the vault on the way in and out; the registry is the only component that
// touches their encrypted form.
type Registry struct {
	rdb         *redis.Client
	vault       *storage.Vault
	logger      *utils.Logger
	testTimeout time.Duration
	now         func() time.Time
	newClient   func(*upstream.ProxyConfig, upstream.ClientOptions) (*http.Client, error)
}

// NewRegistry creates an account registry backed by redis
func NewRegistry(rdb *redis.Client, vault *storage.Vault, cfg RegistryConfig) *Registry {
	timeout := cfg.TestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		rdb:         rdb,
		vault:       vault,
		logger:      utils.NewLogger("accounts"),
		testTimeout: timeout,
		now:         time.Now,
		newClient:   upstream.NewClient,
	}
}

// CreateParams are the caller-supplied fields for a new account. Zero values
// fall back to the package defaults.
type CreateParams struct {
	Name            string
	Description     string
	BaseURL         string
	RequestPath     string
	AuthType        AuthType
	APIKey          string
	Headers         map[string]string
	Proxy           *upstream.ProxyConfig
	SupportedModels []string
	Priority        *int
	DailyCostLimit  *float64
}

// Create stores a new account, encrypting the secret at rest. The returned
// record carries the plaintext secret the caller supplied.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Account, error) {
	encrypted, err := r.vault.Encrypt(params.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt account secret: %w", err)
	}

	now := r.now().UTC()
	acct := &Account{
		ID:              uuid.NewString(),
		Name:            params.Name,
		Description:     params.Description,
		BaseURL:         params.BaseURL,
		RequestPath:     params.RequestPath,
		AuthType:        params.AuthType,
		APIKey:          encrypted,
		Headers:         params.Headers,
		Proxy:           params.Proxy,
		Active:          true,
		Priority:        DefaultPriority,
		SupportedModels: params.SupportedModels,
		Status:          StatusActive,
		DailyCostLimit:  DefaultDailyLimit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if acct.Name == "" {
		acct.Name = DefaultName
	}
	if acct.BaseURL == "" {
		acct.BaseURL = DefaultBaseURL
	}
	if acct.RequestPath == "" {
		acct.RequestPath = DefaultRequestPath
	}
	if acct.AuthType == "" {
		acct.AuthType = AuthTypeBearer
	}
	if acct.Headers == nil {
		acct.Headers = map[string]string{}
	}
	if params.Priority != nil {
		acct.Priority = *params.Priority
	}
	if params.DailyCostLimit != nil {
		acct.DailyCostLimit = *params.DailyCostLimit
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, accountKey(acct.ID), acct.fields())
	pipe.SAdd(ctx, accountIndexKey, acct.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	r.logger.Info("Created relay account", "id", acct.ID, "name", acct.Name)

	created := *acct
	created.APIKey = params.APIKey
	return &created, nil
}

// List returns all accounts with the secret masked, never decrypted.
// Intended for inventory and listing surfaces.
func (r *Registry) List(ctx context.Context) ([]*Account, error) {
	ids, err := r.rdb.SMembers(ctx, accountIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list account ids: %w", err)
	}

	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		f, err := r.rdb.HGetAll(ctx, accountKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read account %s: %w", id, err)
		}
		if len(f) == 0 {
			continue
		}
		acct := accountFromFields(id, f)
		if acct.APIKey != "" {
			acct.APIKey = MaskedSecret
		}
		out = append(out, acct)
	}
	return out, nil
}

// Get returns one account with its secret decrypted, for components that
// must actually call the provider. A missing id yields (nil, nil).
func (r *Registry) Get(ctx context.Context, id string) (*Account, error) {
	f, err := r.rdb.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", id, err)
	}
	if len(f) == 0 {
		return nil, nil
	}

	acct := accountFromFields(id, f)
	plaintext, err := r.vault.Decrypt(acct.APIKey)
	if err != nil {
		return nil, fmt.Errorf("account %s secret: %w", id, err)
	}
	acct.APIKey = plaintext
	return acct, nil
}

// UpdateParams carries a partial update; nil fields are left untouched.
type UpdateParams struct {
	Name            *string
	Description     *string
	BaseURL         *string
	RequestPath     *string
	AuthType        *AuthType
	APIKey          *string
	Headers         map[string]string
	Proxy           *upstream.ProxyConfig
	Active          *bool
	Priority        *int
	SupportedModels []string
	Status          *Status
	DailyCostLimit  *float64
	LastUsedAt      *time.Time
}

// Update merges the supplied fields into an existing account, re-encrypting
// the secret when present, and returns the refreshed record (decrypted).
func (r *Registry) Update(ctx context.Context, id string, params UpdateParams) (*Account, error) {
	exists, err := r.rdb.Exists(ctx, accountKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", id, err)
	}
	if exists == 0 {
		return nil, ErrAccountNotFound
	}

	updates := map[string]interface{}{
		"updatedAt": r.now().UTC().Format(time.RFC3339Nano),
	}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.Description != nil {
		updates["description"] = *params.Description
	}
	if params.BaseURL != nil {
		updates["baseUrl"] = *params.BaseURL
	}
	if params.RequestPath != nil {
		updates["requestPath"] = *params.RequestPath
	}
	if params.AuthType != nil {
		updates["authType"] = string(*params.AuthType)
	}
	if params.APIKey != nil {
		encrypted, err := r.vault.Encrypt(*params.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt account secret: %w", err)
		}
		updates["apiKey"] = encrypted
	}
	if params.Headers != nil {
		b, _ := json.Marshal(params.Headers)
		updates["headers"] = string(b)
	}
	if params.Proxy != nil {
		b, _ := json.Marshal(params.Proxy)
		updates["proxy"] = string(b)
	}
	if params.Active != nil {
		updates["isActive"] = strconv.FormatBool(*params.Active)
	}
	if params.Priority != nil {
		updates["priority"] = strconv.Itoa(*params.Priority)
	}
	if params.SupportedModels != nil {
		b, _ := json.Marshal(params.SupportedModels)
		updates["supportedModels"] = string(b)
	}
	if params.Status != nil {
		updates["status"] = string(*params.Status)
	}
	if params.DailyCostLimit != nil {
		updates["dailyCostLimit"] = strconv.FormatFloat(*params.DailyCostLimit, 'f', -1, 64)
	}
	if params.LastUsedAt != nil {
		updates["lastUsedAt"] = params.LastUsedAt.UTC().Format(time.RFC3339Nano)
	}

	if err := r.rdb.HSet(ctx, accountKey(id), updates).Err(); err != nil {
		return nil, fmt.Errorf("failed to update account %s: %w", id, err)
	}

	r.logger.Info("Updated relay account", "id", id)
	return r.Get(ctx, id)
}

// Delete removes the record and reports whether anything was deleted.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := r.rdb.Del(ctx, accountKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	if err := r.rdb.SRem(ctx, accountIndexKey, id).Err(); err != nil {
		return deleted > 0, fmt.Errorf("failed to deindex account %s: %w", id, err)
	}
	if deleted > 0 {
		r.logger.Info("Deleted relay account", "id", id)
	}
	return deleted > 0, nil
}

// TouchLastUsed stamps the account's last-used time. Best effort: failures
// are logged and swallowed so they never block a relay response.
func (r *Registry) TouchLastUsed(ctx context.Context, id string) {
	stamp := r.now().UTC().Format(time.RFC3339Nano)
	if err := r.rdb.HSet(ctx, accountKey(id), "lastUsedAt", stamp).Err(); err != nil {
		r.logger.Error("Failed to update last used time", "id", id, "error", err)
	}
}

// TestResult is the outcome of one connectivity probe.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status,omitempty"`
	Message    string `json:"message"`
}

// TestConnectivity issues one minimal real request to the provider using the
// stored credential, then records the outcome on the account's status. It
// never returns an error; network failures become an unsuccessful result.
func (r *Registry) TestConnectivity(ctx context.Context, id string) TestResult {
	acct, err := r.Get(ctx, id)
	if err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	if acct == nil {
		return TestResult{Success: false, Message: "account not found"}
	}

	client, err := r.newClient(acct.Proxy, upstream.ClientOptions{Timeout: r.testTimeout})
	if err != nil {
		r.markTestOutcome(ctx, id, false)
		return TestResult{Success: false, Message: err.Error()}
	}

	payload := []byte(`{"model":"gpt-4o","input":"test","max_output_tokens":16,"stream":false}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.URL(), bytes.NewReader(payload))
	if err != nil {
		r.markTestOutcome(ctx, id, false)
		return TestResult{Success: false, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range acct.Headers {
		req.Header.Set(k, v)
	}
	switch acct.AuthType {
	case AuthTypeAPIKey:
		req.Header.Set("x-api-key", acct.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+acct.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		r.logger.Error("Connectivity test failed", "id", id, "error", err)
		r.markTestOutcome(ctx, id, false)
		return TestResult{Success: false, Message: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	success := resp.StatusCode < 400
	r.markTestOutcome(ctx, id, success)

	message := "Connection successful"
	if !success {
		message = fmt.Sprintf("Error: %d", resp.StatusCode)
	}
	return TestResult{Success: success, StatusCode: resp.StatusCode, Message: message}
}

func (r *Registry) markTestOutcome(ctx context.Context, id string, success bool) {
	status := StatusError
	params := UpdateParams{Status: &status}
	if success {
		status = StatusActive
		now := r.now().UTC()
		params.LastUsedAt = &now
	}
	if _, err := r.Update(ctx, id, params); err != nil {
		r.logger.Error("Failed to record connectivity outcome", "id", id, "error", err)
	}
}
