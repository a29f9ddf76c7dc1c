// Package accounts owns the provider credential pool: persisted account
// records, secret handling, and selection of usable accounts for relaying.
package accounts

import (
	"encoding/json"
	"strconv"
	"time"

	"relay_gateway/internal/upstream"
)

// AuthType selects which authentication header an outbound call carries.
type AuthType string

const (
	AuthTypeBearer AuthType = "Bearer"
	AuthTypeAPIKey AuthType = "x-api-key"
)

// Status is the operational state of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Defaults applied on account creation.
const (
	DefaultBaseURL     = "https://api.openai.com"
	DefaultRequestPath = "/v1/responses"
	DefaultPriority    = 50
	DefaultDailyLimit  = 50
	DefaultName        = "Relay Account"
)

// MaskedSecret replaces the stored secret in listings.
const MaskedSecret = "***masked***"

// Account is a stored provider credential profile with routing metadata.
// APIKey holds the decrypted secret only on paths that call the provider;
// listings carry MaskedSecret instead.
type Account struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	BaseURL         string                `json:"baseUrl"`
	RequestPath     string                `json:"requestPath"`
	AuthType        AuthType              `json:"authType"`
	APIKey          string                `json:"apiKey"`
	Headers         map[string]string     `json:"headers"`
	Proxy           *upstream.ProxyConfig `json:"proxy,omitempty"`
	Active          bool                  `json:"isActive"`
	Priority        int                   `json:"priority"`
	SupportedModels []string              `json:"supportedModels"`
	Status          Status                `json:"status"`
	DailyCostLimit  float64               `json:"dailyCostLimit"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	LastUsedAt      *time.Time            `json:"lastUsedAt,omitempty"`
}

// URL returns the account's full completion endpoint.
func (a *Account) URL() string {
	return a.BaseURL + a.RequestPath
}

// IsModelSupported reports whether the account may serve the given model.
// An empty supported-model set allows all models.
func (a *Account) IsModelSupported(model string) bool {
	if len(a.SupportedModels) == 0 {
		return true
	}
	for _, m := range a.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

const (
	accountKeyPrefix = "relay:account:"
	accountIndexKey  = "relay:accounts"
)

func accountKey(id string) string {
	return accountKeyPrefix + id
}

// fields encodes the account into a flat redis hash representation.
// Composite values are JSON-encoded, timestamps are RFC3339, and the
// never-used lastUsedAt is the empty string.
func (a *Account) fields() map[string]interface{} {
	headers, _ := json.Marshal(a.Headers)
	models, _ := json.Marshal(a.SupportedModels)

	proxyValue := ""
	if a.Proxy != nil {
		if b, err := json.Marshal(a.Proxy); err == nil {
			proxyValue = string(b)
		}
	}

	lastUsed := ""
	if a.LastUsedAt != nil {
		lastUsed = a.LastUsedAt.UTC().Format(time.RFC3339Nano)
	}

	return map[string]interface{}{
		"id":              a.ID,
		"name":            a.Name,
		"description":     a.Description,
		"baseUrl":         a.BaseURL,
		"requestPath":     a.RequestPath,
		"authType":        string(a.AuthType),
		"apiKey":          a.APIKey,
		"headers":         string(headers),
		"proxy":           proxyValue,
		"isActive":        strconv.FormatBool(a.Active),
		"priority":        strconv.Itoa(a.Priority),
		"supportedModels": string(models),
		"status":          string(a.Status),
		"dailyCostLimit":  strconv.FormatFloat(a.DailyCostLimit, 'f', -1, 64),
		"createdAt":       a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":       a.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"lastUsedAt":      lastUsed,
	}
}

// accountFromFields decodes a redis hash into an Account. Decoding is
// lenient: malformed composite fields fall back to their zero shapes so a
// single corrupt field does not make the whole record unreadable.
func accountFromFields(id string, f map[string]string) *Account {
	a := &Account{
		ID:          id,
		Name:        f["name"],
		Description: f["description"],
		BaseURL:     f["baseUrl"],
		RequestPath: f["requestPath"],
		AuthType:    AuthType(f["authType"]),
		APIKey:      f["apiKey"],
		Active:      f["isActive"] == "true",
		Status:      Status(f["status"]),
		Headers:     map[string]string{},
	}

	if v := f["headers"]; v != "" {
		_ = json.Unmarshal([]byte(v), &a.Headers)
	}
	if v := f["proxy"]; v != "" && v != "null" {
		var p upstream.ProxyConfig
		if err := json.Unmarshal([]byte(v), &p); err == nil && p.Host != "" {
			a.Proxy = &p
		}
	}
	if v := f["supportedModels"]; v != "" {
		_ = json.Unmarshal([]byte(v), &a.SupportedModels)
	}
	if v, err := strconv.Atoi(f["priority"]); err == nil {
		a.Priority = v
	}
	if v, err := strconv.ParseFloat(f["dailyCostLimit"], 64); err == nil {
		a.DailyCostLimit = v
	}
	if t, err := time.Parse(time.RFC3339Nano, f["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, f["updatedAt"]); err == nil {
		a.UpdatedAt = t
	}
	if v := f["lastUsedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			a.LastUsedAt = &t
		}
	}

	return a
}
