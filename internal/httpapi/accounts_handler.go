package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"relay_gateway/internal/accounts"
	"relay_gateway/internal/upstream"
	"relay_gateway/internal/utils"
)

// createAccountRequest is the payload for registering a relay account.
type createAccountRequest struct {
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	BaseURL         string                `json:"baseUrl"`
	RequestPath     string                `json:"requestPath"`
	AuthType        string                `json:"authType"`
	APIKey          string                `json:"apiKey"`
	Headers         map[string]string     `json:"headers"`
	Proxy           *upstream.ProxyConfig `json:"proxy"`
	Priority        *int                  `json:"priority"`
	SupportedModels []string              `json:"supportedModels"`
	DailyCostLimit  *float64              `json:"dailyCostLimit"`
}

// updateAccountRequest is a partial update; absent fields are untouched.
type updateAccountRequest struct {
	Name            *string               `json:"name"`
	Description     *string               `json:"description"`
	BaseURL         *string               `json:"baseUrl"`
	RequestPath     *string               `json:"requestPath"`
	AuthType        *string               `json:"authType"`
	APIKey          *string               `json:"apiKey"`
	Headers         map[string]string     `json:"headers"`
	Proxy           *upstream.ProxyConfig `json:"proxy"`
	IsActive        *bool                 `json:"isActive"`
	Priority        *int                  `json:"priority"`
	SupportedModels []string              `json:"supportedModels"`
	Status          *string               `json:"status"`
	DailyCostLimit  *float64              `json:"dailyCostLimit"`
}

// handleAccounts serves the account collection: GET lists, POST creates.
func (d *Dependencies) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		d.listAccounts(w, r)
	case http.MethodPost:
		d.createAccount(w, r)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAccountSubtree dispatches /admin/relay-accounts/{id}[/test|/usage]
// and /admin/relay-accounts/batch-update-status.
func (d *Dependencies) handleAccountSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/relay-accounts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "batch-update-status":
		if r.Method != http.MethodPost {
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d.batchUpdateStatus(w, r)
	case len(parts) == 1 && parts[0] != "":
		d.handleAccountByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "test":
		if r.Method != http.MethodPost {
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d.testAccount(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "usage":
		if r.Method != http.MethodGet {
			utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		d.accountUsage(w, r, parts[0])
	default:
		utils.RespondWithError(w, http.StatusNotFound, "not found")
	}
}

func (d *Dependencies) handleAccountByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		d.getAccount(w, r, id)
	case http.MethodPut:
		d.updateAccount(w, r, id)
	case http.MethodDelete:
		d.deleteAccount(w, r, id)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (d *Dependencies) listAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := d.Registry.List(r.Context())
	if err != nil {
		d.Logger.Error("Failed to list accounts", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	utils.RespondWithData(w, http.StatusOK, list)
}

func (d *Dependencies) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.APIKey == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "apiKey is required")
		return
	}
	if req.AuthType != "" && req.AuthType != string(accounts.AuthTypeBearer) && req.AuthType != string(accounts.AuthTypeAPIKey) {
		utils.RespondWithError(w, http.StatusBadRequest, "authType must be Bearer or x-api-key")
		return
	}

	acct, err := d.Registry.Create(r.Context(), accounts.CreateParams{
		Name:            req.Name,
		Description:     req.Description,
		BaseURL:         req.BaseURL,
		RequestPath:     req.RequestPath,
		AuthType:        accounts.AuthType(req.AuthType),
		APIKey:          req.APIKey,
		Headers:         req.Headers,
		Proxy:           req.Proxy,
		SupportedModels: req.SupportedModels,
		Priority:        req.Priority,
		DailyCostLimit:  req.DailyCostLimit,
	})
	if err != nil {
		d.Logger.Error("Failed to create account", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	// the plaintext secret is returned on creation only; every later read
	// masks it
	created := *acct
	created.APIKey = accounts.MaskedSecret
	utils.RespondWithData(w, http.StatusCreated, created)
}

func (d *Dependencies) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	acct, err := d.Registry.Get(r.Context(), id)
	if err != nil {
		d.Logger.Error("Failed to read account", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read account")
		return
	}
	if acct == nil {
		utils.RespondWithError(w, http.StatusNotFound, "account not found")
		return
	}
	masked := *acct
	if masked.APIKey != "" {
		masked.APIKey = accounts.MaskedSecret
	}
	utils.RespondWithData(w, http.StatusOK, masked)
}

func (d *Dependencies) updateAccount(w http.ResponseWriter, r *http.Request, id string) {
	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	params := accounts.UpdateParams{
		Name:            req.Name,
		Description:     req.Description,
		BaseURL:         req.BaseURL,
		RequestPath:     req.RequestPath,
		APIKey:          req.APIKey,
		Headers:         req.Headers,
		Proxy:           req.Proxy,
		Active:          req.IsActive,
		Priority:        req.Priority,
		SupportedModels: req.SupportedModels,
		DailyCostLimit:  req.DailyCostLimit,
	}
	if req.AuthType != nil {
		authType := accounts.AuthType(*req.AuthType)
		if authType != accounts.AuthTypeBearer && authType != accounts.AuthTypeAPIKey {
			utils.RespondWithError(w, http.StatusBadRequest, "authType must be Bearer or x-api-key")
			return
		}
		params.AuthType = &authType
	}
	if req.Status != nil {
		status := accounts.Status(*req.Status)
		if status != accounts.StatusActive && status != accounts.StatusInactive && status != accounts.StatusError {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid status")
			return
		}
		params.Status = &status
	}

	acct, err := d.Registry.Update(r.Context(), id, params)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "account not found")
			return
		}
		d.Logger.Error("Failed to update account", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to update account")
		return
	}

	masked := *acct
	if masked.APIKey != "" {
		masked.APIKey = accounts.MaskedSecret
	}
	utils.RespondWithData(w, http.StatusOK, masked)
}

func (d *Dependencies) deleteAccount(w http.ResponseWriter, r *http.Request, id string) {
	deleted, err := d.Registry.Delete(r.Context(), id)
	if err != nil {
		d.Logger.Error("Failed to delete account", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	if !deleted {
		utils.RespondWithError(w, http.StatusNotFound, "account not found")
		return
	}
	utils.RespondWithData(w, http.StatusOK, map[string]string{"id": id})
}

func (d *Dependencies) testAccount(w http.ResponseWriter, r *http.Request, id string) {
	result := d.Registry.TestConnectivity(r.Context(), id)
	code := http.StatusOK
	if !result.Success && result.Message == "account not found" {
		code = http.StatusNotFound
	}
	utils.RespondWithJSON(w, code, result)
}

func (d *Dependencies) accountUsage(w http.ResponseWriter, r *http.Request, id string) {
	day := time.Now().UTC()
	if q := r.URL.Query().Get("day"); q != "" {
		parsed, err := time.Parse("2006-01-02", q)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	usage, err := d.Meter.Usage(r.Context(), id, day)
	if err != nil {
		d.Logger.Error("Failed to read usage", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	utils.RespondWithData(w, http.StatusOK, usage)
}

// batchUpdateStatusRequest toggles many accounts at once.
type batchUpdateStatusRequest struct {
	AccountIDs []string `json:"accountIds"`
	IsActive   bool     `json:"isActive"`
}

func (d *Dependencies) batchUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req batchUpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if len(req.AccountIDs) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "accountIds is required")
		return
	}

	updated, failed := 0, 0
	for _, id := range req.AccountIDs {
		active := req.IsActive
		if _, err := d.Registry.Update(r.Context(), id, accounts.UpdateParams{Active: &active}); err != nil {
			d.Logger.Error("Failed to update account status", "id", id, "error", err)
			failed++
			continue
		}
		updated++
	}

	utils.RespondWithData(w, http.StatusOK, map[string]int{
		"updated": updated,
		"failed":  failed,
	})
}
