package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// Core is the registration core as driven by the host shell.
type Core interface {
	LaunchWithOptions(info push.LaunchInfo)
	BeginRegistration() bool
	RegisterDeviceToken(token []byte)
	RegisterDeviceTokenFailed(code int, domain, message string)
	OnApplicationTokenIssued(token *string)
	ReceiveRemoteNotification(ctx context.Context, payload map[string]any, state push.AppState, done func(push.FetchResult))
	WillPresentNotification(ctx context.Context, payload map[string]any, done func(push.PresentationOptions))
	DidReceiveNotificationResponse(ctx context.Context, payload map[string]any, actionID string, done func())
	Snapshot() push.Snapshot
}

// HostResolver completes requests the core sent out to the host.
type HostResolver interface {
	ResolveAuthorization(granted bool, err error) bool
	ResolveTokenDeletion(err error) bool
}

// BridgeAPI is the inbound half of the host bridge: the OS and messaging SDK
// callbacks the native shell forwards to the core.
type BridgeAPI struct {
	Core   Core
	Host   HostResolver
	Logger *slog.Logger
}

func NewBridgeAPI(core Core, host HostResolver, logger *slog.Logger) *BridgeAPI {
	return &BridgeAPI{
		Core:   core,
		Host:   host,
		Logger: logger,
	}
}

// --- OS lifecycle ---

func (api *BridgeAPI) Launch(w http.ResponseWriter, r *http.Request) {
	var info push.LaunchInfo
	// An empty body is a plain launch.
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil && !errors.Is(err, io.EOF) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	api.Core.LaunchWithOptions(info)
	w.WriteHeader(http.StatusNoContent)
}

func (api *BridgeAPI) Register(w http.ResponseWriter, r *http.Request) {
	issued := api.Core.BeginRegistration()
	writeJSON(w, http.StatusOK, map[string]bool{"issued": issued})
}

type DeviceTokenRequest struct {
	Token string `json:"token"`
}

func (api *BridgeAPI) DeviceToken(w http.ResponseWriter, r *http.Request) {
	var req DeviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	tok, err := push.ParseTransportToken(req.Token)
	if err != nil {
		api.Logger.Warn("DeviceToken: rejected token", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "token must be non-empty hex")
		return
	}

	api.Core.RegisterDeviceToken(tok)
	w.WriteHeader(http.StatusNoContent)
}

type DeviceTokenFailedRequest struct {
	Code    int    `json:"code"`
	Domain  string `json:"domain"`
	Message string `json:"message"`
}

func (api *BridgeAPI) DeviceTokenFailed(w http.ResponseWriter, r *http.Request) {
	var req DeviceTokenFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	api.Core.RegisterDeviceTokenFailed(req.Code, req.Domain, req.Message)
	w.WriteHeader(http.StatusNoContent)
}

type AuthorizationResult struct {
	Granted bool   `json:"granted"`
	Error   string `json:"error,omitempty"`
}

func (api *BridgeAPI) Authorization(w http.ResponseWriter, r *http.Request) {
	var req AuthorizationResult
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !api.Host.ResolveAuthorization(req.Granted, asError(req.Error)) {
		response.WriteJSONError(w, http.StatusConflict, "no authorization request pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Delivery ---

type RemoteNotificationRequest struct {
	Payload  map[string]any `json:"payload"`
	AppState push.AppState  `json:"app_state"`
}

func (api *BridgeAPI) RemoteNotification(w http.ResponseWriter, r *http.Request) {
	var req RemoteNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	result := make(chan push.FetchResult, 1)
	api.Core.ReceiveRemoteNotification(r.Context(), req.Payload, req.AppState, func(res push.FetchResult) {
		result <- res
	})
	writeJSON(w, http.StatusOK, map[string]string{"fetch_result": (<-result).String()})
}

type WillPresentRequest struct {
	Payload map[string]any `json:"payload"`
}

func (api *BridgeAPI) WillPresent(w http.ResponseWriter, r *http.Request) {
	var req WillPresentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	result := make(chan push.PresentationOptions, 1)
	api.Core.WillPresentNotification(r.Context(), req.Payload, func(p push.PresentationOptions) {
		result <- p
	})
	names := (<-result).Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"presentation": names})
}

type ResponseRequest struct {
	Payload  map[string]any `json:"payload"`
	ActionID string         `json:"action_id"`
}

func (api *BridgeAPI) Response(w http.ResponseWriter, r *http.Request) {
	var req ResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	done := make(chan struct{}, 1)
	api.Core.DidReceiveNotificationResponse(r.Context(), req.Payload, req.ActionID, func() {
		done <- struct{}{}
	})
	<-done
	w.WriteHeader(http.StatusNoContent)
}

// --- Messaging SDK ---

type ApplicationTokenRequest struct {
	// Token is null when the messaging layer has no token.
	Token *string `json:"token"`
}

func (api *BridgeAPI) ApplicationToken(w http.ResponseWriter, r *http.Request) {
	var req ApplicationTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	api.Core.OnApplicationTokenIssued(req.Token)
	w.WriteHeader(http.StatusNoContent)
}

type TokenDeletedRequest struct {
	Error string `json:"error,omitempty"`
}

func (api *BridgeAPI) TokenDeleted(w http.ResponseWriter, r *http.Request) {
	var req TokenDeletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !api.Host.ResolveTokenDeletion(asError(req.Error)) {
		response.WriteJSONError(w, http.StatusConflict, "no token deletion pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Introspection ---

func (api *BridgeAPI) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.Core.Snapshot())
}

func asError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
