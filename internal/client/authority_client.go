// Package client is the storage node's view of the authority. Every call
// is a single request/response; the node owns retry policy, which is safe
// because the authority-side handlers tolerate redelivery.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/protocol"
)

// AuthorityClient implements protocol.DatanodeProtocol over HTTP.
type AuthorityClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ protocol.DatanodeProtocol = (*AuthorityClient)(nil)

// NewAuthorityClient creates a client for the authority at addr.
func NewAuthorityClient(addr string, timeout time.Duration, logger *zap.Logger) *AuthorityClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthorityClient{
		baseURL:    "http://" + addr,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// VersionRequest fetches the authority's namespace identity.
func (c *AuthorityClient) VersionRequest(ctx context.Context) (*model.NamespaceInfo, error) {
	var ns model.NamespaceInfo
	if err := c.get(ctx, "/v1/datanode/version", &ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

// Register establishes the node's session with the authority.
func (c *AuthorityClient) Register(ctx context.Context, reg *model.DatanodeRegistration, networkLocation string) (*model.DatanodeRegistration, error) {
	req := protocol.RegisterRequest{Registration: *reg, NetworkLocation: networkLocation}
	var resp protocol.RegisterResponse
	if err := c.post(ctx, "/v1/datanode/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Registration, nil
}

// RegisterWithRetry retries registration until it succeeds, the context is
// canceled, or attempts run out.
func (c *AuthorityClient) RegisterWithRetry(ctx context.Context, reg *model.DatanodeRegistration, networkLocation string, maxRetries int, retryInterval time.Duration) (*model.DatanodeRegistration, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		out, err := c.Register(ctx, reg, networkLocation)
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("registration failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context canceled during registration: %w", ctx.Err())
			case <-time.After(retryInterval):
			}
		}
	}
	return nil, fmt.Errorf("failed to register after %d attempts: %w", maxRetries, lastErr)
}

// SendHeartbeat reports liveness and load, returning at most one command.
func (c *AuthorityClient) SendHeartbeat(ctx context.Context, reg *model.DatanodeRegistration, capacity, remaining int64, xmitsInProgress, xceiverCount int) (model.Command, error) {
	req := protocol.HeartbeatRequest{
		Registration:    *reg,
		Capacity:        capacity,
		Remaining:       remaining,
		XmitsInProgress: xmitsInProgress,
		XceiverCount:    xceiverCount,
	}
	var resp protocol.HeartbeatResponse
	if err := c.post(ctx, "/v1/datanode/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return resp.Command.Decode()
}

// BlockReport uploads the full local inventory.
func (c *AuthorityClient) BlockReport(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) (model.Command, error) {
	req := protocol.BlockReportRequest{Registration: *reg, Blocks: blocks}
	var resp protocol.BlockReportResponse
	if err := c.post(ctx, "/v1/datanode/block-report", req, &resp); err != nil {
		return nil, err
	}
	return resp.Command.Decode()
}

// BlockReceived notifies the authority of freshly landed replicas.
func (c *AuthorityClient) BlockReceived(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) error {
	req := protocol.BlockReceivedRequest{Registration: *reg, Blocks: blocks}
	return c.post(ctx, "/v1/datanode/block-received", req, nil)
}

// ErrorReport sends a one-way diagnostic.
func (c *AuthorityClient) ErrorReport(ctx context.Context, reg *model.DatanodeRegistration, code model.ErrorCode, message string) error {
	req := protocol.ErrorReportRequest{Registration: *reg, ErrorCode: code, Message: message}
	return c.post(ctx, "/v1/datanode/error-report", req, nil)
}

// ProcessUpgradeCommand forwards an opaque upgrade command.
func (c *AuthorityClient) ProcessUpgradeCommand(ctx context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error) {
	var reply model.UpgradeCommand
	if err := c.post(ctx, "/v1/datanode/upgrade", cmd, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// BlockCrcLocations resolves one block's locations out of band.
func (c *AuthorityClient) BlockCrcLocations(ctx context.Context, b model.Block) (*model.BlockCrcInfo, error) {
	req := protocol.BlockCrcLocationsRequest{Block: b}
	var info model.BlockCrcInfo
	if err := c.post(ctx, "/v1/datanode/block-crc-locations", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *AuthorityClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *AuthorityClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *AuthorityClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp protocol.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return fmt.Errorf("call %s: %s (%w)", req.URL.Path, errResp.Error, statusError(resp.StatusCode))
		}
		return fmt.Errorf("call %s: %w", req.URL.Path, statusError(resp.StatusCode))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// statusError maps HTTP statuses back onto protocol sentinel errors so
// callers can branch with errors.Is.
func statusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return protocol.ErrUnknownBlock
	case http.StatusForbidden:
		return protocol.ErrNotRegistered
	case http.StatusConflict:
		return protocol.ErrUpgradeSequence
	default:
		return fmt.Errorf("http status %d", code)
	}
}
