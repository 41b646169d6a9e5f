package readings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ManagementClient is an opaque collaborator over the management
// service's `/fledge/...` HTTP surface. Only the endpoints the
// storage/stats/queue components actually call are implemented; the
// management service itself lives outside this repository.
type ManagementClient struct {
	baseURL     string
	serviceName string
	httpClient  *http.Client
	logger      *slog.Logger

	// tokenMu protects the cached bearer token.
	tokenMu   sync.Mutex
	token     string
	tokenSeed []byte
	expiresAt time.Time
}

// NewManagementClient constructs a client bound to baseURL. seed is a
// shared secret used to derive/verify bearer tokens via HKDF, standing
// in for a verify_token/refresh_token round trip against the real
// management service.
func NewManagementClient(baseURL, serviceName string, seed []byte, logger *slog.Logger) *ManagementClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagementClient{
		baseURL:     baseURL,
		serviceName: serviceName,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		tokenSeed:   seed,
	}
}

// currentToken derives (or returns the cached) bearer token, refreshing
// once it has expired, under tokenMu.
func (c *ManagementClient) currentToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	tok, err := deriveToken(c.tokenSeed, c.serviceName, time.Now())
	if err != nil {
		return "", fmt.Errorf("derive bearer token: %w", err)
	}
	c.token = tok
	c.expiresAt = time.Now().Add(15 * time.Minute)
	return c.token, nil
}

// deriveToken expands the shared seed via HKDF-SHA256, keyed on the
// service name and the current 15-minute epoch, standing in for the
// management service's verify_token/refresh_token round trip.
func deriveToken(seed []byte, serviceName string, at time.Time) (string, error) {
	epoch := at.Unix() / int64((15 * time.Minute).Seconds())
	info := fmt.Sprintf("%s:%d", serviceName, epoch)
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, 20)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", err
	}
	return hex.EncodeToString(out), nil
}

// RegisterService implements `POST /fledge/service`.
func (c *ManagementClient) RegisterService(ctx context.Context, serviceType string) error {
	body := map[string]string{"name": c.serviceName, "type": serviceType}
	return c.post(ctx, "/fledge/service", body, nil)
}

// DeregisterService implements `DELETE /fledge/service/<id>`.
func (c *ManagementClient) DeregisterService(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/fledge/service/"+id, nil, nil)
}

// RegisterInterest implements `POST /fledge/interest`, subscribing to
// configuration-category change notifications ( hot reconfigure
// trigger).
func (c *ManagementClient) RegisterInterest(ctx context.Context, category string) error {
	body := map[string]string{"category": category, "service": c.serviceName}
	return c.post(ctx, "/fledge/interest", body, nil)
}

// GetCategory implements `GET /fledge/service/category/<category>`.
func (c *ManagementClient) GetCategory(ctx context.Context, category string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/fledge/service/category/"+category, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutCategory implements `PUT /fledge/service/category/<category>`.
func (c *ManagementClient) PutCategory(ctx context.Context, category string, values map[string]any) error {
	return c.do(ctx, http.MethodPut, "/fledge/service/category/"+category, values, nil)
}

// ReportAssetTrack implements `POST /fledge/track`, the deduped
// asset-tracker POST made the first time an asset is seen.
func (c *ManagementClient) ReportAssetTrack(ctx context.Context, service, plugin, asset, event string) error {
	body := map[string]string{
		"service": service, "plugin": plugin, "asset": asset, "event": event,
	}
	return c.post(ctx, "/fledge/track", body, nil)
}

// Audit implements `POST /fledge/audit`.
func (c *ManagementClient) Audit(ctx context.Context, code, level string, details map[string]any) error {
	body := map[string]any{"source": c.serviceName, "code": code, "level": level, "details": details}
	return c.post(ctx, "/fledge/audit", body, nil)
}

// EnsureStatistic implements the "create statistics row if absent" half
// of the statistics update, folded into a single idempotent PUT-like POST.
func (c *ManagementClient) EnsureStatistic(ctx context.Context, key, description string) error {
	body := map[string]string{"key": key, "description": description}
	return c.post(ctx, "/fledge/statistics", body, nil)
}

// UpdateStatistics implements the batch UPDATE half of the statistics
// update, submitting one delta per accumulated counter.
func (c *ManagementClient) UpdateStatistics(ctx context.Context, deltas map[string]int) error {
	return c.post(ctx, "/fledge/statistics/update", deltas, nil)
}

func (c *ManagementClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *ManagementClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode management request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build management request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.currentToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("management request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("management request %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode management response: %w", err)
		}
	}
	return nil
}
