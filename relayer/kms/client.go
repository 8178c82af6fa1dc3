// Package kms signs relayer transactions through an external key management
// service reached over HTTP, guarded by a circuit breaker so a struggling KMS
// cannot pile up latency on every sponsor request.
package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"onsocial-core/observability"
	"onsocial-core/relayer/breaker"
)

// MaxRetries bounds the number of attempts (including the first) the
// management-ops path (create_key, get_public_key) makes against a
// transient failure before giving up. Overridable via Config.MaxRetries.
const MaxRetries = 3

// Signer is the capability the relayer needs from a key management backend:
// sign a transaction digest under a named key.
type Signer interface {
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
}

// Config configures a Client.
type Config struct {
	BaseURL          string
	AuthToken        string
	Timeout          time.Duration
	SignPath         string
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// CreateKeyPath and PublicKeyPath are the management-ops endpoints used
	// to provision and inspect keys ahead of signing. Zero values default to
	// "/keys" and "/keys/{key_id}/public".
	CreateKeyPath string
	PublicKeyPath string
	// ManagementBreakerThreshold and ManagementBreakerTimeout size a breaker
	// independent of the signing path's, since a struggling management API
	// should not stop in-flight signing, and vice versa.
	ManagementBreakerThreshold int
	ManagementBreakerTimeout   time.Duration
	// MaxRetries bounds management-ops retry attempts. Zero defaults to
	// MaxRetries (3).
	MaxRetries int
}

// Client signs digests and manages key lifecycle by calling a remote KMS's
// HTTP API, tripping one of two independent circuit breakers after repeated
// failures: one for the hot signing path, one for the colder create_key and
// get_public_key management calls, so a struggling management API cannot
// stall signing and vice versa.
type Client struct {
	http          *http.Client
	baseURL       string
	authToken     string
	signPath      string
	createKeyPath string
	publicKeyPath string
	maxRetries    int

	breaker           *breaker.Breaker
	managementBreaker *breaker.Breaker
	metrics           *observability.KMSMetrics
	breakers          *observability.CircuitBreakerMetrics
}

// New builds a Client from cfg. A zero Timeout defaults to 5s; a zero
// SignPath defaults to "/sign".
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("kms: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	signPath := cfg.SignPath
	if signPath == "" {
		signPath = "/sign"
	}
	createKeyPath := cfg.CreateKeyPath
	if createKeyPath == "" {
		createKeyPath = "/keys"
	}
	publicKeyPath := cfg.PublicKeyPath
	if publicKeyPath == "" {
		publicKeyPath = "/keys/%s/public"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	metricsSink := observability.KMS()
	breakerSink := observability.Breaker()
	c := &Client{
		http:          &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		authToken:     cfg.AuthToken,
		signPath:      signPath,
		createKeyPath: createKeyPath,
		publicKeyPath: publicKeyPath,
		maxRetries:    maxRetries,
		metrics:       metricsSink,
		breakers:      breakerSink,
	}
	c.breaker = breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout, nil, func(s breaker.State) {
		breakerSink.SetState("kms", int(s))
		if s == breaker.Open {
			breakerSink.RecordTrip("kms")
		}
	})
	c.managementBreaker = breaker.New(cfg.ManagementBreakerThreshold, cfg.ManagementBreakerTimeout, nil, func(s breaker.State) {
		breakerSink.SetState("kms_management", int(s))
		if s == breaker.Open {
			breakerSink.RecordTrip("kms_management")
		}
	})
	return c, nil
}

type signRequest struct {
	KeyID  string `json:"key_id"`
	Digest string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// Sign asks the remote KMS to sign digest under keyID. If the breaker is
// open, Sign fails fast with breaker.ErrOpen without making an HTTP call.
func (c *Client) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("kms: sign %s: %w", keyID, err)
	}

	start := time.Now()
	sig, err := c.doSign(ctx, keyID, digest)
	c.metrics.Observe("sign", time.Since(start), err)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return sig, nil
}

func (c *Client) doSign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	payload := signRequest{KeyID: keyID, Digest: base64.StdEncoding.EncodeToString(digest)}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: encode sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.signPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kms: sign request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kms: sign failed: status=%d", resp.StatusCode)
	}
	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("kms: decode response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(decoded.Signature)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid signature encoding: %w", err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("kms: empty signature")
	}
	return sig, nil
}

type createKeyRequest struct {
	KeyID string `json:"key_id"`
}

type createKeyResponse struct {
	PublicKey string `json:"public_key"`
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// ErrKeyDenied reports a 403 from the management API: the caller is not
// permitted to create this key, and retrying will not change that.
var ErrKeyDenied = fmt.Errorf("kms: create_key denied")

// CreateKey asks the KMS to provision keyID, returning its public key. A 409
// response means the key already exists under this id and is treated as
// success rather than an error, since re-provisioning after a retried call
// must be idempotent. A 403 is a permanent failure and is never retried.
func (c *Client) CreateKey(ctx context.Context, keyID string) (string, error) {
	return c.managementCall(ctx, "create_key", func() (string, int, error) {
		pub, status, err := c.doCreateKey(ctx, keyID)
		if status == http.StatusConflict {
			existing, _, getErr := c.doGetPublicKey(ctx, keyID)
			if getErr == nil {
				return existing, status, nil
			}
		}
		return pub, status, err
	})
}

// GetPublicKey fetches the current public key registered for keyID.
func (c *Client) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	return c.managementCall(ctx, "get_public_key", func() (string, int, error) {
		return c.doGetPublicKey(ctx, keyID)
	})
}

// managementCall runs a management-ops request behind the management
// breaker with exponential-backoff-with-jitter retries, up to maxRetries
// attempts. attempt returns the decoded value, the HTTP status code (0 if
// the request never reached the server), and an error.
func (c *Client) managementCall(ctx context.Context, op string, attempt func() (string, int, error)) (string, error) {
	if err := c.managementBreaker.Allow(); err != nil {
		return "", fmt.Errorf("kms: %s: %w", op, err)
	}

	start := time.Now()
	var (
		result string
		status int
		err    error
	)
	for try := 0; try < c.maxRetries; try++ {
		result, status, err = attempt()
		if err == nil {
			break
		}
		if status == http.StatusConflict && op == "create_key" {
			err = nil
			break
		}
		if status == http.StatusForbidden {
			err = fmt.Errorf("%w: %s", ErrKeyDenied, err)
			break
		}
		if !retryableStatus(status) || try == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			try = c.maxRetries
		case <-time.After(backoff(try)):
		}
	}
	c.metrics.Observe(op, time.Since(start), err)
	if err != nil {
		if status != http.StatusForbidden {
			c.managementBreaker.Failure()
		}
		return "", err
	}
	c.managementBreaker.Success()
	return result, nil
}

// retryableStatus reports whether a management-ops failure is transient and
// worth retrying: a failed connection (status 0), request timeouts and rate
// limiting, and the 5xx range.
func retryableStatus(status int) bool {
	switch status {
	case 0, http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// backoff returns an exponential delay with full jitter for retry attempt n
// (0-indexed), based on a 100ms unit.
func backoff(n int) time.Duration {
	base := 100 * time.Millisecond
	max := base << n
	return time.Duration(rand.Int63n(int64(max)))
}

func (c *Client) doCreateKey(ctx context.Context, keyID string) (string, int, error) {
	payload := createKeyRequest{KeyID: keyID}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("kms: encode create_key request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.createKeyPath, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("kms: build create_key request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("kms: create_key request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("kms: create_key failed: status=%d", resp.StatusCode)
	}
	var decoded createKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", resp.StatusCode, fmt.Errorf("kms: decode create_key response: %w", err)
	}
	return decoded.PublicKey, resp.StatusCode, nil
}

func (c *Client) doGetPublicKey(ctx context.Context, keyID string) (string, int, error) {
	path := c.publicKeyPath
	if strings.Contains(path, "%s") {
		path = fmt.Sprintf(path, keyID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", 0, fmt.Errorf("kms: build get_public_key request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("kms: get_public_key request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("kms: get_public_key failed: status=%d", resp.StatusCode)
	}
	var decoded publicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", resp.StatusCode, fmt.Errorf("kms: decode get_public_key response: %w", err)
	}
	return decoded.PublicKey, resp.StatusCode, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

var _ Signer = (*Client)(nil)
