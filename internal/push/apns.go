// Package push sends APNs notifications for review queue activity.
package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	apnsHostProduction  = "https://api.push.apple.com"
	apnsHostDevelopment = "https://api.sandbox.push.apple.com"

	// Apple rejects provider tokens older than an hour.
	tokenLifetime = 50 * time.Minute
)

// Config holds the APNs provider credentials.
type Config struct {
	KeyFile      string   // path to the .p8 signing key
	KeyID        string
	TeamID       string
	Topic        string   // app bundle id
	DeviceTokens []string
	Production   bool
}

// Client is a token-authenticated APNs HTTP/2 sender.
type Client struct {
	cfg    Config
	key    *ecdsa.PrivateKey
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

// New loads the signing key and builds the client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: read key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("apns: key file is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("apns: parse key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns: key is not ECDSA")
	}

	return &Client{
		cfg:    cfg,
		key:    key,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}, nil
}

func (c *Client) host() string {
	if c.cfg.Production {
		return apnsHostProduction
	}
	return apnsHostDevelopment
}

// Notify delivers an alert to every registered device token. Per-device
// failures are logged; the first error is returned.
func (c *Client) Notify(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{"title": title, "body": body},
			"sound": "default",
		},
	})
	if err != nil {
		return err
	}

	token, err := c.providerToken()
	if err != nil {
		return err
	}

	var firstErr error
	for _, device := range c.cfg.DeviceTokens {
		if err := c.send(ctx, device, token, payload); err != nil {
			c.logger.Warn("apns delivery failed", "device", device[:min(8, len(device))], "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Client) send(ctx context.Context, device, token string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host()+"/3/device/"+device, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", c.cfg.Topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("apns: status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// providerToken returns a cached ES256 JWT, re-signing when stale.
func (c *Client) providerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Since(c.issuedAt) < tokenLifetime {
		return c.token, nil
	}

	now := time.Now()
	header, _ := json.Marshal(map[string]string{"alg": "ES256", "kid": c.cfg.KeyID})
	claims, _ := json.Marshal(map[string]interface{}{"iss": c.cfg.TeamID, "iat": now.Unix()})

	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signing))

	r, s, err := ecdsa.Sign(rand.Reader, c.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("apns: sign token: %w", err)
	}

	// JOSE signature format: fixed-width r || s.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	c.token = signing + "." + base64.RawURLEncoding.EncodeToString(sig)
	c.issuedAt = now
	return c.token, nil
}
