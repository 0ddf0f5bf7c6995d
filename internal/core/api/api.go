// Package api is the vendor REST client for device discovery and baby
// profiles. Every call is authorized with the identity provider's id-token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Device is a paired bassinet as reported by the devices endpoint.
type Device struct {
	SerialNumber    string         `json:"serialNumber"`
	DeviceType      int            `json:"deviceType"`
	FirmwareVersion string         `json:"firmwareVersion"`
	BabyIDs         []string       `json:"babyIds"`
	Name            string         `json:"name"`
	Presence        map[string]any `json:"presence,omitempty"`
	PresenceIoT     map[string]any `json:"presenceIoT,omitempty"`
	AWSIoT          map[string]any `json:"awsIoT,omitempty"`
	LastSSID        map[string]any `json:"lastSSID,omitempty"`
	ProvisionedAt   string         `json:"provisionedAt,omitempty"`
}

// Volume levels accepted by the baby settings.
const (
	VolumeLowest  = "lvl-2"
	VolumeLow     = "lvl-1"
	VolumeNormal  = "lvl0"
	VolumeHigh    = "lvl+1"
	VolumeHighest = "lvl+2"
)

// BabySettings holds the per-baby soothing preferences. Nil fields are left
// untouched by UpdateBabySettings.
type BabySettings struct {
	MinimalLevelVolume  *string `json:"minimalLevelVolume,omitempty"`
	SoothingLevelVolume *string `json:"soothingLevelVolume,omitempty"`
	MinimalLevel        *string `json:"minimalLevel,omitempty"`
	ResponsivenessLevel *string `json:"responsivenessLevel,omitempty"`
	WeaningLevel        *string `json:"weaningLevel,omitempty"`
	MotionLimiter       *bool   `json:"motionLimiter,omitempty"`
	CarRideMode         *bool   `json:"carRideMode,omitempty"`
	DailySchedule       any     `json:"dailySchedule,omitempty"`
}

// Baby is a baby profile.
type Baby struct {
	ID        string       `json:"_id"`
	Name      string       `json:"babyName"`
	Birthdate string       `json:"birthDate,omitempty"`
	Sex       string       `json:"sex,omitempty"`
	Picture   string       `json:"pictureUrl,omitempty"`
	Settings  BabySettings `json:"settings"`
	UpdatedAt string       `json:"updatedAt,omitempty"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Config holds the REST endpoints.
type Config struct {
	DevicesURL string
	BabiesURL  string
}

// Client calls the vendor REST API.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a client. A nil httpClient uses one with a 15s timeout.
func NewClient(cfg Config, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

// Devices lists the account's paired devices.
func (c *Client) Devices(ctx context.Context, idToken string) ([]Device, error) {
	data, err := c.do(ctx, http.MethodGet, c.cfg.DevicesURL, idToken, nil)
	if err != nil {
		return nil, fmt.Errorf("api: devices: %w", err)
	}

	var resp struct {
		Snoo []Device `json:"snoo"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api: devices: decode: %w", err)
	}
	if resp.Snoo == nil {
		return nil, fmt.Errorf("api: devices: missing device list")
	}
	for i, d := range resp.Snoo {
		if d.SerialNumber == "" {
			return nil, fmt.Errorf("api: devices: entry %d has no serial number", i)
		}
	}

	c.log.Debug("devices fetched", "count", len(resp.Snoo))
	return resp.Snoo, nil
}

// Baby fetches one baby profile.
func (c *Client) Baby(ctx context.Context, idToken, id string) (Baby, error) {
	data, err := c.do(ctx, http.MethodGet, c.babyURL(id), idToken, nil)
	if err != nil {
		return Baby{}, fmt.Errorf("api: baby %s: %w", id, err)
	}

	var b Baby
	if err := json.Unmarshal(data, &b); err != nil {
		return Baby{}, fmt.Errorf("api: baby %s: decode: %w", id, err)
	}
	return b, nil
}

// UpdateBabySettings patches the set fields of settings and returns the
// updated profile.
func (c *Client) UpdateBabySettings(ctx context.Context, idToken, id string, settings BabySettings) (Baby, error) {
	body, err := json.Marshal(map[string]any{"settings": settings})
	if err != nil {
		return Baby{}, fmt.Errorf("api: update baby %s: %w", id, err)
	}

	data, err := c.do(ctx, http.MethodPatch, c.babyURL(id), idToken, body)
	if err != nil {
		return Baby{}, fmt.Errorf("api: update baby %s: %w", id, err)
	}

	var b Baby
	if err := json.Unmarshal(data, &b); err != nil {
		return Baby{}, fmt.Errorf("api: update baby %s: decode: %w", id, err)
	}
	c.log.Info("baby settings updated", "baby_id", id)
	return b, nil
}

func (c *Client) babyURL(id string) string {
	return strings.TrimSuffix(c.cfg.BabiesURL, "/") + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, target, idToken string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: snippet}
	}
	return data, nil
}
