// Package restclient implements the subset of the subscriber REST
// backend the Refresh Loop actually drives: sip settings and the
// intercom list. Methods and error mapping follow the black-box
// contract the host's REST backend exposes, not a general-purpose SDK.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sebas/doorvoip/internal/voiperr"
)

const requestTimeout = 10 * time.Second

// Client is an HTTP client for one subscriber's REST backend session.
type Client struct {
	baseURL    string
	phone      string
	deviceCode string
	token      string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "https://domofon.example.com"),
// identifying the subscriber by phone. The access token starts empty
// until SetToken is called.
func New(baseURL, phone, deviceCode string) *Client {
	return &Client{
		baseURL:    baseURL,
		phone:      phone,
		deviceCode: deviceCode,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// SetToken stores the access token future requests authenticate with.
func (c *Client) SetToken(token string) { c.token = token }

// SipSettings is the subset of subscriber/sipsettings this endpoint
// consumes to build a sipendpoint.Config.
type SipSettings struct {
	SipAddress  string `json:"sip_address"`
	SipPort     int    `json:"sip_port"`
	SipLogin    string `json:"sip_login"`
	SipPassword string `json:"sip_password"`
}

// SipSettings fetches the subscriber's current SIP registration
// credentials.
func (c *Client) SipSettings(ctx context.Context) (*SipSettings, error) {
	var settings SipSettings
	if err := c.request(ctx, http.MethodGet, "v1", "subscriber/sipsettings", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Intercom is one entry of subscriber/available-intercoms.
type Intercom struct {
	ID        int    `json:"intercom_id"`
	StreamURL string `json:"stream_url"`
	Mute      bool   `json:"mute"`
	SipLogin  string `json:"sip_login"`
}

type intercomsResponse struct {
	Intercoms []Intercom `json:"intercoms"`
}

// Intercoms fetches the subscriber's available intercom stations.
func (c *Client) Intercoms(ctx context.Context) ([]Intercom, error) {
	var resp intercomsResponse
	if err := c.request(ctx, http.MethodGet, "v1", "subscriber/available-intercoms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Intercoms, nil
}

// OpenIntercom triggers a door release for intercomID.
func (c *Client) OpenIntercom(ctx context.Context, intercomID int) error {
	body := map[string]any{"intercom_id": intercomID}
	return c.request(ctx, http.MethodPost, "v1", "subscriber/open-intercom", body, nil)
}

type statusEnvelope struct {
	Status    int    `json:"status"`
	ErrorText string `json:"error_text"`
	Message   string `json:"message"`
}

// request issues one JSON request and decodes the body into out,
// mapping HTTP/transport failure into the shared voiperr sentinels per
// the backend's error contract: 401 unauthorized, 404 not found, any
// other >=400 status or an in-body `status` field above 400 maps to a
// request error, and any transport failure maps to a connection error.
func (c *Client) request(ctx context.Context, method, apiVersion, path string, body, out any) error {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, path)

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restclient: encode %s body: %w", path, voiperr.ErrRequest)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("restclient: build request: %w", voiperr.ErrConnection)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("access-token", c.token)
	}

	q := req.URL.Query()
	q.Set("device_code", c.deviceCode)
	q.Set("phone", c.phone)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("restclient: %s %s: %w", method, path, voiperr.ErrConnection)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("restclient: read %s body: %w", path, voiperr.ErrConnection)
	}

	var envelope statusEnvelope
	_ = json.Unmarshal(raw, &envelope)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("restclient: %s: %w", path, voiperr.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("restclient: %s: %w", path, voiperr.ErrNotFound)
	}

	if resp.StatusCode >= 400 || (envelope.Status > 0 && envelope.Status > 400) {
		reason := envelope.ErrorText
		if reason == "" {
			reason = envelope.Message
		}
		if reason == "" {
			reason = "request error"
		}
		return fmt.Errorf("restclient: %s: %s: %w", path, reason, voiperr.ErrRequest)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("restclient: decode %s: %w", path, voiperr.ErrConnection)
		}
	}

	return nil
}
