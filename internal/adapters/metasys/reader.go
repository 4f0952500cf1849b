// Package metasys reads point present values from the Metasys REST API.
package metasys

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

const reliableEnum = "reliabilityEnumSet.reliable"

type Config struct {
	Host               string
	APIVersion         int
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

func (c *Config) ApplyDefaults() {
	c.Host = strings.TrimRight(c.Host, "/")
	if c.APIVersion <= 0 {
		c.APIVersion = 6
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	u, err := url.Parse(c.Host)
	if err != nil {
		return fmt.Errorf("parse host: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("host %q must be an http or https URL", c.Host)
	}
	return nil
}

type Reader struct {
	cfg    Config
	base   *url.URL
	client *http.Client
}

// NewReader builds a reader whose transport negotiates HTTP/2 over TLS.
func NewReader(cfg Config) (*Reader, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // self-signed NAE certificates
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	return &Reader{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}, nil
}

func (r *Reader) Name() string { return "metasys" }

type presentValueResponse struct {
	Item *struct {
		PresentValue json.RawMessage `json:"presentValue"`
		Reliability  any             `json:"reliability"`
	} `json:"item"`
}

// Read fetches the presentValue attribute of the object at ref.
func (r *Reader) Read(ctx context.Context, ref string) (domain.Reading, error) {
	if strings.TrimSpace(ref) == "" {
		return domain.Reading{}, ports.NewReadError(ports.ErrorRequest, ref, errors.New("empty source reference"))
	}

	endpoint := r.base.JoinPath("api", fmt.Sprintf("v%d", r.cfg.APIVersion), "objects", ref, "attributes", "presentValue")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return domain.Reading{}, ports.NewReadError(ports.ErrorRequest, ref, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.cfg.Username != "" {
		req.SetBasicAuth(r.cfg.Username, r.cfg.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.Reading{}, ports.NewReadError(ports.ErrorNetwork, ref, err)
	}
	defer resp.Body.Close()

	if class, failed := classifyStatus(resp.StatusCode); failed {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Reading{}, ports.NewReadError(class, ref,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload presentValueResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return domain.Reading{}, ports.NewReadError(ports.ErrorNetwork, ref, err)
		}
		return domain.Reading{}, ports.NewReadError(ports.ErrorData, ref, fmt.Errorf("decode response: %w", err))
	}
	if payload.Item == nil || len(payload.Item.PresentValue) == 0 {
		return domain.Reading{}, ports.NewReadError(ports.ErrorData, ref, errors.New("response has no item.presentValue"))
	}

	var value any
	vdec := json.NewDecoder(strings.NewReader(string(payload.Item.PresentValue)))
	vdec.UseNumber()
	if err := vdec.Decode(&value); err != nil {
		return domain.Reading{}, ports.NewReadError(ports.ErrorData, ref, err)
	}

	return domain.Reading{
		Value:     value,
		Timestamp: time.Now(),
		Quality:   quality(payload.Item.Reliability),
	}, nil
}

func (r *Reader) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func classifyStatus(code int) (ports.ErrorClass, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ports.ErrorAuth, true
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return ports.ErrorNetwork, true
	case code >= 500:
		return ports.ErrorServer, true
	default:
		return ports.ErrorRequest, true
	}
}

// quality maps the optional reliability attribute. Absent means good.
func quality(reliability any) domain.Quality {
	var id string
	switch v := reliability.(type) {
	case nil:
		return domain.QualityGood
	case string:
		id = v
	case map[string]any:
		id, _ = v["id"].(string)
	}
	if id == "" || id == reliableEnum {
		return domain.QualityGood
	}
	if strings.Contains(strings.ToLower(id), "commlost") || strings.Contains(strings.ToLower(id), "offline") {
		return domain.QualityOffline
	}
	return domain.QualityUncertain
}

var _ ports.Reader = (*Reader)(nil)
