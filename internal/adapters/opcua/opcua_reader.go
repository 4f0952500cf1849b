package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/flightincorporated47/metasys-connector-backend/internal/domain"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

const (
	severityMask      = 0xC0000000
	severityUncertain = 0x40000000
	severityBad       = 0x80000000
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string
	Username        string
	Password        string
	SecurityMode    string
	SecurityPolicy  string
	ApplicationName string
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "Metasys Connector"
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}

// Reader reads the Value attribute of a node per call. Source references are
// node id strings such as "ns=2;s=AHU-1.SAT". The session opens on first read.
type Reader struct {
	cfg Config

	mu     sync.Mutex
	client *opcua.Client
}

func NewReader(cfg Config) (*Reader, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reader{cfg: cfg}, nil
}

func (r *Reader) Name() string { return "opcua" }

func (r *Reader) Read(ctx context.Context, ref string) (domain.Reading, error) {
	nodeID, err := ua.ParseNodeID(ref)
	if err != nil {
		return domain.Reading{}, ports.NewReadError(ports.ErrorRequest, ref, fmt.Errorf("parse node id: %w", err))
	}

	client, err := r.connect(ctx)
	if err != nil {
		return domain.Reading{}, ports.NewReadError(classifyError(err), ref, err)
	}

	resp, err := client.Read(ctx, &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
		},
	})
	if err != nil {
		return domain.Reading{}, ports.NewReadError(classifyError(err), ref, err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return domain.Reading{}, ports.NewReadError(ports.ErrorData, ref, errors.New("empty read response"))
	}

	dv := resp.Results[0]
	q := statusQuality(dv.Status)
	if q == domain.QualityBad {
		return domain.Reading{}, ports.NewReadError(classifyStatus(dv.Status), ref, dv.Status)
	}
	value, ok := variantValue(dv.Value)
	if !ok {
		return domain.Reading{}, ports.NewReadError(ports.ErrorData, ref, errors.New("node returned no value"))
	}

	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Reading{Value: value, Timestamp: ts, Quality: q}, nil
}

func (r *Reader) connect(ctx context.Context) (*opcua.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	client, err := opcua.NewClient(r.cfg.Endpoint, r.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect: %w", err)
	}
	r.client = client
	return client, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Reader) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(r.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(r.cfg.SecurityPolicy)),
		opcua.ApplicationName(r.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if r.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(r.cfg.Username, r.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func statusQuality(code ua.StatusCode) domain.Quality {
	switch uint32(code) & severityMask {
	case 0:
		return domain.QualityGood
	case severityUncertain:
		return domain.QualityUncertain
	default:
		return domain.QualityBad
	}
}

func classifyStatus(code ua.StatusCode) ports.ErrorClass {
	switch code {
	case ua.StatusBadNodeIDUnknown, ua.StatusBadNodeIDInvalid, ua.StatusBadAttributeIDInvalid, ua.StatusBadNotReadable:
		return ports.ErrorRequest
	case ua.StatusBadUserAccessDenied, ua.StatusBadIdentityTokenRejected, ua.StatusBadIdentityTokenInvalid, ua.StatusBadSecurityChecksFailed:
		return ports.ErrorAuth
	case ua.StatusBadTimeout, ua.StatusBadConnectionClosed, ua.StatusBadCommunicationError, ua.StatusBadServerNotConnected, ua.StatusBadSecureChannelClosed:
		return ports.ErrorNetwork
	case ua.StatusBadWaitingForInitialData, ua.StatusBadNoCommunication:
		return ports.ErrorData
	default:
		return ports.ErrorServer
	}
}

func classifyError(err error) ports.ErrorClass {
	var code ua.StatusCode
	if errors.As(err, &code) {
		return classifyStatus(code)
	}
	return ports.ClassifyReadError(err)
}

// variantValue unwraps the Go value of v. LocalizedText and ByteString values
// are flattened to strings.
func variantValue(v *ua.Variant) (any, bool) {
	if v == nil || v.Value() == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case *ua.LocalizedText:
		if val == nil {
			return nil, false
		}
		return val.Text, true
	case []byte:
		return string(val), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	default:
		return val, true
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Reader = (*Reader)(nil)
