package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Outcome classifies the result of a call to a satellite.
type Outcome int

const (
	// OutcomeOK means the satellite answered as expected.
	OutcomeOK Outcome = iota
	// OutcomeTimeout means no answer arrived before the call deadline.
	OutcomeTimeout
	// OutcomeConnectionFailed means the satellite could not be reached.
	OutcomeConnectionFailed
	// OutcomeRejected means the satellite answered with an error or an
	// unexpected body.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeConnectionFailed:
		return "connection_failed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is returned by every satellite call instead of a bare error, so the
// dispatch loops can switch on the outcome.
type Result struct {
	Outcome Outcome
	Reason  string
	Status  int
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Err converts a failed result into an error, nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Outcome, r.Reason)
}

func ok() Result {
	return Result{Outcome: OutcomeOK}
}

func rejected(status int, format string, args ...any) Result {
	return Result{Outcome: OutcomeRejected, Status: status, Reason: fmt.Sprintf(format, args...)}
}

// classify turns a transport error into a Result.
func classify(err error) Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return Result{Outcome: OutcomeTimeout, Reason: err.Error()}
	default:
		return Result{Outcome: OutcomeConnectionFailed, Reason: err.Error()}
	}
}

// ClientConfig holds the per-call deadlines. Pushes carry large payloads and
// get their own, longer, timeout.
type ClientConfig struct {
	PingTimeout time.Duration
	PushTimeout time.Duration
}

// Client talks to satellites (and satellites to the arbiter) over HTTP.
// It never retries on its own: retries are driven by the attempt counters of
// the registry.
type Client struct {
	http *resty.Client
	cfg  ClientConfig
}

// NewClient creates a client with the given timeouts.
//
// Parameters:
//   - cfg: Per-call deadlines; zero values mean 3s for pings and queries,
//     2m for pushes
//
// Returns:
//   - Client sharing one resty connection pool across all satellites
//
// Example:
//
//	client := cluster.NewClient(cluster.ClientConfig{PingTimeout: time.Second})
//	if _, res := client.Ping(ctx, "sched-1:7768"); !res.OK() {
//	    log.Warn("scheduler unreachable", zap.String("reason", res.Reason))
//	}
func NewClient(cfg ClientConfig) *Client {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 2 * time.Minute
	}
	c := resty.New()
	c.SetHeader("User-Agent", "vigil")
	return &Client{http: c, cfg: cfg}
}

// HTTP exposes the underlying resty client, used by tests to install mocks.
func (c *Client) HTTP() *resty.Client {
	return c.http
}

// BaseURL accepts both "host:port" and full URLs.
func BaseURL(addr string) string {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	return strings.TrimRight(url, "/")
}

// Ping checks that a satellite answers. Anything other than a "pong" answer is a failure.
func (c *Client) Ping(ctx context.Context, addr string) (PingResponse, Result) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	var out PingResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(BaseURL(addr) + "/ping")
	if err != nil {
		return out, classify(err)
	}
	if resp.StatusCode() >= 300 {
		return out, rejected(resp.StatusCode(), "ping returned status %d", resp.StatusCode())
	}
	if out.Pong != Pong {
		return out, rejected(resp.StatusCode(), "unexpected ping answer %q", resp.String())
	}
	return out, ok()
}

// Push sends an encoded configuration to a satellite. The satellite replaces
// its whole state, so pushing the same payload twice is harmless.
//
// Parameters:
//   - ctx: Context for the call, bounded further by PushTimeout
//   - addr: Satellite address, "host:port" or a full URL
//   - header: Kind, part, epoch and flavor of the payload; PartID NoPart
//     with a nil body tells a scheduler to drop its part
//   - body: Part or satellite view, encoded with EncodePush
//
// Returns:
//   - OutcomeOK on a 2xx answer
//   - OutcomeRejected with the HTTP status otherwise; 413 means the payload
//     is over the satellite's size limit
//   - A transport outcome when the satellite could not be reached
//
// Thread Safety:
// Safe for concurrent use.
func (c *Client) Push(ctx context.Context, addr string, header PushHeader, body any) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PushTimeout)
	defer cancel()

	payload, err := EncodePush(header, body)
	if err != nil {
		return rejected(0, "encode configuration: %v", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", ContentType).
		SetBody(payload).
		Post(BaseURL(addr) + "/push")
	if err != nil {
		return classify(err)
	}
	if resp.StatusCode() >= 300 {
		return rejected(resp.StatusCode(), "push rejected with status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return ok()
}

// Managed asks a satellite which parts it holds. Schedulers answer on
// /managed, satellites spanning several parts on /what_i_managed.
func (c *Client) Managed(ctx context.Context, addr string, kind Kind) (ManagedConfs, Result) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	path := "/what_i_managed"
	if kind == KindScheduler {
		path = "/managed"
	}

	out := ManagedConfs{}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(BaseURL(addr) + path)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode() >= 300 {
		return nil, rejected(resp.StatusCode(), "managed query returned status %d", resp.StatusCode())
	}
	return out, ok()
}

// Register announces a satellite to the arbiter.
func (c *Client) Register(ctx context.Context, arbiterAddr string, req RegisterRequest) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post(BaseURL(arbiterAddr) + "/register")
	if err != nil {
		return classify(err)
	}
	if resp.StatusCode() >= 300 {
		return rejected(resp.StatusCode(), "register returned status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return ok()
}

// EncodePush builds the envelope carried by a push: the header followed by
// the JSON encoded body.
func EncodePush(header PushHeader, body any) ([]byte, error) {
	raw, err := jsonBytes(body)
	if err != nil {
		return nil, err
	}
	return Encode(PushRequest{Header: header, Body: raw})
}

// DecodePush is the satellite side of EncodePush.
func DecodePush(data []byte) (PushRequest, error) {
	var req PushRequest
	err := Decode(data, &req)
	return req, err
}
