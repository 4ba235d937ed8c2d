package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/guseggert/spawner/spawner"
	"github.com/guseggert/spawner/spec"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrNotFound is returned when the agent holds no handle with the requested ID.
var ErrNotFound = errors.New("process not found")

// Client talks to an Agent over HTTP, or HTTPS with mTLS when certs are given.
//
// Only GET requests are retried. Spawning, killing and releasing are sent once, so a
// request lost in transit never launches a second worker.
type Client struct {
	Logger *zap.SugaredLogger
	// HTTPClient retries on connection errors and 5xx responses.
	HTTPClient *http.Client

	addr                     string
	certs                    *Certs
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	// onceClient sends requests that must not be repeated, and WebSocket upgrades.
	onceClient *http.Client

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

// WithClientCerts makes the client use HTTPS, presenting the client cert and trusting only the CA.
func WithClientCerts(certs *Certs) ClientOption {
	return func(c *Client) {
		c.certs = certs
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent listening on addr (host:port). With certs, addr's
// host must be one the agent's server cert was issued for.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:        log.Named("agent_client"),
		addr:          addr,
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{DialContext: dialer.DialContext}
	c.baseURL = "http://" + addr

	if c.certs != nil {
		tlsConfig, err := ClientTLSConfig(c.certs.CA.CertPEMBytes, c.certs.Client.CertPEMBytes, c.certs.Client.KeyPEMBytes)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		c.baseURL = "https://" + addr
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.onceClient = &http.Client{Transport: transport}

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// do sends a request and decodes a JSON response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, method, urlPath string, body any, wantCode int, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(httpReq)

	client := c.HTTPClient
	if method != http.MethodGet {
		client = c.onceClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if httpResp.StatusCode != wantCode {
		var respBody string
		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			respBody = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			respBody = string(b)
		}
		return fmt.Errorf("unexpected HTTP status code %d from %s %s: %s", httpResp.StatusCode, method, urlPath, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Spawn asks the agent to launch a worker. A failed launch is not an error here; it is
// reported in the returned ProcInfo, just as Handle.Err reports it locally.
func (c *Client) Spawn(ctx context.Context, opts spec.Options) (*ProcInfo, error) {
	var info ProcInfo
	if err := c.do(ctx, http.MethodPost, "/procs", opts, http.StatusCreated, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) List(ctx context.Context) ([]ProcInfo, error) {
	var infos []ProcInfo
	if err := c.do(ctx, http.MethodGet, "/procs", nil, http.StatusOK, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) Get(ctx context.Context, id string) (*ProcInfo, error) {
	var info ProcInfo
	if err := c.do(ctx, http.MethodGet, "/procs/"+url.PathEscape(id), nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Field reads a single property of a handle, see Handle.Property.
func (c *Client) Field(ctx context.Context, id, field string) (json.RawMessage, error) {
	var raw json.RawMessage
	p := fmt.Sprintf("/procs/%s/fields/%s", url.PathEscape(id), url.PathEscape(field))
	if err := c.do(ctx, http.MethodGet, p, nil, http.StatusOK, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Kill kills the worker regardless of tethering. The agent forgets the handle.
func (c *Client) Kill(ctx context.Context, id string) (*ProcInfo, error) {
	var info ProcInfo
	if err := c.do(ctx, http.MethodDelete, "/procs/"+url.PathEscape(id), nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Release closes the handle. Tethered workers are killed, untethered ones keep running.
func (c *Client) Release(ctx context.Context, id string) (*ProcInfo, error) {
	var info ProcInfo
	if err := c.do(ctx, http.MethodPost, "/procs/"+url.PathEscape(id)+"/release", nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Watch calls fn with every status update the agent pushes for id, until the launched
// process stops running, the handle goes away, or ctx is done.
func (c *Client) Watch(ctx context.Context, id string, fn func(*spawner.Status)) error {
	u := c.baseURL + "/procs/" + url.PathEscape(id) + "/watch"

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.onceClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	for {
		var msg watchMessage
		err := wsjson.Read(ctx, wsConn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading watch message: %w", err)
		}
		fn(msg.Status)
	}
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat keeps the agent's heartbeat check satisfied until StopHeartbeat is called.
func (c *Client) StartHeartbeat(interval time.Duration) {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
