// Package mcp is the client side of the Model Context Protocol: it keeps a
// session with a remote tool server alive across websocket, SSE,
// streamable HTTP and stdio transports, retrying and failing over between
// servers.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-ports/memlink/internal/apperr"
	"github.com/go-ports/memlink/internal/buildinfo"
	"github.com/go-ports/memlink/internal/config"
	"github.com/go-ports/memlink/internal/redaction"
	"github.com/go-ports/memlink/internal/session"
)

// CredentialSource hands out the credential to connect with and
// re-validates it when a server rejects it. *session.Manager implements it.
type CredentialSource interface {
	session.CredentialProvider
	ValidateStoredCredentials(ctx context.Context) (bool, error)
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	Servers    []Server
	Transports []Kind
	Retry      RetryPolicy
	// ConnectTimeout bounds one transport attempt, handshake included.
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration

	Credentials CredentialSource
	Dial        DialFunc
	Logger      *slog.Logger
	Now         func() time.Time
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// OptionsFromConfig fills Options from preferences and a resolved server
// list.
func OptionsFromConfig(cfg config.MCPConfig, servers []Server, creds CredentialSource, logger *slog.Logger) (Options, error) {
	kinds, err := ParseKinds(cfg.Transports)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Servers:        servers,
		Transports:     kinds,
		Retry:          PolicyFromConfig(cfg.Retry),
		ConnectTimeout: cfg.ConnectTimeout,
		HealthInterval: cfg.Health.Interval,
		HealthTimeout:  cfg.Health.Timeout,
		Credentials:    creds,
		Logger:         logger,
	}, nil
}

var errClosed = errors.New("mcp client closed")

// Client owns at most one live MCP session. All state changes happen in
// Connect, in Monitor on a failed probe or dropped connection, on a failed
// call, or in Close.
type Client struct {
	opts   Options
	logger *slog.Logger

	life   context.Context
	cancel context.CancelFunc
	lost   chan error

	mu       sync.Mutex
	status   Status
	lastErr  error
	session  *mcpclient.Client
	inflight *connectCall
	closed   bool
}

// connectCall is one in-progress connect that concurrent callers share.
type connectCall struct {
	done chan struct{}
	err  error
}

func (c *connectCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New returns a disconnected Client.
func New(opts Options) *Client {
	if len(opts.Transports) == 0 {
		opts.Transports = DefaultKinds
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		opts.Dial = Dialer(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	life, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: opts.Logger,
		life:   life,
		cancel: cancel,
		lost:   make(chan error, 1),
		status: Status{State: StateDisconnected},
	}
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes a session, or joins the attempt already in flight.
// It returns nil at once when already connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.establish(ctx, StateConnecting)
}

func (c *Client) establish(ctx context.Context, state State) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.Config("mcp.connect", errClosed)
	}
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		return call.wait(ctx)
	}
	if state == StateConnecting && c.status.State == StateConnected {
		c.mu.Unlock()
		return nil
	}
	call := &connectCall{done: make(chan struct{})}
	c.inflight = call
	c.status.State = state
	c.status.Attempt = 0
	old := c.session
	c.session = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	err := c.run(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	call.err = err
	close(call.done)
	return err
}

// run walks servers, attempts and transports until one session initializes.
func (c *Client) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	if c.opts.Credentials == nil {
		return c.fail(apperr.Config("mcp.connect", errors.New("no credential source")))
	}
	cred, err := c.opts.Credentials.ActiveCredential(ctx)
	if err != nil {
		return c.fail(err)
	}
	if len(c.opts.Servers) == 0 {
		return c.fail(apperr.Config("mcp.connect", errNoServers).
			WithHint("add mcp.servers to config.yaml or check `memlink config services`"))
	}
	headers := cred.AuthHeaders()
	policy := c.opts.Retry

	var lastErr error
	for i, srv := range c.opts.Servers {
		endpoints := c.endpoints(srv)
		if len(endpoints) == 0 {
			lastErr = apperr.Config("mcp.connect", fmt.Errorf("server %q has no address for transports %v", srv.Name, c.opts.Transports))
			c.logger.Warn("skipping mcp server", "server", srv.Name, "error", lastErr)
			continue
		}

		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			c.setAttempt(srv.Name, attempt)
			retryable := false
			for _, ep := range endpoints {
				sess, latency, err := c.dial(ctx, ep, headers)
				if err == nil {
					c.install(ep, sess, latency, attempt)
					return nil
				}
				if ctx.Err() != nil {
					return c.abort(ctx.Err())
				}
				lastErr = err
				c.record(err)

				kind := apperr.KindOf(err)
				c.logger.Warn("mcp connect attempt failed",
					"server", srv.Name, "transport", string(ep.Kind),
					"attempt", attempt, "max_attempts", policy.MaxAttempts,
					"error", err, "hint", hintFor(err))
				switch kind {
				case apperr.KindAuth:
					c.revalidate(ctx)
					return c.fail(err)
				case apperr.KindConfig:
					// Retrying cannot fix it.
				default:
					retryable = true
				}
			}
			if !retryable {
				break
			}
			if attempt < policy.MaxAttempts {
				d := policy.Delay(attempt)
				c.logger.Info("retrying mcp connection", "server", srv.Name, "delay", d.String())
				if err := c.opts.Sleep(ctx, d); err != nil {
					return c.abort(err)
				}
			}
		}

		if i+1 < len(c.opts.Servers) {
			c.logger.Warn("mcp server exhausted, failing over",
				"server", srv.Name, "next", c.opts.Servers[i+1].Name)
		}
	}

	return c.fail(apperr.New(apperr.KindOf(lastErr), "mcp.connect",
		fmt.Errorf("all MCP servers unreachable after %d attempts each: %w", policy.MaxAttempts, lastErr)).
		WithHint("check network connectivity and `memlink config services`; `memlink mcp status` shows the last error"))
}

func (c *Client) endpoints(srv Server) []Endpoint {
	var out []Endpoint
	for _, k := range c.opts.Transports {
		if addr := srv.Endpoints[k]; addr != "" {
			out = append(out, Endpoint{Server: srv.Name, Kind: k, Address: addr})
		}
	}
	return out
}

// dial starts one transport and runs the initialize handshake.
func (c *Client) dial(ctx context.Context, ep Endpoint, headers map[string]string) (*mcpclient.Client, time.Duration, error) {
	tr, err := c.opts.Dial(ep, headers)
	if err != nil {
		return nil, 0, classifyConnect(err)
	}
	cl := mcpclient.NewClient(tr)

	actx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	// Streams and subprocesses live as long as the client, not the attempt.
	started := make(chan error, 1)
	go func() { started <- cl.Start(c.life) }()
	select {
	case err = <-started:
	case <-actx.Done():
		err = actx.Err()
	}
	if err != nil {
		_ = cl.Close()
		return nil, 0, classifyConnect(err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "memlink", Version: buildinfo.Version}

	begin := time.Now()
	if _, err := cl.Initialize(actx, req); err != nil {
		_ = cl.Close()
		return nil, 0, classifyConnect(err)
	}
	latency := time.Since(begin)

	cl.OnConnectionLost(func(err error) { c.connectionLost(cl, err) })
	return cl, latency, nil
}

func (c *Client) install(ep Endpoint, cl *mcpclient.Client, latency time.Duration, attempt int) {
	now := c.opts.Now().UTC()
	c.mu.Lock()
	c.session = cl
	c.lastErr = nil
	c.status = Status{
		State:       StateConnected,
		Server:      ep.Server,
		Transport:   ep.Kind,
		Attempt:     attempt,
		LastLatency: latency,
		ConnectedAt: &now,
		SessionID:   cl.GetSessionId(),
	}
	c.mu.Unlock()

	select {
	case <-c.lost:
	default:
	}
	c.logger.Info("mcp connected", "server", ep.Server, "transport", string(ep.Kind),
		"attempt", attempt, "latency", latency.String())
}

func (c *Client) setAttempt(server string, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Server = server
	c.status.Attempt = attempt
}

func (c *Client) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.status.LastError = redaction.Redact(err.Error())
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.status.LastError = redaction.Redact(err.Error())
	c.status.State = StateFailed
	if c.closed {
		c.status.State = StateDisconnected
	}
	return err
}

// abort handles cancellation mid-connect: the client is left disconnected
// rather than failed.
func (c *Client) abort(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateDisconnected
	if c.closed {
		return apperr.Config("mcp.connect", errClosed)
	}
	return err
}

// revalidate lets the session manager decide whether the credential is
// still good; a rejection there clears it.
func (c *Client) revalidate(ctx context.Context) {
	ok, err := c.opts.Credentials.ValidateStoredCredentials(ctx)
	switch {
	case err != nil:
		c.logger.Warn("credential re-validation failed", "error", err, "hint", apperr.HintOf(err))
	case !ok:
		c.logger.Warn("no credential stored after re-validation")
	default:
		c.logger.Info("credential still valid; the MCP server refused it", "hint", "check the account's MCP access")
	}
}

func (c *Client) connectionLost(cl *mcpclient.Client, err error) {
	c.mu.Lock()
	current := c.session == cl && !c.closed
	if current {
		c.status.LastError = redaction.Redact(err.Error())
	}
	c.mu.Unlock()
	if !current {
		return
	}
	select {
	case c.lost <- err:
	default:
	}
}

// Monitor probes the live session every HealthInterval and reconnects when
// a probe fails or the transport reports a drop. It returns when ctx is
// done, the client closes, or a reconnect exhausts its retries.
func (c *Client) Monitor(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.life.Err() != nil {
				return nil
			}
			return ctx.Err()
		case err := <-c.lost:
			if rerr := c.reconnect(ctx, err); rerr != nil {
				return rerr
			}
		case <-ticker.C:
			if _, err := c.Ping(ctx); err != nil {
				if rerr := c.reconnect(ctx, err); rerr != nil {
					return rerr
				}
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return nil
	}
	c.logger.Warn("mcp connection unhealthy, reconnecting", "error", cause)
	return c.establish(ctx, StateReconnecting)
}

// Ping round-trips a ping on the live session and records its latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	s, err := c.ready(ctx)
	if err != nil {
		return 0, err
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	begin := time.Now()
	if err := s.Ping(pctx); err != nil {
		err = classifyCall("mcp.ping", err)
		c.record(err)
		return 0, err
	}
	latency := time.Since(begin)
	c.mu.Lock()
	c.status.LastLatency = latency
	c.mu.Unlock()
	return latency, nil
}

// ListTools returns the tools the connected server offers.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	err := c.do(ctx, "mcp.list_tools", func(ctx context.Context, s *mcpclient.Client) error {
		res, err := s.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return err
		}
		tools = res.Tools
		return nil
	})
	return tools, err
}

// CallTool invokes a tool on the connected server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var res *mcp.CallToolResult
	err := c.do(ctx, "mcp.call_tool", func(ctx context.Context, s *mcpclient.Client) error {
		var err error
		res, err = s.CallTool(ctx, req)
		return err
	})
	return res, err
}

// do runs fn on the live session, waiting out a reconnect in progress. A
// transport failure triggers one reconnect and one retry of fn.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context, *mcpclient.Client) error) error {
	s, err := c.ready(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, s)
	if err == nil {
		return nil
	}
	cerr := classifyCall(op, err)
	var te *transport.Error
	if ctx.Err() != nil || !errors.As(err, &te) {
		return cerr
	}
	c.record(cerr)
	if apperr.Is(cerr, apperr.KindAuth) {
		c.revalidate(ctx)
		return cerr
	}

	if rerr := c.reconnect(ctx, cerr); rerr != nil {
		return rerr
	}
	if s, err = c.ready(ctx); err != nil {
		return err
	}
	return classifyCall(op, fn(ctx, s))
}

// ready returns the live session, waiting for a connect in flight.
func (c *Client) ready(ctx context.Context) (*mcpclient.Client, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, apperr.Config("mcp.call", errClosed)
		}
		if call := c.inflight; call != nil {
			c.mu.Unlock()
			if err := call.wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if c.status.State == StateConnected && c.session != nil {
			s := c.session
			c.mu.Unlock()
			return s, nil
		}
		state, last := c.status.State, c.lastErr
		c.mu.Unlock()

		if last == nil {
			return nil, apperr.Network("mcp.call", fmt.Errorf("not connected (%s)", state)).
				WithHint("connect first with `memlink mcp connect`")
		}
		return nil, apperr.New(apperr.KindOf(last), "mcp.call", fmt.Errorf("not connected (%s): %w", state, last)).
			WithHint(hintFor(last))
	}
}

// Close stops the monitor and any pending retry timer and closes the
// session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	c.status.State = StateDisconnected
	c.mu.Unlock()

	c.cancel()
	if s != nil {
		return s.Close()
	}
	return nil
}

func classifyConnect(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrUnauthorized):
		return apperr.Auth("mcp.connect", err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return apperr.Config("mcp.connect", err).WithHint("check mcp.stdio_command in config.yaml")
	default:
		return classifyTransport("mcp.connect", err)
	}
}

func classifyCall(op string, err error) error {
	if errors.Is(err, transport.ErrUnauthorized) {
		return apperr.Auth(op, err)
	}
	return classifyTransport(op, err)
}

// statusPattern matches the HTTP status the SSE and streamable HTTP
// transports report only in their error text ("unexpected status code:
// 403", "request failed with status 403").
var statusPattern = regexp.MustCompile(`(?i)\bstatus(?: code)?:? ([45]\d\d)\b`)

// classifyTransport is apperr.Classify plus recovery of a status code
// embedded in a transport error message.
func classifyTransport(op string, err error) error {
	var (
		ae *apperr.Error
		se *apperr.StatusError
	)
	if err == nil || errors.As(err, &ae) || errors.As(err, &se) {
		return apperr.Classify(op, err)
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return apperr.New(apperr.KindForStatus(code), op, err)
	}
	return apperr.Classify(op, err)
}

func hintFor(err error) string {
	if h := apperr.HintOf(err); h != "" {
		return h
	}
	switch apperr.KindOf(err) {
	case apperr.KindAuth:
		return "the server rejected the credential; check `memlink auth status` or sign in again"
	case apperr.KindNetwork:
		return "check network connectivity and the server address"
	case apperr.KindProtocol:
		return "the server answered but the handshake failed; the next transport is tried first"
	case apperr.KindConfig:
		return "fix the MCP settings in config.yaml"
	default:
		return ""
	}
}
