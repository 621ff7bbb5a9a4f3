package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/codeGROOVE-dev/mmclient/pkg/events"
	"github.com/codeGROOVE-dev/mmclient/pkg/logger"
	"github.com/codeGROOVE-dev/mmclient/pkg/metrics"
	"github.com/codeGROOVE-dev/mmclient/pkg/rest"
	"github.com/codeGROOVE-dev/mmclient/pkg/socket"
)

const (
	defaultPingInterval     = 60 * time.Second
	defaultReconnectStep    = time.Second
	defaultMaxPendingFrames = 1024
	usersPerPage            = 200
)

// Config holds the configuration for the client.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Host is the server name, without scheme or port.
	Host string
	// Group is the team name to resolve, matched case-insensitively.
	Group string
	// Token is a personal access token. Start uses it in preference to Login/Password.
	Token     string
	Login     string
	Password  string
	MFAToken  string
	HTTPProxy string
	// PingInterval is the heartbeat period. The connection is declared dead
	// after two intervals without a pong.
	PingInterval time.Duration
	// ReconnectStep is multiplied by the attempt count to give the reconnect delay.
	ReconnectStep time.Duration
	// MaxReconnectDelay caps the reconnect delay. Zero means no cap.
	MaxReconnectDelay time.Duration
	RequestTimeout    time.Duration
	RateLimit         float64
	RateBurst         int
	WSSPort           int
	HTTPPort          int
	// MaxAuthFailures stops reconnecting after that many consecutive 401
	// login responses. Zero retries forever.
	MaxAuthFailures  int
	MaxPendingFrames int
	DisableTLS       bool
	// InsecureSkipVerify disables certificate verification for REST and WebSocket.
	InsecureSkipVerify bool
	NoReconnect        bool
}

// restAPI is the part of rest.Client the client uses.
type restAPI interface {
	Do(ctx context.Context, method, path string, body any) (*rest.Response, error)
	Upload(ctx context.Context, path string, form rest.Form) (*rest.Response, error)
	SetToken(token string)
	Ping(ctx context.Context) error
}

// socketConn is an open WebSocket connection.
type socketConn interface {
	Send(v any) error
	Receive() ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (socketConn, error)

type stopper interface {
	Stop() bool
}

type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) stopper
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

// Client is a Mattermost client. All session state is owned by a single
// goroutine; public methods hand work to it and wait for the result.
type Client struct {
	clock   clock
	ctx     context.Context //nolint:containedctx // lifetime of background requests
	api     restAPI
	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
	dial    dialFunc
	// spawn runs blocking work (requests, dials, closes) off the loop.
	spawn func(func())
	// listen runs a connection's reader and writer.
	listen func(func())
	cancel context.CancelFunc

	notify   chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
	queue    []func()
	qmu      sync.Mutex
	closing  bool
	stopOnce sync.Once

	// Everything below is only touched by the loop.
	cfg          Config
	session      session
	self         *model.User
	teamID       string
	me           *model.User
	preferences  model.Preferences
	teams        []*model.Team
	users        map[string]*model.User
	channels     map[string]*model.Channel
	pending      map[int64]*Frame
	link         *link
	heartbeat    stopper
	resume       stopper
	heartbeatGen uint64
	resumeGen    uint64
	connGen      uint64
	pendingDial  uint64
}

// session is the connection and authentication state.
type session struct {
	lastPong      time.Time
	token         string
	loginID       string
	password      string
	mfaToken      string
	socketURL     string
	seq           int64
	attempts      int
	authFailures  int
	authenticated bool
	connected     bool
	personalToken bool
	reconnecting  bool
	connecting    bool
	autoReconnect bool
}

// New creates a client and starts its event loop. Call Stop to release it.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	cfg.Logger = logger.Component(cfg.Logger, "client")

	api, err := rest.New(rest.Config{
		Logger:    cfg.Logger.With("transport", "rest"),
		Metrics:   cfg.Metrics,
		Host:      cfg.Host,
		HTTPProxy: cfg.HTTPProxy,
		Timeout:   cfg.RequestTimeout,
		HTTPPort:  cfg.HTTPPort,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		UseTLS:    !cfg.DisableTLS,
		TLSVerify: !cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	dialer := &socket.Dialer{
		Logger:    cfg.Logger.With("transport", "websocket"),
		Proxy:     cfg.HTTPProxy,
		TLSVerify: !cfg.InsecureSkipVerify,
	}
	dial := func(ctx context.Context, url string) (socketConn, error) {
		return dialer.Dial(ctx, url)
	}

	c := newClient(cfg, api, dial, realClock{})
	go c.run()
	return c, nil
}

// newClient wires a client without starting its loop.
func newClient(cfg Config, api restAPI, dial dialFunc, clk clock) *Client {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectStep == 0 {
		cfg.ReconnectStep = defaultReconnectStep
	}
	if cfg.MaxPendingFrames == 0 {
		cfg.MaxPendingFrames = defaultMaxPendingFrames
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component(nil, "client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		api:      api,
		dial:     dial,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		spawn:    func(f func()) { go f() },
		listen:   func(f func()) { go f() },
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		users:    make(map[string]*model.User),
		channels: make(map[string]*model.Channel),
		pending:  make(map[int64]*Frame),
		session:  session{autoReconnect: !cfg.NoReconnect},
	}
	c.bus = events.NewBus(cfg.Logger.With("part", "bus"), cfg.Metrics.EventDropped)
	return c
}

// run executes queued work until Stop.
func (c *Client) run() {
	defer close(c.stopped)
	for {
		c.drain()
		select {
		case <-c.notify:
		case <-c.quit:
			c.drain()
			return
		}
	}
}

// post queues fn for the loop. It reports false once the client is stopping.
func (c *Client) post(fn func()) bool {
	c.qmu.Lock()
	if c.closing {
		c.qmu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// drain runs queued work until the queue is empty.
func (c *Client) drain() {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.qmu.Unlock()
		fn()
	}
}

// do runs fn on the loop and waits for it.
func (c *Client) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !c.post(func() {
		fn()
		close(done)
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// emit publishes an event to subscribers.
func (c *Client) emit(name string, payload any) {
	c.bus.Publish(name, payload)
}

// call issues a request off the loop and hands the result back to it.
func (c *Client) call(method, path string, body any, then func(*rest.Response, error)) {
	c.logger.Info("loading", "method", method, "path", path)
	c.spawn(func() {
		resp, err := c.api.Do(c.ctx, method, path, body)
		c.post(func() { then(resp, err) })
	})
}

// Subscribe returns a subscription to the named events, or to all events
// when no names are given. A zero buffer uses events.DefaultBuffer.
func (c *Client) Subscribe(buffer int, names ...string) *events.Subscription {
	return c.bus.Subscribe(buffer, names...)
}

// Start logs in with the configured token, or with the configured login and
// password when no token is set.
func (c *Client) Start(ctx context.Context) error {
	switch {
	case c.cfg.Token != "":
		return c.TokenLogin(ctx, c.cfg.Token)
	case c.cfg.Login != "" && c.cfg.Password != "":
		return c.Login(ctx, c.cfg.Login, c.cfg.Password, c.cfg.MFAToken)
	default:
		return errors.New("token or login and password required")
	}
}

// Login starts a credential login. Progress is reported through events:
// loggedIn, then the bootstrap events, then connected. Failures are retried
// with backoff.
func (c *Client) Login(ctx context.Context, loginID, password, mfaToken string) error {
	return c.do(ctx, func() {
		c.stopReconnecting()
		c.login(loginID, password, mfaToken)
	})
}

// TokenLogin starts a login with a personal access token.
func (c *Client) TokenLogin(ctx context.Context, token string) error {
	return c.do(ctx, func() {
		c.stopReconnecting()
		c.tokenLogin(token)
	})
}

// Disconnect closes the connection and disables reconnecting. It reports
// false when there was no connection to close.
func (c *Client) Disconnect() bool {
	var ok bool
	if err := c.do(context.Background(), func() { ok = c.disconnect() }); err != nil {
		return false
	}
	return ok
}

// Send writes a frame with the given action over the socket and returns its
// sequence number.
func (c *Client) Send(ctx context.Context, action string, data map[string]any) (int64, error) {
	var seq int64
	var ok bool
	if err := c.do(ctx, func() { seq, ok = c.send(action, data) }); err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotConnected
	}
	return seq, nil
}

// HealthCheck pings the server, retrying transient failures.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.api.Ping(ctx)
}

// Stop closes the connection, cancels timers and in-flight requests, and
// closes every subscription. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.post(c.shutdown)
		c.qmu.Lock()
		c.closing = true
		c.qmu.Unlock()
		close(c.quit)
		<-c.stopped
		c.cancel()
		c.bus.Close()
	})
}

func (c *Client) shutdown() {
	c.logger.Info("stopping client")
	c.session.autoReconnect = false
	c.stopHeartbeat()
	c.cancelResume()
	c.pendingDial = 0
	if l := c.link; l != nil {
		c.discard(l)
	}
	c.session.connected = false
	c.session.connecting = false
	c.metrics.SetConnected(false)
}

// Self returns the logged-in user, or nil before the first login.
func (c *Client) Self() *model.User {
	var u *model.User
	c.read(func() { u = c.self })
	return u
}

// Me returns the profile loaded by the bootstrap's /users/me request.
func (c *Client) Me() *model.User {
	var u *model.User
	c.read(func() { u = c.me })
	return u
}

// TeamID returns the resolved team id, or "" when no team matched Group.
func (c *Client) TeamID() string {
	var id string
	c.read(func() { id = c.teamID })
	return id
}

// Teams returns the teams loaded at bootstrap.
func (c *Client) Teams() []*model.Team {
	var teams []*model.Team
	c.read(func() { teams = append(teams, c.teams...) })
	return teams
}

// Preferences returns the preferences loaded at bootstrap.
func (c *Client) Preferences() model.Preferences {
	var prefs model.Preferences
	c.read(func() { prefs = append(prefs, c.preferences...) })
	return prefs
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	var ok bool
	c.read(func() { ok = c.session.connected })
	return ok
}

// Authenticated reports whether the last login succeeded.
func (c *Client) Authenticated() bool {
	var ok bool
	c.read(func() { ok = c.session.authenticated })
	return ok
}

// UserByID returns a user from the directory.
func (c *Client) UserByID(id string) *model.User {
	var u *model.User
	c.read(func() { u = c.users[id] })
	return u
}

// UserByEmail returns the first user in the directory with the given email.
func (c *Client) UserByEmail(email string) *model.User {
	var u *model.User
	c.read(func() {
		for _, candidate := range c.users {
			if candidate.Email == email {
				u = candidate
				return
			}
		}
	})
	return u
}

// Users returns a copy of the user directory.
func (c *Client) Users() map[string]*model.User {
	out := make(map[string]*model.User)
	c.read(func() {
		for id, u := range c.users {
			out[id] = u
		}
	})
	return out
}

// ChannelByID returns a channel from the directory.
func (c *Client) ChannelByID(id string) *model.Channel {
	var ch *model.Channel
	c.read(func() { ch = c.channels[id] })
	return ch
}

// Channels returns a copy of the channel directory.
func (c *Client) Channels() map[string]*model.Channel {
	out := make(map[string]*model.Channel)
	c.read(func() {
		for id, ch := range c.channels {
			out[id] = ch
		}
	})
	return out
}

// FindChannelByName returns a channel whose name or display name equals name.
func (c *Client) FindChannelByName(name string) *model.Channel {
	var ch *model.Channel
	c.read(func() { ch = c.findChannelByName(name) })
	return ch
}

func (c *Client) findChannelByName(name string) *model.Channel {
	for _, ch := range c.channels {
		if ch.Name == name || ch.DisplayName == name {
			return ch
		}
	}
	return nil
}

// TeamRoute returns the API path of the resolved team.
func (c *Client) TeamRoute() string {
	var route string
	c.read(func() { route = c.teamRoute() })
	return route
}

// ChannelRoute returns the API path of a channel within the resolved team.
func (c *Client) ChannelRoute(channelID string) string {
	var route string
	c.read(func() { route = c.channelRoute(channelID) })
	return route
}

func (c *Client) teamRoute() string {
	return "/users/me/teams/" + c.teamID
}

func (c *Client) channelRoute(channelID string) string {
	return c.teamRoute() + "/channels/" + channelID
}

// read runs fn on the loop. After Stop, fn is not run and zero values are returned.
func (c *Client) read(fn func()) {
	if err := c.do(context.Background(), fn); err != nil {
		c.logger.Debug("state read skipped", "error", err)
	}
}

// mergeUsers adds or replaces directory entries.
func (c *Client) mergeUsers(users []*model.User) {
	for _, u := range users {
		if u != nil && u.Id != "" {
			c.users[u.Id] = u
		}
	}
}

func (c *Client) mergeChannels(channels []*model.Channel) {
	for _, ch := range channels {
		if ch != nil && ch.Id != "" {
			c.channels[ch.Id] = ch
		}
	}
}

// isUnauthorized reports whether err is a 401 from the API.
func isUnauthorized(err error) bool {
	var apiErr *rest.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// directChannelNames returns both orderings of a direct channel's name.
func directChannelNames(a, b string) [2]string {
	return [2]string{a + "__" + b, b + "__" + a}
}
