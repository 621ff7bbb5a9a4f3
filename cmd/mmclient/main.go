// Package main provides mmclient, a command-line client that logs in to a
// Mattermost server, follows its WebSocket event stream and posts messages.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/mmclient/pkg/client"
	"github.com/codeGROOVE-dev/mmclient/pkg/config"
	"github.com/codeGROOVE-dev/mmclient/pkg/events"
	"github.com/codeGROOVE-dev/mmclient/pkg/logger"
	"github.com/codeGROOVE-dev/mmclient/pkg/metrics"
)

const (
	loginTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// options holds the persistent flags. Flags override the environment, which
// overrides the config file.
type options struct {
	configPath string
	host       string
	group      string
	token      string
	login      string
	password   string
	logLevel   string
}

func buildRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "mmclient",
		Short:         "Mattermost real-time client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `mmclient logs in to a Mattermost server, loads the team directory and keeps
a WebSocket connection open, reconnecting with backoff when it drops.

Settings come from an optional YAML file (--config), then MATTERMOST_*
environment variables, then flags.`,
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	f.StringVar(&opts.host, "host", "", "Server host name, without scheme")
	f.StringVar(&opts.group, "group", "", "Team name to resolve")
	f.StringVar(&opts.token, "token", "", "Personal access token")
	f.StringVar(&opts.login, "login", "", "Login id (username or email)")
	f.StringVar(&opts.password, "password", "", "Password")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(buildListenCmd(opts), buildPostCmd(opts), buildPingCmd(opts))
	return root
}

func buildListenCmd(opts *options) *cobra.Command {
	var (
		eventNames  string
		metricsAddr string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events until interrupted",
		Example: `  # Follow everything
  mmclient listen --host chat.example.com --token $TOKEN

  # Only posts, with full payloads, exposing metrics
  mmclient listen --events message --verbose --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				s.MetricsAddr = metricsAddr
			}
			return runListen(cmd.Context(), s, splitList(eventNames), verbose, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&eventNames, "events", "", "Comma-separated event names to print (default all)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show full event payloads")
	return cmd
}

func buildPostCmd(opts *options) *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "post --channel <id> <text|->",
		Short: "Post a message, splitting it when it is too long",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			text, err := messageText(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runPost(cmd.Context(), s, channelID, text, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "Channel id to post to")
	if err := cmd.MarkFlagRequired("channel"); err != nil {
		panic(err)
	}
	return cmd
}

func buildPingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			c, err := client.New(clientConfig(s, setupLogger(s), nil))
			if err != nil {
				return err
			}
			defer c.Stop()
			if err := c.HealthCheck(cmd.Context()); err != nil {
				return fmt.Errorf("ping %s: %w", s.Host, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is up\n", s.Host)
			return err
		},
	}
}

// settings layers the config file, the environment and the flags that were set.
func (o *options) settings(cmd *cobra.Command) (config.Settings, error) {
	s := config.Defaults()
	if o.configPath != "" {
		var err error
		if s, err = config.Load(o.configPath); err != nil {
			return s, err
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}

	flags := cmd.Flags()
	for name, pair := range map[string][2]*string{
		"host":      {&o.host, &s.Host},
		"group":     {&o.group, &s.Group},
		"token":     {&o.token, &s.Token},
		"login":     {&o.login, &s.Login},
		"password":  {&o.password, &s.Password},
		"log-level": {&o.logLevel, &s.LogLevel},
	} {
		if flags.Changed(name) {
			*pair[1] = *pair[0]
		}
	}
	return s, nil
}

func setupLogger(s config.Settings) *slog.Logger {
	l := logger.New(os.Stderr, logger.ParseLevel(s.LogLevel))
	logger.SetDefault(l)
	slog.SetDefault(l)
	return l
}

// clientConfig maps CLI settings onto a client configuration.
func clientConfig(s config.Settings, l *slog.Logger, m *metrics.Metrics) client.Config {
	return client.Config{
		Logger:             l,
		Metrics:            m,
		Host:               s.Host,
		Group:              s.Group,
		Token:              s.Token,
		Login:              s.Login,
		Password:           s.Password,
		MFAToken:           s.MFAToken,
		HTTPProxy:          s.HTTPProxy,
		PingInterval:       s.PingInterval,
		MaxReconnectDelay:  s.MaxReconnectDelay,
		RateLimit:          s.RateLimit,
		RateBurst:          s.RateBurst,
		WSSPort:            s.WSSPort,
		HTTPPort:           s.HTTPPort,
		MaxAuthFailures:    s.MaxAuthFailures,
		DisableTLS:         !s.UseTLS,
		InsecureSkipVerify: !s.TLSVerify,
		NoReconnect:        s.NoReconnect,
	}
}

func runListen(ctx context.Context, s config.Settings, names []string, verbose bool, w io.Writer) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l := setupLogger(s)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if s.MetricsAddr != "" {
		srv := serveMetrics(s.MetricsAddr, reg, l)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				l.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	c, err := client.New(clientConfig(s, l, m))
	if err != nil {
		return err
	}
	defer c.Stop()

	sub := c.Subscribe(0, names...)
	defer sub.Close()
	if err := c.Start(ctx); err != nil {
		return err
	}
	l.Info("listening", "host", s.Host, "events", names)

	for {
		select {
		case <-ctx.Done():
			l.Info("interrupt")
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := printEvent(w, ev, verbose); err != nil {
				return err
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, l *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		l.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func runPost(ctx context.Context, s config.Settings, channelID, text string, w io.Writer) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.NoReconnect = true
	c, err := client.New(clientConfig(s, setupLogger(s), nil))
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	if err := waitForLogin(ctx, c); err != nil {
		return err
	}

	posts, err := c.PostMessage(ctx, channelID, text)
	for _, p := range posts {
		if _, werr := fmt.Fprintln(w, p.Id); werr != nil {
			return werr
		}
	}
	return err
}

// waitForLogin starts c and blocks until the login succeeds, the server
// rejects the credentials, or ctx ends.
func waitForLogin(ctx context.Context, c *client.Client) error {
	sub := c.Subscribe(0, client.EventLoggedIn, client.EventError)
	defer sub.Close()
	if err := c.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login: %w", ctx.Err())
		case ev, ok := <-sub.C:
			if !ok {
				return client.ErrStopped
			}
			if ev.Name == client.EventLoggedIn {
				return nil
			}
			var authErr *client.AuthenticationError
			if err, isErr := ev.Payload.(error); isErr && errors.As(err, &authErr) {
				return authErr
			}
		}
	}
}

// messageText returns arg, or all of stdin when arg is "-".
func messageText(arg string, stdin io.Reader) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printEvent writes one event: a single line, or the full payload as JSON
// when verbose.
func printEvent(w io.Writer, ev events.Event, verbose bool) error {
	ts := ev.Time.Format("15:04:05")
	if verbose {
		body, err := json.MarshalIndent(ev.Payload, "  ", "  ")
		if err != nil {
			body = fmt.Appendf(nil, "%v", ev.Payload)
		}
		_, err = fmt.Fprintf(w, "\n=== %s at %s ===\n  %s\n", ev.Name, ts, body)
		return err
	}
	_, err := fmt.Fprintf(w, "[%s] %s: %s\n", ts, ev.Name, summarize(ev.Payload))
	return err
}

// summarize renders the interesting part of an event payload on one line.
func summarize(payload any) string {
	switch p := payload.(type) {
	case *client.Message:
		text := ""
		if p.Post != nil {
			text = p.Post.Message
		}
		channel := p.ChannelDisplayName
		if channel == "" {
			channel = p.ChannelName
		}
		return fmt.Sprintf("%s in %s: %s", p.SenderName, channel, text)
	case *client.SocketEvent:
		if p.Event == "" {
			return fmt.Sprintf("reply to %d (%s)", p.SeqReply, p.Status)
		}
		return p.Event
	case error:
		return p.Error()
	case nil:
		return "-"
	case *model.User:
		return "@" + p.Username
	case []*model.User:
		return fmt.Sprintf("%d users", len(p))
	case []*model.Channel:
		return fmt.Sprintf("%d channels", len(p))
	case []*model.Team:
		return fmt.Sprintf("%d teams", len(p))
	case model.Preferences:
		return fmt.Sprintf("%d preferences", len(p))
	default:
		return fmt.Sprintf("%T", p)
	}
}
