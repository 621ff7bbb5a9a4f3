package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/codeGROOVE-dev/mmclient/pkg/rest"
)

var errNullBody = errors.New("empty response body")

// decode unmarshals a completed request's body into v. A null body is an error.
func decode(resp *rest.Response, err error, v any) error {
	if err != nil {
		return err
	}
	if resp.IsNull() {
		return errNullBody
	}
	return resp.Decode(v)
}

func (c *Client) login(loginID, password, mfaToken string) {
	c.session.personalToken = false
	c.session.loginID = loginID
	c.session.password = password
	c.session.mfaToken = mfaToken
	c.logger.Info("logging in", "login_id", loginID)
	c.call(http.MethodPost, "/users/login", map[string]string{
		"login_id": loginID,
		"password": password,
		"token":    mfaToken,
	}, c.onLogin)
}

func (c *Client) tokenLogin(token string) {
	c.session.token = token
	c.session.personalToken = true
	c.api.SetToken(token)
	c.logger.Info("logging in with personal access token")
	c.call(http.MethodGet, "/users/me", nil, c.onLogin)
}

func (c *Client) onLogin(resp *rest.Response, err error) {
	if err == nil && resp.IsNull() {
		c.logger.Error("login returned no user")
		c.emit(EventError, nil)
		c.session.authenticated = false
		c.session.reconnecting = false
		c.reconnect()
		return
	}

	user := &model.User{}
	if err := decode(resp, err, user); err != nil || user.Id == "" {
		c.logger.Error("login call failed", "error", err)
		c.session.authenticated = false
		if c.authRejected(err) {
			return
		}
		c.session.reconnecting = false
		c.reconnect()
		return
	}

	c.session.authenticated = true
	c.session.authFailures = 0
	if !c.session.personalToken {
		c.session.token = resp.Header.Get("Token")
		c.api.SetToken(c.session.token)
	}
	c.session.socketURL = SocketURL(c.cfg.Host, !c.cfg.DisableTLS, c.cfg.WSSPort, c.cfg.HTTPPort)
	c.logger.Info("logged in", "user", user.Username, "socket_url", c.session.socketURL)
	c.self = user
	c.emit(EventLoggedIn, user)

	c.getMe()
	c.getPreferences()
	c.getTeams()
}

// authRejected counts consecutive 401 login responses and reports whether
// the client has given up.
func (c *Client) authRejected(err error) bool {
	if !isUnauthorized(err) {
		c.session.authFailures = 0
		return false
	}
	c.session.authFailures++
	limit := c.cfg.MaxAuthFailures
	if limit <= 0 || c.session.authFailures < limit {
		return false
	}

	c.logger.Error("giving up after repeated authentication failures", "failures", c.session.authFailures)
	c.session.autoReconnect = false
	c.stopHeartbeat()
	c.stopReconnecting()
	c.emit(EventError, &AuthenticationError{Err: err, Failures: c.session.authFailures})
	return true
}

func (c *Client) getMe() {
	c.call(http.MethodGet, "/users/me", nil, c.onMe)
}

func (c *Client) getPreferences() {
	c.call(http.MethodGet, "/users/me/preferences", nil, c.onPreferences)
}

func (c *Client) getTeams() {
	c.call(http.MethodGet, "/users/me/teams", nil, c.onTeams)
}

func (c *Client) onMe(resp *rest.Response, err error) {
	me := &model.User{}
	if err := decode(resp, err, me); err != nil {
		c.logger.Error("failed to load me", "error", err)
		c.reconnect()
		return
	}
	c.me = me
	c.emit(EventMeLoaded, me)
	c.logger.Info("loaded me")
}

func (c *Client) onPreferences(resp *rest.Response, err error) {
	var prefs model.Preferences
	if err := decode(resp, err, &prefs); err != nil {
		c.logger.Error("failed to load preferences", "error", err)
		c.reconnect()
		return
	}
	c.preferences = prefs
	c.emit(EventPreferencesLoaded, prefs)
	c.logger.Info("loaded preferences", "count", len(prefs))
}

// onTeams stores the team list, resolves the configured group, then loads
// users and channels and connects the socket.
func (c *Client) onTeams(resp *rest.Response, err error) {
	var teams []*model.Team
	if err := decode(resp, err, &teams); err != nil {
		c.logger.Error("failed to load teams", "error", err)
		c.reconnect()
		return
	}
	c.teams = teams
	c.emit(EventTeamsLoaded, teams)
	c.logger.Info("found teams", "count", len(teams))

	for _, t := range teams {
		c.logger.Debug("testing team", "name", t.Name, "group", c.cfg.Group)
		if strings.EqualFold(t.Name, c.cfg.Group) {
			c.logger.Info("found team", "id", t.Id)
			c.teamID = t.Id
			break
		}
	}

	first := 0
	c.loadUsers(&first)
	c.loadChannels()
	c.connect()
}

// loadUsers fetches one page of the team's users. With a page index, pages
// are followed until an empty one.
func (c *Client) loadUsers(page *int) {
	n := 0
	if page != nil {
		n = *page
	}
	path := fmt.Sprintf("/users?page=%d&per_page=%d&in_team=%s", n, usersPerPage, c.teamID)
	c.call(http.MethodGet, path, nil, func(resp *rest.Response, err error) {
		c.onLoadUsers(resp, err, page)
	})
}

func (c *Client) onLoadUsers(resp *rest.Response, err error, page *int) {
	var users []*model.User
	if err := decode(resp, err, &users); err != nil {
		c.logger.Error("failed to load profiles", "error", err)
		c.emit(EventError, &LoadError{Msg: "failed to load profiles", Err: err})
		return
	}
	c.mergeUsers(users)
	c.logger.Info("found profiles", "count", len(users))
	c.emit(EventProfilesLoaded, users)

	if len(users) > 0 && page != nil {
		next := *page + 1
		c.loadUsers(&next)
	}
}

// loadUser fetches a single user into the directory.
func (c *Client) loadUser(id string) {
	c.call(http.MethodGet, "/users/"+id, nil, c.onLoadUser)
}

func (c *Client) onLoadUser(resp *rest.Response, err error) {
	user := &model.User{}
	if err := decode(resp, err, user); err != nil || user.Id == "" {
		c.logger.Debug("failed to load user", "error", err)
		return
	}
	c.mergeUsers([]*model.User{user})
	c.emit(EventProfilesLoaded, []*model.User{user})
}

func (c *Client) loadChannels() {
	c.call(http.MethodGet, c.teamRoute()+"/channels", nil, c.onChannels)
}

func (c *Client) onChannels(resp *rest.Response, err error) {
	var channels []*model.Channel
	if err := decode(resp, err, &channels); err != nil {
		c.logger.Error("failed to get subscribed channels", "error", err)
		c.emit(EventError, &LoadError{Msg: "failed to get channel list", Err: err})
		return
	}
	c.mergeChannels(channels)
	c.logger.Info("found subscribed channels", "count", len(channels))
	c.emit(EventChannelsLoaded, channels)
}
