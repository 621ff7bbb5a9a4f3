package client

import (
	"encoding/json"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mitchellh/mapstructure"
)

// Names of the events published on the client's bus. Informational socket
// events are published under their own socket event name.
const (
	EventRawMessage        = "raw_message"
	EventPing              = "ping"
	EventMessage           = "message"
	EventConnected         = "connected"
	EventClose             = "close"
	EventError             = "error"
	EventLoggedIn          = "loggedIn"
	EventMeLoaded          = "meLoaded"
	EventPreferencesLoaded = "preferencesLoaded"
	EventTeamsLoaded       = "teamsLoaded"
	EventProfilesLoaded    = "profilesLoaded"
	EventChannelsLoaded    = "channelsLoaded"
	EventNewUser           = "new_user"
)

// EventKind classifies an inbound socket event by name.
type EventKind int

const (
	KindOther EventKind = iota
	KindPing
	KindPosted
	KindInformational
	KindNewUser
)

func (k EventKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPosted:
		return "posted"
	case KindInformational:
		return "informational"
	case KindNewUser:
		return "new_user"
	default:
		return "other"
	}
}

// informational events are republished verbatim with no client-side handling.
var informational = map[string]struct{}{
	"added_to_team":            {},
	"authentication_challenge": {},
	"channel_converted":        {},
	"channel_created":          {},
	"channel_deleted":          {},
	"channel_member_updated":   {},
	"channel_updated":          {},
	"channel_viewed":           {},
	"config_changed":           {},
	"delete_team":              {},
	"ephemeral_message":        {},
	"hello":                    {},
	"typing":                   {},
	"post_edit":                {},
	"post_deleted":             {},
	"preference_changed":       {},
	"user_added":               {},
	"user_removed":             {},
	"user_role_updated":        {},
	"user_updated":             {},
	"status_change":            {},
	"webrtc":                   {},
}

// KindOf returns the kind of a socket event name.
func KindOf(event string) EventKind {
	switch event {
	case "ping":
		return KindPing
	case "posted":
		return KindPosted
	case "new_user":
		return KindNewUser
	}
	if _, ok := informational[event]; ok {
		return KindInformational
	}
	return KindOther
}

// SocketEvent is an inbound WebSocket frame. Replies to frames the client sent
// carry SeqReply and usually no Event.
type SocketEvent struct {
	Data      map[string]any `json:"data,omitempty"`
	Broadcast map[string]any `json:"broadcast,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
	Event     string         `json:"event,omitempty"`
	Status    string         `json:"status,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	SeqReply  int64          `json:"seq_reply,omitempty"`
}

// Kind returns the event's kind.
func (e *SocketEvent) Kind() EventKind {
	return KindOf(e.Event)
}

// Text returns data.text, which the server sets to "pong" on ping replies.
func (e *SocketEvent) Text() string {
	s, _ := e.Data["text"].(string)
	return s
}

// UserID returns data.user_id.
func (e *SocketEvent) UserID() string {
	s, _ := e.Data["user_id"].(string)
	return s
}

// Message is a "posted" event with its post decoded.
type Message struct {
	Post               *model.Post
	Event              *SocketEvent
	ChannelDisplayName string
	ChannelName        string
	ChannelType        string
	SenderName         string
	TeamID             string
	Mentions           []string
}

// postedData mirrors the data map of a posted event; post and mentions
// arrive as JSON strings.
type postedData struct {
	ChannelDisplayName string `mapstructure:"channel_display_name"`
	ChannelName        string `mapstructure:"channel_name"`
	ChannelType        string `mapstructure:"channel_type"`
	SenderName         string `mapstructure:"sender_name"`
	TeamID             string `mapstructure:"team_id"`
	Post               string `mapstructure:"post"`
	Mentions           string `mapstructure:"mentions"`
}

// decodeMessage builds a Message from a posted event. On error the returned
// Message still carries the event and whatever fields decoded.
func decodeMessage(ev *SocketEvent) (*Message, error) {
	var raw postedData
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return &Message{Event: ev}, fmt.Errorf("decoder: %w", err)
	}
	if err := dec.Decode(ev.Data); err != nil {
		return &Message{Event: ev}, fmt.Errorf("decode posted data: %w", err)
	}

	msg := Message{
		Event:              ev,
		ChannelDisplayName: raw.ChannelDisplayName,
		ChannelName:        raw.ChannelName,
		ChannelType:        raw.ChannelType,
		SenderName:         raw.SenderName,
		TeamID:             raw.TeamID,
	}
	if raw.Post != "" {
		post := &model.Post{}
		if err := json.Unmarshal([]byte(raw.Post), post); err != nil {
			return &msg, fmt.Errorf("decode post: %w", err)
		}
		msg.Post = post
	}
	if raw.Mentions != "" {
		if err := json.Unmarshal([]byte(raw.Mentions), &msg.Mentions); err != nil {
			return &msg, fmt.Errorf("decode mentions: %w", err)
		}
	}
	return &msg, nil
}

// onFrame handles one inbound frame from link l.
func (c *Client) onFrame(l *link, data []byte) {
	if l != c.link {
		return
	}
	ev := &SocketEvent{}
	if err := json.Unmarshal(data, ev); err != nil {
		c.logger.Warn("discarding malformed frame", "conn", l.id, "error", err)
		return
	}
	c.metrics.EventReceived(ev.Event)
	if ev.SeqReply != 0 {
		c.release(ev.SeqReply)
	}
	c.dispatch(ev)
}

// dispatch republishes a socket event according to its kind.
func (c *Client) dispatch(ev *SocketEvent) {
	c.emit(EventRawMessage, ev)

	switch ev.Kind() {
	case KindPing:
		c.logger.Debug("ack ping")
		c.session.lastPong = c.clock.Now()
		c.emit(EventPing, ev)
	case KindPosted:
		msg, err := decodeMessage(ev)
		if err != nil {
			c.logger.Warn("posted event only partially decoded", "error", err)
		}
		c.emit(EventMessage, msg)
	case KindInformational:
		c.emit(ev.Event, ev)
	case KindNewUser:
		if id := ev.UserID(); id != "" {
			c.loadUser(id)
		}
		c.emit(EventNewUser, ev)
	default:
		if ev.Text() == "pong" {
			c.logger.Debug("ack pong")
			c.session.lastPong = c.clock.Now()
			c.emit(EventPing, ev)
			return
		}
		c.logger.Debug("unhandled socket event", "event", ev.Event, "status", ev.Status, "seq_reply", ev.SeqReply)
	}
}
