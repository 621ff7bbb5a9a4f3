package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/codeGROOVE-dev/mmclient/pkg/rest"
)

// Outgoing is a message to post.
type Outgoing struct {
	Props   model.StringInterface
	Message string
	FileIDs []string
}

// requireSelf returns the logged-in user or ErrNotLoggedIn.
func (c *Client) requireSelf(ctx context.Context) (*model.User, error) {
	var u *model.User
	if err := c.do(ctx, func() { u = c.self }); err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotLoggedIn
	}
	return u, nil
}

// PostMessage posts text to a channel, split into as many posts as needed.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) ([]*model.Post, error) {
	return c.PostMessageWith(ctx, channelID, Outgoing{Message: text})
}

// PostMessageWith posts a message with props and attached files. Only the
// first post of a split message carries the files.
func (c *Client) PostMessageWith(ctx context.Context, channelID string, msg Outgoing) ([]*model.Post, error) {
	self, err := c.requireSelf(ctx)
	if err != nil {
		return nil, err
	}
	fileIDs := model.StringArray{}
	if len(msg.FileIDs) > 0 {
		fileIDs = model.StringArray(msg.FileIDs)
	}
	post := &model.Post{
		Message:   msg.Message,
		FileIds:   fileIDs,
		UserId:    self.Id,
		ChannelId: channelID,
		Props:     msg.Props,
	}
	return c.CustomMessage(ctx, post, channelID)
}

// CustomMessage posts an arbitrary post body to a channel. A message longer
// than MaxMessageRunes is sent as consecutive posts; each is sent only after
// the server accepted the previous one. On error the posts created so far
// are returned with it.
func (c *Client) CustomMessage(ctx context.Context, post *model.Post, channelID string) ([]*model.Post, error) {
	var created []*model.Post
	text := post.Message
	next := post.Clone()
	for {
		chunks := ChunkMessage(text)
		next.Message = chunks[0]
		next.ChannelId = channelID

		resp, err := c.api.Do(ctx, http.MethodPost, "/posts", next)
		if err != nil {
			return created, fmt.Errorf("create post: %w", err)
		}
		out := &model.Post{}
		if err := resp.Decode(out); err != nil {
			return created, err
		}
		created = append(created, out)
		c.metrics.PostCreated()
		c.logger.Debug("posted message", "post_id", out.Id, "remaining_chunks", len(chunks)-1)

		if len(chunks) == 1 {
			return created, nil
		}
		text = strings.Join(chunks[1:], "")
		next = next.Clone()
		next.FileIds = model.StringArray{}
	}
}

// EditPost replaces the message of an existing post.
func (c *Client) EditPost(ctx context.Context, postID, text string) (*model.Post, error) {
	resp, err := c.api.Do(ctx, http.MethodPut, "/posts/"+postID, map[string]string{
		"id":      postID,
		"message": text,
	})
	if err != nil {
		return nil, fmt.Errorf("edit post: %w", err)
	}
	post := &model.Post{}
	if err := resp.Decode(post); err != nil {
		return nil, err
	}
	c.logger.Debug("edited post", "post_id", postID)
	return post, nil
}

// UploadFile uploads r as a file attachment for channelID. Pass the returned
// file ids in Outgoing.FileIDs to attach them to a post.
func (c *Client) UploadFile(ctx context.Context, channelID, name string, r io.Reader) (*model.FileUploadResponse, error) {
	resp, err := c.api.Upload(ctx, "/files", rest.Form{
		Fields: map[string][]string{
			"channel_id": {channelID},
			"client_ids": {uuid.NewString()},
		},
		Files: []rest.File{{Name: name, Content: r}},
	})
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	out := &model.FileUploadResponse{}
	if err := resp.Decode(out); err != nil {
		return nil, err
	}
	c.logger.Debug("uploaded file", "name", name, "files", len(out.FileInfos))
	return out, nil
}

// React adds an emoji reaction from the logged-in user to a post.
func (c *Client) React(ctx context.Context, postID, emoji string) (*model.Reaction, error) {
	self, err := c.requireSelf(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Do(ctx, http.MethodPost, "/reactions", &model.Reaction{
		UserId:    self.Id,
		PostId:    postID,
		EmojiName: emoji,
	})
	if err != nil {
		return nil, fmt.Errorf("react: %w", err)
	}
	out := &model.Reaction{}
	if err := resp.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Unreact removes the logged-in user's emoji reaction from a post.
func (c *Client) Unreact(ctx context.Context, postID, emoji string) error {
	path := "/users/me/posts/" + url.PathEscape(postID) + "/reactions/" + url.PathEscape(emoji)
	if _, err := c.api.Do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("unreact: %w", err)
	}
	return nil
}

// CreateDirectChannel creates (or returns the existing) direct channel with
// userID and adds it to the channel directory.
func (c *Client) CreateDirectChannel(ctx context.Context, userID string) (*model.Channel, error) {
	self, err := c.requireSelf(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Do(ctx, http.MethodPost, "/channels/direct", []string{userID, self.Id})
	if err != nil {
		return nil, fmt.Errorf("create direct channel: %w", err)
	}
	ch := &model.Channel{}
	if err := resp.Decode(ch); err != nil {
		return nil, err
	}
	c.logger.Info("created direct channel", "channel_id", ch.Id)
	if err := c.do(ctx, func() { c.mergeChannels([]*model.Channel{ch}) }); err != nil {
		return ch, err
	}
	return ch, nil
}

// DirectMessageChannel returns the direct channel with userID from the
// directory, creating it when neither name ordering is known.
func (c *Client) DirectMessageChannel(ctx context.Context, userID string) (*model.Channel, error) {
	var ch *model.Channel
	var loggedIn bool
	err := c.do(ctx, func() {
		if c.self == nil {
			return
		}
		loggedIn = true
		for _, name := range directChannelNames(c.self.Id, userID) {
			if ch = c.findChannelByName(name); ch != nil {
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if !loggedIn {
		return nil, ErrNotLoggedIn
	}
	if ch != nil {
		return ch, nil
	}
	return c.CreateDirectChannel(ctx, userID)
}

// OpenDialog opens an interactive dialog in response to a trigger id.
func (c *Client) OpenDialog(ctx context.Context, triggerID, dialogURL string, dialog model.Dialog) error {
	_, err := c.api.Do(ctx, http.MethodPost, "/actions/dialogs/open", &model.OpenDialogRequest{
		TriggerId: triggerID,
		URL:       dialogURL,
		Dialog:    dialog,
	})
	if err != nil {
		return fmt.Errorf("open dialog: %w", err)
	}
	return nil
}

// ExecuteCommand runs a slash command in a channel.
func (c *Client) ExecuteCommand(ctx context.Context, channelID, command string) (*model.CommandResponse, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, "/commands/execute", map[string]string{
		"command":    command,
		"channel_id": channelID,
	})
	if err != nil {
		return nil, fmt.Errorf("execute command: %w", err)
	}
	out := &model.CommandResponse{}
	if err := resp.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetChannelHeader changes a channel's header.
func (c *Client) SetChannelHeader(ctx context.Context, channelID, header string) (*model.Channel, error) {
	resp, err := c.api.Do(ctx, http.MethodPut, "/channels/"+url.PathEscape(channelID)+"/patch", &model.ChannelPatch{
		Header: &header,
	})
	if err != nil {
		return nil, fmt.Errorf("set channel header: %w", err)
	}
	ch := &model.Channel{}
	if err := resp.Decode(ch); err != nil {
		return nil, err
	}
	if err := c.do(ctx, func() { c.mergeChannels([]*model.Channel{ch}) }); err != nil {
		return ch, err
	}
	return ch, nil
}
