// Package client is a Mattermost API v4 client for a single user.
//
// The client handles:
//   - Login with credentials or a personal access token
//   - Loading the user's teams, preferences, users and channels
//   - A WebSocket connection with heartbeats and linear-backoff reconnects
//   - Republishing socket events to subscribers
//   - Posting long messages as several posts
//
// Basic usage:
//
//	c, err := client.New(client.Config{
//	    Host:  "chat.example.com",
//	    Group: "engineering",
//	    Token: "personal-access-token",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
//	sub := c.Subscribe(0, client.EventMessage)
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range sub.C {
//	    msg := ev.Payload.(*client.Message)
//	    fmt.Println(msg.SenderName, msg.Post.Message)
//	}
//
// All session state lives on one goroutine. REST completions, socket frames
// and timers are queued to it in arrival order, and the public accessors
// read state through the same queue.
//
// To disable logging or customize output:
//
//	// Silence all logs
//	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
package client
