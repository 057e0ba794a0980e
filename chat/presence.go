// Package chat counts unique chatters per monitored channel over Twitch IRC.
//
// The tracker joins a channel's chat when it goes live and parts when it
// goes offline; the session recorder harvests the distinct-chatter count at
// close via CountAndReset. An anonymous IRC connection is enough for
// reading; set TWITCH_BOT_USERNAME and TWITCH_BOT_TOKEN to connect as a
// bot account instead.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Presence tracks distinct chatters per channel since the last harvest.
type Presence struct {
	client *twitch.Client

	mu       sync.Mutex
	chatters map[string]map[string]struct{} // channel login -> user set
	joined   map[string]bool
}

// New builds a Presence with its own IRC client. username and token may be
// empty for an anonymous read-only connection.
func New(username, token string) *Presence {
	var client *twitch.Client
	if username != "" && token != "" {
		client = twitch.NewClient(username, token)
	} else {
		client = twitch.NewAnonymousClient()
	}
	p := &Presence{
		client:   client,
		chatters: make(map[string]map[string]struct{}),
		joined:   make(map[string]bool),
	}
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		p.observe(msg.Channel, msg.User.Name)
	})
	return p
}

// Run connects the IRC client and blocks until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := p.client.Disconnect(); err != nil {
			slog.Debug("chat disconnect", slog.String("component", "chat"), slog.Any("err", err))
		}
		close(done)
	}()
	if err := p.client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error", slog.String("component", "chat"), slog.Any("err", err))
	}
	<-done
}

// Join subscribes to a channel's chat. Idempotent.
func (p *Presence) Join(login string) {
	login = strings.ToLower(login)
	p.mu.Lock()
	already := p.joined[login]
	p.joined[login] = true
	if p.chatters[login] == nil {
		p.chatters[login] = make(map[string]struct{})
	}
	p.mu.Unlock()
	if !already {
		p.client.Join(login)
		slog.Debug("joined chat", slog.String("component", "chat"), slog.String("channel", login))
	}
}

// Part leaves a channel's chat, keeping the counted set for the final
// harvest at session close.
func (p *Presence) Part(login string) {
	login = strings.ToLower(login)
	p.mu.Lock()
	joined := p.joined[login]
	delete(p.joined, login)
	p.mu.Unlock()
	if joined {
		p.client.Depart(login)
		slog.Debug("parted chat", slog.String("component", "chat"), slog.String("channel", login))
	}
}

// CountAndReset returns how many distinct chatters were seen in the channel
// since the last call and clears the set.
func (p *Presence) CountAndReset(login string) int {
	login = strings.ToLower(login)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.chatters[login])
	delete(p.chatters, login)
	return n
}

func (p *Presence) observe(channel, user string) {
	channel = strings.ToLower(channel)
	user = strings.ToLower(user)
	p.mu.Lock()
	set := p.chatters[channel]
	if set == nil {
		set = make(map[string]struct{})
		p.chatters[channel] = set
	}
	set[user] = struct{}{}
	p.mu.Unlock()
}
