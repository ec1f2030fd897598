// ABOUTME: Command handling for the aura-chat terminal client
// ABOUTME: Maps slash commands onto the request client, realtime channel and synchronizer

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/2389/aura-chat/internal/api"
	"github.com/2389/aura-chat/internal/chat"
	"github.com/2389/aura-chat/internal/chaterr"
	"github.com/2389/aura-chat/internal/model"
	"github.com/2389/aura-chat/internal/realtime"
	"github.com/2389/aura-chat/internal/session"
)

// errQuit ends the input loop.
var errQuit = errors.New("quit")

type app struct {
	client *api.Client
	ch     *realtime.Channel
	sync   *chat.Synchronizer
	store  *session.Store
	view   *view

	watchID string
	stateID string
}

func newApp(client *api.Client, ch *realtime.Channel, syncer *chat.Synchronizer, store *session.Store, out io.Writer) *app {
	a := &app{
		client: client,
		ch:     ch,
		sync:   syncer,
		store:  store,
		view:   newView(out, store.UserID),
	}
	a.watchID = syncer.Watch(a.view.render)
	a.stateID = ch.WatchState(a.onState)
	return a
}

func (a *app) detach() {
	a.sync.Unwatch(a.watchID)
	a.ch.UnwatchState(a.stateID)
}

// resume connects with a stored credential, if any.
func (a *app) resume() {
	cred, ok := a.store.Get()
	if !ok {
		a.view.info("Not logged in. Use /login <username> <password> or /register.")
		return
	}
	if err := session.CheckToken(cred.Token, timeNow()); err != nil {
		a.view.warn("Stored session expired. Please /login again.")
		return
	}
	a.connect(cred.Token)
	a.view.info("Resumed session for user %s", cred.UserID)
}

func (a *app) connect(token string) {
	if err := a.ch.Connect(token); err != nil {
		a.view.fail(err)
	}
}

func (a *app) onState(state realtime.State, err error) {
	if state == realtime.StateDisconnected && errors.Is(err, chaterr.ErrAuthentication) {
		a.view.warn("Live updates stopped: session rejected. Please /login again.")
	}
}

func (a *app) loop(ctx context.Context, lines <-chan string) error {
	a.view.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := a.handle(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				a.view.fail(err)
			}
			a.view.prompt()
		}
	}
}

// handle runs one line of input.
func (a *app) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return a.send(ctx, model.Draft{Text: line})
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "/quit", "/exit", "/q":
		return errQuit
	case "/help":
		a.view.help()
		return nil
	case "/login":
		return a.login(ctx, args)
	case "/register":
		return a.register(ctx, args)
	case "/logout":
		return a.logout()
	case "/me":
		return a.me(ctx)
	case "/users":
		return a.users(ctx)
	case "/profile":
		return a.profile(ctx, args)
	case "/open":
		return a.open(ctx, args)
	case "/close":
		a.sync.Close()
		a.view.info("Conversation closed.")
		return nil
	case "/image":
		if len(args) == 0 {
			return fmt.Errorf("%w: usage /image <url> [caption]", chaterr.ErrInvalidArgument)
		}
		return a.send(ctx, model.Draft{ImageURL: args[0], Text: strings.Join(args[1:], " ")})
	case "/resync":
		return a.sync.Resync(ctx)
	default:
		return fmt.Errorf("%w: unknown command %s (try /help)", chaterr.ErrInvalidArgument, cmd)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: usage /login <username> <password>", chaterr.ErrInvalidArgument)
	}
	res, err := a.client.Login(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	a.connect(res.Token)
	a.view.info("Logged in as %s", args[0])
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: usage /register <username> <password> [first] [last] [avatar-url]", chaterr.ErrInvalidArgument)
	}
	reg := model.Registration{Username: args[0], Password: args[1]}
	if len(args) > 2 {
		reg.FirstName = args[2]
	}
	if len(args) > 3 {
		reg.LastName = args[3]
	}
	if len(args) > 4 {
		reg.AvatarImage = args[4]
	}

	res, err := a.client.Register(ctx, reg)
	if err != nil {
		return err
	}
	a.connect(res.Token)
	a.view.info("Registered and logged in as %s", reg.Username)
	return nil
}

func (a *app) logout() error {
	a.sync.Close()
	a.ch.Disconnect()
	if err := a.store.Clear(); err != nil {
		return err
	}
	a.view.info("Logged out.")
	return nil
}

func (a *app) me(ctx context.Context) error {
	u, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	a.view.user(u)
	return nil
}

func (a *app) users(ctx context.Context) error {
	users, err := a.client.ListUsers(ctx)
	if err != nil {
		return err
	}
	a.view.contacts(users, a.store.UserID())
	return nil
}

// profile applies key=value pairs: username, first, last, avatar.
func (a *app) profile(ctx context.Context, args []string) error {
	var upd model.ProfileUpdate
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || value == "" {
			return fmt.Errorf("%w: expected key=value, got %q", chaterr.ErrInvalidArgument, arg)
		}
		switch key {
		case "username":
			upd.Username = value
		case "first":
			upd.FirstName = value
		case "last":
			upd.LastName = value
		case "avatar":
			upd.AvatarImage = value
		default:
			return fmt.Errorf("%w: unknown profile field %q", chaterr.ErrInvalidArgument, key)
		}
	}

	u, err := a.client.UpdateProfile(ctx, upd)
	if err != nil {
		return err
	}
	a.view.user(u)
	return nil
}

func (a *app) open(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage /open <username>", chaterr.ErrInvalidArgument)
	}

	users, err := a.client.ListUsers(ctx)
	if err != nil {
		return err
	}
	var target *model.UserSummary
	for i := range users {
		if strings.EqualFold(users[i].Username, args[0]) {
			target = &users[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: no user named %s", chaterr.ErrNotFound, args[0])
	}

	_, err = a.sync.OpenWith(ctx, target.ID)
	return err
}

func (a *app) send(ctx context.Context, draft model.Draft) error {
	_, err := a.sync.Send(ctx, draft)
	if errors.Is(err, chat.ErrNotOpen) {
		return fmt.Errorf("%w (use /open <username>)", err)
	}
	return err
}
