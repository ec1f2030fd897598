// ABOUTME: Terminal rendering for aura-chat: timeline updates, contacts and status lines
// ABOUTME: Prints each message once per open conversation, in timeline order as it arrives

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/aura-chat/internal/chat"
	"github.com/2389/aura-chat/internal/model"
)

var timeNow = time.Now

type view struct {
	mu   sync.Mutex
	out  io.Writer
	self func() string

	conv     string
	status   chat.Status
	degraded bool
	shown    map[string]bool

	mine   *color.Color
	theirs *color.Color
	dim    *color.Color
	warnC  *color.Color
	errC   *color.Color
	head   *color.Color
}

func newView(out io.Writer, self func() string) *view {
	return &view{
		out:      out,
		self:     self,
		degraded: true,
		shown:    make(map[string]bool),
		mine:     color.New(color.FgGreen),
		theirs:   color.New(color.FgBlue, color.Bold),
		dim:      color.New(color.FgHiBlack),
		warnC:    color.New(color.FgYellow),
		errC:     color.New(color.FgRed),
		head:     color.New(color.FgCyan, color.Bold),
	}
}

// render receives every synchronizer snapshot.
func (v *view) render(snap chat.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if snap.ConversationID != v.conv {
		v.conv = snap.ConversationID
		v.shown = make(map[string]bool)
	}
	if snap.Status == chat.StatusOpen && v.status != chat.StatusOpen {
		v.head.Fprintf(v.out, "\n── %s (@%s) ──\n", snap.Peer.DisplayName(), snap.Peer.Username)
		if len(snap.Messages) == 0 {
			v.dim.Fprintln(v.out, "No messages yet. Say hi!")
		}
	}
	v.status = snap.Status

	if snap.Status == chat.StatusOpen {
		for _, m := range snap.Messages {
			if v.shown[m.ID] {
				continue
			}
			v.shown[m.ID] = true
			v.messageLocked(m, snap.Peer)
		}
	}

	if snap.Degraded != v.degraded {
		v.degraded = snap.Degraded
		if snap.Degraded {
			v.warnC.Fprintln(v.out, "⟳ reconnecting… (sending still works)")
		} else {
			v.dim.Fprintln(v.out, "● live")
		}
	}
}

func (v *view) messageLocked(m model.Message, peer model.UserSummary) {
	stamp := m.CreatedAt.Local().Format("15:04")
	name := peer.DisplayName()
	c := v.theirs
	if m.SenderID == v.self() {
		name = "you"
		c = v.mine
	}

	v.dim.Fprintf(v.out, "%s ", stamp)
	c.Fprintf(v.out, "%s", name)
	fmt.Fprint(v.out, ": ")

	var parts []string
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	if m.ImageURL != "" {
		parts = append(parts, v.dim.Sprintf("[image] %s", m.ImageURL))
	}
	fmt.Fprintln(v.out, strings.Join(parts, " "))
}

func (v *view) prompt() {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprint(v.out, "> ")
}

func (v *view) info(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dim.Fprintf(v.out, format+"\n", args...)
}

func (v *view) warn(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.warnC.Fprintf(v.out, format+"\n", args...)
}

func (v *view) fail(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errC.Fprintf(v.out, "[error] %v\n", err)
}

func (v *view) user(u model.UserSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "%s (@%s)\n", u.DisplayName(), u.Username)
	if u.AvatarImage != "" {
		v.dim.Fprintf(v.out, "  avatar: %s\n", u.AvatarImage)
	}
}

func (v *view) contacts(users []model.UserSummary, self string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(users) == 0 {
		fmt.Fprintln(v.out, "No users yet")
		return
	}
	fmt.Fprintln(v.out, "Users:")
	for _, u := range users {
		if u.ID == self {
			continue
		}
		fmt.Fprintf(v.out, "  @%-16s %s\n", u.Username, u.DisplayName())
	}
}

func (v *view) help() {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, "Commands:")
	fmt.Fprintln(v.out, "  /login <user> <pass>                Log in")
	fmt.Fprintln(v.out, "  /register <user> <pass> [first] [last] [avatar]")
	fmt.Fprintln(v.out, "  /logout                             Log out and forget the session")
	fmt.Fprintln(v.out, "  /me                                 Show your profile")
	fmt.Fprintln(v.out, "  /profile key=value ...              Update username, first, last or avatar")
	fmt.Fprintln(v.out, "  /users                              List contacts")
	fmt.Fprintln(v.out, "  /open <username>                    Open the conversation with a contact")
	fmt.Fprintln(v.out, "  /image <url> [caption]              Send an image")
	fmt.Fprintln(v.out, "  /resync                             Refetch the open conversation")
	fmt.Fprintln(v.out, "  /close                              Close the conversation")
	fmt.Fprintln(v.out, "  /quit                               Exit")
	fmt.Fprintln(v.out, "Anything else is sent as a message.")
}
