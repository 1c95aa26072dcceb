package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/neuralcord/persona/internal/character"
	"github.com/neuralcord/persona/internal/ratelimit"
	"github.com/neuralcord/persona/internal/social"
	"github.com/neuralcord/persona/pkg/channel"
)

const helpText = `Commands:
/login <email> — start character-backend login
/verify <link> — complete login with the emailed link
/character <id> — bind a character to this channel
/chat <text> — talk to the bound character
/talk <id> <text> — talk to a specific character
/characters — list live character sessions
/reset [id] — clear a character's conversation
/forget <id> — tear down a character's session
/watch <character-id> [cooldown] — enable Social Mode here
/unwatch — remove this channel from Social Mode
/social on|off — toggle Social Mode for this channel
/cooldown <seconds> — set this channel's engagement cooldown
/model <name> — switch the filter model
/status — show this channel's Social Mode state
/help — this message`

// adminCommands require admin rights when admin_users is configured.
var adminCommands = map[string]bool{
	"/login":    true,
	"/verify":   true,
	"/watch":    true,
	"/unwatch":  true,
	"/social":   true,
	"/cooldown": true,
	"/model":    true,
	"/forget":   true,
}

// handleCommand runs one slash command and posts the result back to the
// channel it came from.
func (d *Daemon) handleCommand(ctx context.Context, msg channel.Message) error {
	reply := d.runCommand(ctx, msg)
	if reply == "" {
		return nil
	}
	d.events.Publish(Event{Type: EventCommand, Channel: msg.ChannelID, Message: firstWord(msg.Content)})
	return d.poster.Send(ctx, channel.Response{ChannelID: msg.ChannelID, Content: reply})
}

func (d *Daemon) runCommand(ctx context.Context, msg channel.Message) string {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return ""
	}
	cmd := fields[0]
	args := fields[1:]

	if adminCommands[cmd] && !d.isAdmin(msg.AuthorID) {
		return "You are not allowed to run " + cmd + "."
	}

	switch cmd {
	case "/help":
		return helpText
	case "/login":
		return d.cmdLogin(ctx, args)
	case "/verify":
		return d.cmdVerify(ctx, args)
	case "/character":
		return d.cmdCharacter(ctx, args, msg)
	case "/chat":
		return d.cmdChat(ctx, msg, d.activeCharacter(msg.ChannelID),
			strings.TrimSpace(strings.TrimPrefix(msg.Content, cmd)))
	case "/talk":
		if len(args) < 2 {
			return "Usage: /talk <character-id> <text>"
		}
		return d.cmdChat(ctx, msg, args[0], strings.Join(args[1:], " "))
	case "/characters":
		return d.cmdCharacters(msg.ChannelID)
	case "/reset":
		return d.cmdReset(ctx, args, msg)
	case "/forget":
		return d.cmdForget(ctx, args, msg.GuildID)
	case "/watch":
		return d.cmdWatch(args, msg)
	case "/unwatch":
		d.engine.Unwatch(msg.ChannelID)
		return "Social Mode removed from this channel."
	case "/social":
		return d.cmdSocial(args, msg.ChannelID)
	case "/cooldown":
		return d.cmdCooldown(args, msg.ChannelID)
	case "/model":
		return d.cmdModel(ctx, args)
	case "/status":
		return d.cmdStatus(msg.ChannelID)
	default:
		return "Unknown command " + cmd + ". Try /help."
	}
}

func (d *Daemon) cmdLogin(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: /login <email>"
	}
	if err := d.auth.StartLogin(ctx, args[0]); err != nil {
		if errors.Is(err, character.ErrAlreadyAuthenticated) {
			return "Already logged in."
		}
		return "Login failed: " + err.Error()
	}
	d.events.Publish(Event{Type: EventAuth, Message: "login requested"})
	return "Verification email sent to " + args[0] + ". Reply with /verify <link>."
}

func (d *Daemon) cmdVerify(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: /verify <link>"
	}
	if err := d.auth.CompleteVerification(ctx, args[0]); err != nil {
		return "Verification failed: " + err.Error()
	}
	d.backend.SetCredential(d.auth.Credential())
	d.events.Publish(Event{Type: EventAuth, Message: "login verified"})
	return "Logged in."
}

// cmdCharacter binds a character to the channel and opens its session
// eagerly, so the user sees the greeting (and any auth problem) right away.
func (d *Daemon) cmdCharacter(ctx context.Context, args []string, msg channel.Message) string {
	if len(args) != 1 {
		return "Usage: /character <id>"
	}
	s, err := d.registry.GetOrCreate(ctx, args[0], msg.GuildID)
	if err != nil {
		return userError(err)
	}
	d.charMu.Lock()
	d.activeChars[msg.ChannelID] = args[0]
	d.charMu.Unlock()
	if s.Greeting != "" {
		return fmt.Sprintf("%s is here.\n%s", s.Name, s.Greeting)
	}
	return s.Name + " is here. Use /chat to talk."
}

func (d *Daemon) activeCharacter(channelID string) string {
	d.charMu.Lock()
	defer d.charMu.Unlock()
	return d.activeChars[channelID]
}

func (d *Daemon) cmdChat(ctx context.Context, msg channel.Message, charID, text string) string {
	if text == "" {
		return "Usage: /chat <text>"
	}
	if charID == "" {
		return "No character bound to this channel. Use /character <id> first."
	}

	if _, err := d.registry.GetOrCreate(ctx, charID, msg.GuildID); err != nil {
		return userError(err)
	}
	reply, err := d.registry.Send(ctx, charID, msg.GuildID, msg.AuthorName+": "+text)
	if err != nil {
		return userError(err)
	}
	return reply
}

func (d *Daemon) cmdCharacters(channelID string) string {
	sessions := d.registry.Snapshot()
	if len(sessions) == 0 {
		return "No live character sessions."
	}
	active := d.activeCharacter(channelID)
	var b strings.Builder
	b.WriteString("Live sessions:\n")
	for _, s := range sessions {
		marker := ""
		if s.CharacterID == active {
			marker = " (bound here)"
		}
		fmt.Fprintf(&b, "- %s (%s) in %s, last used %s%s\n",
			s.Name, s.CharacterID, s.GuildID, s.LastUsedAt.Format(time.RFC3339), marker)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Daemon) cmdReset(ctx context.Context, args []string, msg channel.Message) string {
	charID := d.activeCharacter(msg.ChannelID)
	if len(args) == 1 {
		charID = args[0]
	}
	if charID == "" {
		return "No character bound to this channel. Usage: /reset [character-id]"
	}
	if err := d.registry.Reset(ctx, charID, msg.GuildID); err != nil {
		return userError(err)
	}
	return "Conversation with " + charID + " cleared."
}

func (d *Daemon) cmdForget(ctx context.Context, args []string, guildID string) string {
	if len(args) != 1 {
		return "Usage: /forget <character-id>"
	}
	if err := d.registry.Delete(ctx, args[0], guildID); err != nil {
		return userError(err)
	}
	// Drop any channel binding pointing at the forgotten character.
	d.charMu.Lock()
	for ch, id := range d.activeChars {
		if id == args[0] {
			delete(d.activeChars, ch)
		}
	}
	d.charMu.Unlock()
	return "Session for " + args[0] + " removed."
}

func (d *Daemon) cmdWatch(args []string, msg channel.Message) string {
	if len(args) < 1 || len(args) > 2 {
		return "Usage: /watch <character-id> [cooldown]"
	}
	cooldown := Duration(d.cfg.Social.DefaultCooldown, 30*time.Second)
	if len(args) == 2 {
		parsed, err := parseCooldown(args[1])
		if err != nil {
			return "Bad cooldown: " + err.Error()
		}
		cooldown = parsed
	}
	err := d.engine.Watch(social.ChannelConfig{
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		CharacterID: args[0],
		Enabled:     true,
		Cooldown:    cooldown,
	})
	if err != nil {
		return "Watch failed: " + err.Error()
	}
	return fmt.Sprintf("Social Mode on: %s will chime in here (cooldown %s).", args[0], cooldown)
}

func (d *Daemon) cmdSocial(args []string, channelID string) string {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return "Usage: /social on|off"
	}
	if err := d.engine.SetEnabled(channelID, args[0] == "on"); err != nil {
		return err.Error() + " Use /watch first."
	}
	return "Social Mode " + args[0] + "."
}

func (d *Daemon) cmdCooldown(args []string, channelID string) string {
	if len(args) != 1 {
		return "Usage: /cooldown <seconds or duration>"
	}
	cooldown, err := parseCooldown(args[0])
	if err != nil {
		return "Bad cooldown: " + err.Error()
	}
	if err := d.engine.SetCooldown(channelID, cooldown); err != nil {
		return err.Error() + " Use /watch first."
	}
	return "Cooldown set to " + cooldown.String() + "."
}

func (d *Daemon) cmdModel(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Current filter model: " + d.filter.Model()
	}
	if err := d.filter.SetModel(ctx, args[0]); err != nil {
		return "Model switch failed: " + err.Error()
	}
	return "Filter model set to " + args[0] + "."
}

func (d *Daemon) cmdStatus(channelID string) string {
	cfg, ok := d.engine.Config(channelID)
	if !ok {
		return "This channel is not watched."
	}
	state := "off"
	if cfg.Enabled {
		state = "on"
	}
	last := "never"
	if !cfg.LastEngagementAt.IsZero() {
		last = cfg.LastEngagementAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("Social Mode %s: character %s, cooldown %s, last engagement %s.",
		state, cfg.CharacterID, cfg.Cooldown, last)
}

// userError maps internal failures to a message fit for the channel.
func userError(err error) string {
	switch {
	case errors.Is(err, character.ErrNotAuthenticated):
		return "Not logged in to the character backend. Use /login <email>."
	case errors.Is(err, character.ErrNoSession):
		return "No session for that character. Use /character and /chat to start one."
	case errors.Is(err, ratelimit.ErrExceeded):
		return "The character backend is rate limited right now. Try again shortly."
	case errors.Is(err, character.ErrBackendTimeout):
		return "The character backend timed out. Try again."
	}
	slog.Error("command failed", "error", err)
	return "Something went wrong: " + err.Error()
}

func (d *Daemon) isAdmin(userID string) bool {
	if len(d.cfg.AdminUsers) == 0 {
		return true
	}
	for _, u := range d.cfg.AdminUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// parseCooldown accepts a bare number of seconds or a Go duration string.
// Negative values are rejected.
func parseCooldown(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("cooldown must be non-negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("cooldown must be non-negative")
	}
	return d, nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
