package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/keepmind9/clibridge/internal/bot"
	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/sirupsen/logrus"
)

// bareCommands only match when the whole message is the command word, so
// a prompt like "help me rename this" still reaches the assistant.
var bareCommands = map[string]bool{
	"help":   true,
	"slist":  true,
	"status": true,
	"whoami": true,
}

// argCommands match on the first word.
var argCommands = map[string]bool{
	"snew":   true,
	"suse":   true,
	"sclose": true,
	"reply":  true,
}

// parseCommand splits input into a relay command and its arguments.
func parseCommand(input string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return "", nil, false
	}
	if len(fields) == 1 && bareCommands[fields[0]] {
		return fields[0], nil, true
	}
	if argCommands[fields[0]] {
		return fields[0], fields[1:], true
	}
	return "", nil, false
}

// HandleUserMessage processes one chat message.
func (r *Relay) HandleUserMessage(ctx context.Context, msg bot.BotMessage) {
	log := r.log.WithFields(logrus.Fields{
		"platform": msg.Platform,
		"user":     msg.UserID,
		"channel":  msg.Channel,
	})
	log.Debug("processing-user-message")

	if !r.cfg.IsUserAuthorized(msg.Platform, msg.UserID) {
		log.Warn("unauthorized-access-attempt")
		r.SendToBot(msg.Platform, msg.Channel, "❌ Unauthorized: Please contact the administrator to add your user ID")
		return
	}

	input := strings.TrimSpace(msg.Content)
	if input == "" {
		return
	}

	if cmd, args, ok := parseCommand(input); ok {
		log.WithField("command", cmd).Info("relay-command-received")
		switch cmd {
		case "help":
			r.showHelp(msg)
		case "slist":
			r.listSessions(msg)
		case "status":
			r.showStatus(msg)
		case "whoami":
			r.showWhoami(msg)
		case "snew":
			r.handleNewSession(ctx, args, msg)
		case "suse":
			r.handleUseSession(args, msg)
		case "sclose":
			r.handleCloseSession(args, msg)
		case "reply":
			r.handleReply(ctx, input, msg)
		}
		return
	}

	r.dispatch(ctx, input, msg)
}

func (r *Relay) dispatch(ctx context.Context, input string, msg bot.BotMessage) {
	key := userKey(msg.Platform, msg.UserID)
	id := r.currentSession(key)
	if id == "" {
		r.SendToBot(msg.Platform, msg.Channel, r.noSessionMessage(""))
		return
	}

	receipt, err := r.engine.Dispatch(id, input)
	if err != nil {
		var notFound *core.SessionNotFoundError
		if errors.As(err, &notFound) {
			r.forgetSession(id)
			r.SendToBot(msg.Platform, msg.Channel, r.noSessionMessage(err.Error()))
			return
		}
		r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("❌ %v", err))
		return
	}

	if r.hasBlocked(key) {
		r.SendToBot(msg.Platform, msg.Channel,
			"⏳ The session is still waiting for your reply; this message is queued behind it.\n💡 Use: reply <text>")
	}

	r.track(ctx, msg, id, receipt.TaskID)
}

func (r *Relay) noSessionMessage(reason string) string {
	var b strings.Builder
	b.WriteString("❌ Please select a session first\n\n")
	if reason != "" {
		fmt.Fprintf(&b, "⚠️  %s\n\n", reason)
	}
	sessions := r.engine.ListSessions()
	if len(sessions) > 0 {
		b.WriteString("Available sessions:\n")
		for _, s := range sessions {
			fmt.Fprintf(&b, "  • %s (%s)\n", s.ID, s.WorkDir)
		}
		b.WriteString("\n💡 Use: suse <session_id> to select a session")
	} else {
		b.WriteString("💡 Use: snew <session_id> [work_dir] to start one")
	}
	return b.String()
}

// handleNewSession starts a session (admin only).
// Usage: snew <id> [work_dir]
func (r *Relay) handleNewSession(ctx context.Context, args []string, msg bot.BotMessage) {
	if !r.cfg.IsAdmin(msg.Platform, msg.UserID) {
		r.SendToBot(msg.Platform, msg.Channel, "❌ Permission denied: admin only")
		return
	}
	if len(args) < 1 || len(args) > 2 {
		r.SendToBot(msg.Platform, msg.Channel, "❌ Invalid arguments\nUsage: snew <session_id> [work_dir]")
		return
	}

	workDir := r.opts.DefaultWorkDir
	if len(args) == 2 {
		expanded, err := core.ExpandHome(args[1])
		if err != nil {
			r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("❌ %v", err))
			return
		}
		workDir = expanded
	}

	r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("🚀 Starting session '%s'...", args[0]))

	info, err := r.engine.StartSession(ctx, args[0], session.Options{
		ID:          args[0],
		WorkDir:     workDir,
		AutoApprove: r.opts.AutoApprove,
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"session": args[0],
			"error":   err,
		}).Warn("relay-start-session-failed")
		r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("❌ Failed to start session: %v", err))
		return
	}

	r.setCurrentSession(userKey(msg.Platform, msg.UserID), info.ID)

	r.log.WithFields(logrus.Fields{
		"session":  info.ID,
		"platform": msg.Platform,
		"user_id":  msg.UserID,
	}).Info("admin-started-session")

	r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf(
		"✅ Session '%s' started and selected\n  • WorkDir: %s\n  • Auto-approve: %t",
		info.ID, info.WorkDir, info.AutoApprove))
}

// handleUseSession switches the user's current session.
// Usage: suse <id>
func (r *Relay) handleUseSession(args []string, msg bot.BotMessage) {
	if len(args) != 1 {
		r.SendToBot(msg.Platform, msg.Channel, "❌ Invalid arguments\nUsage: suse <session_id>")
		return
	}

	id := args[0]
	var found *core.SessionSummary
	for _, s := range r.engine.ListSessions() {
		if s.ID == id {
			s := s
			found = &s
			break
		}
	}
	if found == nil {
		r.SendToBot(msg.Platform, msg.Channel,
			fmt.Sprintf("❌ Session '%s' does not exist\nUse 'slist' to see available sessions", id))
		return
	}

	key := userKey(msg.Platform, msg.UserID)
	wasCurrent := r.currentSession(key) == id
	r.setCurrentSession(key, id)

	response := fmt.Sprintf("✅ Your current session is now: **%s**\n  • State: %s\n  • WorkDir: %s",
		id, found.State, found.WorkDir)
	if wasCurrent {
		response += "\n\nℹ️  You were already using this session"
	}
	r.SendToBot(msg.Platform, msg.Channel, response)
}

// handleCloseSession closes a session (admin only).
// Usage: sclose <id>
func (r *Relay) handleCloseSession(args []string, msg bot.BotMessage) {
	if !r.cfg.IsAdmin(msg.Platform, msg.UserID) {
		r.SendToBot(msg.Platform, msg.Channel, "❌ Permission denied: admin only")
		return
	}
	if len(args) != 1 {
		r.SendToBot(msg.Platform, msg.Channel, "❌ Invalid arguments\nUsage: sclose <session_id>")
		return
	}

	id := args[0]
	if err := r.engine.CloseSession(id); err != nil {
		r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("❌ %v", err))
		return
	}
	cleaned := r.forgetSession(id)

	r.log.WithFields(logrus.Fields{
		"session":       id,
		"platform":      msg.Platform,
		"user_id":       msg.UserID,
		"cleaned_users": cleaned,
	}).Info("admin-closed-session")

	response := fmt.Sprintf("✅ Session '%s' closed", id)
	if cleaned > 0 {
		response += fmt.Sprintf("\n🔄 %d user(s) no longer have a current session", cleaned)
	}
	r.SendToBot(msg.Platform, msg.Channel, response)
}

// handleReply answers the user's blocked task.
// Usage: reply <text>
func (r *Relay) handleReply(ctx context.Context, input string, msg bot.BotMessage) {
	text := strings.TrimSpace(strings.TrimPrefix(input, "reply"))
	if text == "" {
		r.SendToBot(msg.Platform, msg.Channel, "❌ Invalid arguments\nUsage: reply <text>")
		return
	}

	key := userKey(msg.Platform, msg.UserID)
	taskID := r.takeBlocked(key)
	if taskID == "" {
		r.SendToBot(msg.Platform, msg.Channel, "ℹ️  Nothing is waiting for a reply")
		return
	}

	if err := r.engine.RespondToInteraction(taskID, text); err != nil {
		r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("❌ %v", err))
		return
	}

	r.track(ctx, msg, r.currentSession(key), taskID)
}

func (r *Relay) listSessions(msg bot.BotMessage) {
	current := r.currentSession(userKey(msg.Platform, msg.UserID))
	sessions := r.engine.ListSessions()

	var b strings.Builder
	b.WriteString("📋 Sessions:\n\n")
	if len(sessions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, s := range sessions {
		marker := ""
		if s.ID == current {
			marker = " ⬅️ **CURRENT**"
		}
		status := "✅"
		if !s.Alive {
			status = "❌"
		}
		fmt.Fprintf(&b, "  %s %s - %s, %d pending, %s%s\n",
			status, s.ID, s.State, s.PendingTasks, s.WorkDir, marker)
	}
	if current == "" && len(sessions) > 0 {
		b.WriteString("\n💡 Use: suse <session_id> to select a session\n")
	}
	r.SendToBot(msg.Platform, msg.Channel, b.String())
}

func (r *Relay) showStatus(msg bot.BotMessage) {
	st := r.engine.Stats()
	response := fmt.Sprintf("📊 clibridge Status:\n\n"+
		"  • Sessions: %d/%d\n"+
		"  • Tasks tracked: %d\n"+
		"  • Dispatched: %d, completed: %d, failed: %d\n"+
		"  • Uptime: %s",
		st.Sessions, st.MaxSessions, st.Tasks,
		st.Dispatched, st.Completed, st.Failed, st.Uptime)
	r.SendToBot(msg.Platform, msg.Channel, response)
}

// showWhoami reports the caller's platform identity, which is what goes
// into security.allowed_users.
func (r *Relay) showWhoami(msg bot.BotMessage) {
	current := r.currentSession(userKey(msg.Platform, msg.UserID))
	if current == "" {
		current = "⚠️  Not selected"
	}
	r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("🔍 **Your Information**\n\n"+
		"**Platform:** %s\n"+
		"**User ID:** `%s`\n"+
		"**Channel ID:** `%s`\n"+
		"**Admin:** %t\n"+
		"**Current Session:** %s",
		msg.Platform, msg.UserID, msg.Channel, r.cfg.IsAdmin(msg.Platform, msg.UserID), current))
}

const helpText = `📖 **clibridge Help**

**Commands:**
  help                      - Show this help message
  slist                     - List sessions
  suse <id>                 - Switch your current session
  status                    - Show engine statistics
  whoami                    - Show your platform user ID
  snew <id> [work_dir]      - Start a session (admin only)
  sclose <id>               - Close a session (admin only)
  reply <text>              - Answer a prompt the assistant is waiting on

**Replies** may be key words: enter, esc, tab, up, down, ctrl-c

Any other message is sent to your current session. Results are posted
here when the assistant finishes.`

func (r *Relay) showHelp(msg bot.BotMessage) {
	r.SendToBot(msg.Platform, msg.Channel, helpText)
}
