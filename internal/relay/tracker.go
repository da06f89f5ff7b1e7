package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keepmind9/clibridge/internal/bot"
	"github.com/keepmind9/clibridge/internal/core"
	"github.com/sirupsen/logrus"
)

// track polls taskID in the background and posts its outcome to the
// channel msg came from.
func (r *Relay) track(ctx context.Context, msg bot.BotMessage, sessionID, taskID string) {
	r.trackers.Add(1)
	go func() {
		defer r.trackers.Done()
		r.pollTask(ctx, msg, sessionID, taskID)
	}()
}

func (r *Relay) pollTask(ctx context.Context, msg bot.BotMessage, sessionID, taskID string) {
	log := r.log.WithFields(logrus.Fields{
		"session": sessionID,
		"task_id": taskID,
	})
	log.Debug("relay-tracking-task")

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view := r.engine.PollTask(taskID)
		switch view.Status {
		case core.TaskRunning:
			continue
		case core.TaskBlocked:
			r.setBlocked(userKey(msg.Platform, msg.UserID), taskID)
			log.Info("relay-task-blocked")
			r.SendToBot(msg.Platform, msg.Channel, formatBlocked(sessionID, view.Prompt))
		case core.TaskComplete:
			log.Debug("relay-task-complete")
			r.SendToBot(msg.Platform, msg.Channel, formatResult(view.Result))
		case core.TaskError:
			log.WithField("error", view.Result).Info("relay-task-failed")
			r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("❌ [%s] %s", sessionID, view.Result))
		default:
			log.WithField("status", view.Status).Warn("relay-task-lost")
			r.SendToBot(msg.Platform, msg.Channel, fmt.Sprintf("⚠️  Task %s is no longer tracked", taskID))
		}
		return
	}
}

func formatResult(result string) string {
	if strings.TrimSpace(result) == "" {
		return "(empty response)"
	}
	return result
}

func formatBlocked(sessionID, prompt string) string {
	return fmt.Sprintf("⏸️ [%s] The assistant is waiting for input:\n\n%s\n\n💡 Answer with: reply <text>",
		sessionID, prompt)
}
