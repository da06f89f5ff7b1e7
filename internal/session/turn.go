package session

import (
	"context"
	"fmt"
	"time"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/watchdog"
	"github.com/sirupsen/logrus"
)

// turn is the read-loop state of one request/response exchange. It
// survives a blocked prompt so Respond can resume it.
type turn struct {
	seq      int
	message  string
	det      *watchdog.Detector
	deadline time.Time
}

// Send writes message to the assistant and waits for the end of its turn.
// It returns the extracted answer, or one of TurnTimeoutError,
// ProcessDiedError, InteractionRequiredError, ErrSessionClosed.
func (s *Session) Send(ctx context.Context, message string) (string, error) {
	t, err := s.beginTurn(message)
	if err != nil {
		return "", err
	}
	defer s.endTurn()

	s.discardPending()
	if err := s.typeLine(message); err != nil {
		return "", s.failure(t, err)
	}
	logger.WithFields(logrus.Fields{
		"session": s.opts.ID,
		"turn":    t.seq,
		"length":  len(message),
	}).Info("turn-started")
	return s.await(ctx, t)
}

// Respond answers the prompt a blocked turn stopped on and resumes that
// turn. Key words such as "esc" or "down" are sent as key presses; other
// text is sent as a line.
func (s *Session) Respond(ctx context.Context, text string) (string, error) {
	t, err := s.resumeTurn()
	if err != nil {
		return "", err
	}
	defer s.endTurn()

	if seq, isKey := watchdog.KeySequence(text); isKey {
		err = s.write(seq)
	} else {
		err = s.typeLine(text)
	}
	if err != nil {
		return "", s.failure(t, err)
	}

	now := time.Now()
	t.det.AcknowledgePrompt(text, false, now)
	t.deadline = now.Add(s.cfg.MaxWait)
	logger.WithFields(logrus.Fields{
		"session": s.opts.ID,
		"turn":    t.seq,
	}).Info("turn-resumed-after-response")
	return s.await(ctx, t)
}

// Abandon drops a turn blocked on a prompt and sends Escape to dismiss the
// prompt. It does nothing when no turn is pending.
func (s *Session) Abandon() error {
	s.mu.Lock()
	t := s.pending
	s.pending = nil
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	logger.WithFields(logrus.Fields{
		"session": s.opts.ID,
		"turn":    t.seq,
	}).Warn("turn-abandoned")
	if seq, ok := watchdog.KeySequence("esc"); ok {
		return s.write(seq)
	}
	return nil
}

func (s *Session) beginTurn(message string) (*turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed || s.closing.Load():
		return nil, ErrSessionClosed
	case s.state != StateReady:
		return nil, fmt.Errorf("session %s is %s", s.opts.ID, s.state)
	case s.busy:
		return nil, ErrSessionBusy
	case s.pending != nil:
		return nil, ErrInteractionPending
	}
	s.busy = true
	s.turns++
	now := time.Now()
	s.lastUsed = now
	return &turn{
		seq:      s.turns,
		message:  message,
		det:      watchdog.NewDetector(s.cfg.Detector, s.cfg.Catalog.Catalog(), message, now),
		deadline: now.Add(s.cfg.MaxWait),
	}, nil
}

func (s *Session) resumeTurn() (*turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed || s.closing.Load():
		return nil, ErrSessionClosed
	case s.busy:
		return nil, ErrSessionBusy
	case s.pending == nil:
		return nil, ErrNotBlocked
	}
	t := s.pending
	s.pending = nil
	s.busy = true
	s.lastUsed = time.Now()
	return t, nil
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.busy = false
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) block(t *turn) {
	s.mu.Lock()
	s.pending = t
	s.mu.Unlock()
}

// await drives the detector until the turn completes, blocks, fails or
// reaches its deadline.
func (s *Session) await(ctx context.Context, t *turn) (string, error) {
	log := logger.WithFields(logrus.Fields{"session": s.opts.ID, "turn": t.seq})

	timeout := time.NewTimer(time.Until(t.deadline))
	defer timeout.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("turn %d aborted: %w", t.seq, ctx.Err())

		case chunk, ok := <-s.chunks:
			if !ok {
				return "", s.died(t)
			}
			t.det.Feed(chunk, time.Now())

		case <-s.exited:
			s.drainInto(t)
			return "", s.died(t)

		case <-timeout.C:
			partial := t.det.Response()
			log.WithFields(logrus.Fields{
				"timeout":         s.cfg.MaxWait,
				"bytes":           t.det.Bytes(),
				"content_started": t.det.ContentStarted(),
				"partial_length":  len(partial),
			}).Warn("turn-timeout")
			return partial, &TurnTimeoutError{Timeout: s.cfg.MaxWait, Partial: partial}

		case <-ticker.C:
		}

		dec := t.det.Check(time.Now())
		switch dec.Phase {
		case watchdog.PhaseComplete:
			response := t.det.Response()
			log.WithFields(logrus.Fields{
				"reason":   dec.Reason,
				"elapsed":  t.det.Elapsed(time.Now()).Round(time.Millisecond),
				"bytes":    t.det.Bytes(),
				"response": len(response),
			}).Info("turn-completed")
			return response, nil

		case watchdog.PhasePrompt:
			if s.opts.AutoApprove {
				log.WithField("phrase", dec.Phrase).Info("auto-approving-prompt")
				if err := s.write(s.cfg.ApprovalResponse + "\n"); err != nil {
					return "", s.failure(t, err)
				}
				if err := s.sleep(ctx, s.cfg.ApprovalSettle); err != nil {
					return "", fmt.Errorf("turn %d aborted: %w", t.seq, err)
				}
				t.det.AcknowledgePrompt(s.cfg.ApprovalResponse, true, time.Now())
				continue
			}
			log.WithField("phrase", dec.Phrase).Info("turn-blocked-on-interaction")
			s.block(t)
			return "", &InteractionRequiredError{Prompt: dec.Prompt, Phrase: dec.Phrase}
		}
	}
}

// drainInto feeds output that was still buffered when the process exited.
func (s *Session) drainInto(t *turn) {
	grace := time.NewTimer(s.cfg.PollInterval)
	defer grace.Stop()
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return
			}
			t.det.Feed(chunk, time.Now())
		case <-grace.C:
			return
		}
	}
}

func (s *Session) died(t *turn) error {
	if s.closing.Load() {
		return fmt.Errorf("turn %d: %w", t.seq, ErrSessionClosed)
	}
	if !s.exitedWithin(s.cfg.TerminateTimeout) {
		return fmt.Errorf("turn %d: pty output ended but the process is still running", t.seq)
	}
	sig, _ := s.exitSignal.Load().(string)
	return &ProcessDiedError{ExitCode: s.ExitCode(), Signal: sig, Partial: t.det.Response()}
}

// failure maps a write error to the session's real condition.
func (s *Session) failure(t *turn, err error) error {
	if s.closing.Load() {
		return fmt.Errorf("turn %d: %w", t.seq, ErrSessionClosed)
	}
	if !s.Alive() {
		return s.died(t)
	}
	return err
}
