// Package sweeper runs the background tick that enforces deadlines: it
// deletes messages whose self-destruct time arrived and escalates
// captcha challenges that ran out of time. One failing entry never
// aborts the rest of a tick.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/bawamax-star/butter-bot/internal/artifacts"
	"github.com/bawamax-star/butter-bot/internal/challenge"
	"github.com/bawamax-star/butter-bot/internal/selfdestruct"
	"github.com/bawamax-star/butter-bot/internal/telegram"
	"github.com/bawamax-star/butter-bot/internal/texts"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultGatewayTimeout = 15 * time.Second

	noticeSelfDestruct = 5 * time.Minute
)

// Gateway is the slice of the Telegram client the sweeper uses.
type Gateway interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) (telegram.DeleteResult, error)
	KickUser(ctx context.Context, chatID, userID int64) (telegram.MemberResult, error)
	BanUser(ctx context.Context, chatID, userID int64) (telegram.MemberResult, error)
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int64, error)
}

type Deps struct {
	Logger    *slog.Logger
	Gateway   Gateway
	Registry  *challenge.Registry
	Artifacts *artifacts.Tracker
	Scheduler *selfdestruct.Scheduler
	Texts     *texts.Catalog

	Interval       time.Duration
	GatewayTimeout time.Duration
	Now            func() time.Time
}

type Sweeper struct {
	logger    *slog.Logger
	gw        Gateway
	registry  *challenge.Registry
	artifacts *artifacts.Tracker
	scheduler *selfdestruct.Scheduler
	texts     *texts.Catalog

	interval  time.Duration
	gwTimeout time.Duration
	now       func() time.Time
}

func New(deps Deps) *Sweeper {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.GatewayTimeout <= 0 {
		deps.GatewayTimeout = DefaultGatewayTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Sweeper{
		logger:    deps.Logger,
		gw:        deps.Gateway,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
		scheduler: deps.Scheduler,
		texts:     deps.Texts,
		interval:  deps.Interval,
		gwTimeout: deps.GatewayTimeout,
		now:       deps.Now,
	}
}

// Run ticks until ctx is cancelled. The final in-flight tick completes
// before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper_start", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper_stop")
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick performs one sweep: due message deletions first, then challenge
// escalations.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	s.deleteDue(ctx, now)
	s.escalateDue(ctx, now)
}

func (s *Sweeper) deleteDue(ctx context.Context, now time.Time) {
	for _, entry := range s.scheduler.Due(now) {
		callCtx, cancel := context.WithTimeout(ctx, s.gwTimeout)
		res, err := s.gw.DeleteMessage(callCtx, entry.ChatID, entry.MessageID)
		cancel()

		switch res {
		case telegram.DeleteOK, telegram.DeleteNotFound:
			// gone either way
		case telegram.DeleteNoPermission:
			s.logger.Warn("self_destruct_no_rights", "chat_id", entry.ChatID, "message_id", entry.MessageID)
			s.sendNotice(ctx, entry.ChatID, s.texts.Get("cant_delete_msg"), true)
		default:
			s.logger.Warn("self_destruct_error",
				"chat_id", entry.ChatID,
				"message_id", entry.MessageID,
				"error", errString(err),
			)
		}
	}
}

func (s *Sweeper) escalateDue(ctx context.Context, now time.Time) {
	for _, esc := range s.registry.Reap(now) {
		entry := esc.Entry
		for _, ref := range s.artifacts.Purge(entry.ChatID, entry.UserID) {
			callCtx, cancel := context.WithTimeout(ctx, s.gwTimeout)
			if _, err := s.gw.DeleteMessage(callCtx, ref.ChatID, ref.MessageID); err != nil {
				s.logger.Warn("artifact_delete_error", "chat_id", ref.ChatID, "message_id", ref.MessageID, "error", err.Error())
			}
			cancel()
		}

		callCtx, cancel := context.WithTimeout(ctx, s.gwTimeout)
		switch esc.Action {
		case challenge.ActionKick:
			res, err := s.gw.KickUser(callCtx, entry.ChatID, entry.UserID)
			s.logger.Info("captcha_timeout_kick",
				"chat_id", entry.ChatID,
				"user_id", entry.UserID,
				"join_retries", entry.JoinRetries,
				"result", int(res),
				"error", errString(err),
			)
			s.noticeForKick(ctx, entry, res)
		case challenge.ActionBan:
			res, err := s.gw.BanUser(callCtx, entry.ChatID, entry.UserID)
			s.logger.Info("captcha_timeout_ban",
				"chat_id", entry.ChatID,
				"user_id", entry.UserID,
				"join_retries", entry.JoinRetries,
				"result", int(res),
				"error", errString(err),
			)
			s.noticeForBan(ctx, entry, res)
		}
		cancel()
	}
}

func (s *Sweeper) noticeForKick(ctx context.Context, entry challenge.Pending, res telegram.MemberResult) {
	var key string
	selfDestruct := true
	switch res {
	case telegram.MemberRemoved:
		key = "kick_done"
	case telegram.MemberAbsent:
		key = "kick_user_absent"
	case telegram.MemberNoPermission:
		// The admins must act on this one; it stays in the chat.
		key = "kick_no_rights"
		selfDestruct = false
	default:
		key = "kick_failed"
	}
	s.sendNotice(ctx, entry.ChatID, s.texts.F(key, entry.DisplayName), selfDestruct)
}

func (s *Sweeper) noticeForBan(ctx context.Context, entry challenge.Pending, res telegram.MemberResult) {
	var key string
	switch res {
	case telegram.MemberRemoved:
		key = "ban_done"
	case telegram.MemberAbsent:
		key = "ban_user_absent"
	case telegram.MemberNoPermission:
		key = "ban_no_rights"
	default:
		key = "ban_failed"
	}
	s.sendNotice(ctx, entry.ChatID, s.texts.F(key, entry.DisplayName), true)
}

func (s *Sweeper) sendNotice(ctx context.Context, chatID int64, text string, selfDestruct bool) {
	callCtx, cancel := context.WithTimeout(ctx, s.gwTimeout)
	defer cancel()
	id, err := s.gw.SendMessage(callCtx, chatID, text, telegram.SendOptions{DisablePreview: true})
	if err != nil {
		s.logger.Warn("notice_send_error", "chat_id", chatID, "error", err.Error())
		return
	}
	if selfDestruct {
		s.scheduler.Schedule(chatID, id, noticeSelfDestruct, s.now())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
