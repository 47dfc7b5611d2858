// Package bot turns Telegram updates into gatekeeper decisions: it
// challenges new members with an image captcha, judges their answers,
// cleans up after itself and exposes the admin command surface.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bawamax-star/butter-bot/internal/artifacts"
	"github.com/bawamax-star/butter-bot/internal/captcha"
	"github.com/bawamax-star/butter-bot/internal/challenge"
	"github.com/bawamax-star/butter-bot/internal/chatcfg"
	"github.com/bawamax-star/butter-bot/internal/selfdestruct"
	"github.com/bawamax-star/butter-bot/internal/telegram"
	"github.com/bawamax-star/butter-bot/internal/texts"
)

const (
	// replySelfDestruct is how long bot notices stay in a group before
	// the sweeper removes them.
	replySelfDestruct = 5 * time.Minute
	// wrongAnswerDelay is how long a user's wrong answer stays visible.
	wrongAnswerDelay = time.Minute
	// imageExtraTime keeps the captcha image a little past the deadline
	// so a user removed at the deadline still sees what happened.
	imageExtraTime = 30 * time.Second
)

// Gateway is the slice of the Telegram client the handlers use.
type Gateway interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int64, error)
	SendPhoto(ctx context.Context, chatID int64, photoPath, caption string, buttons []telegram.InlineButton) (int64, error)
	EditMessagePhoto(ctx context.Context, chatID, messageID int64, photoPath, caption string, buttons []telegram.InlineButton) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) (telegram.DeleteResult, error)
	RestrictUser(ctx context.Context, chatID, userID, untilUnix int64) error
	UnrestrictUser(ctx context.Context, chatID, userID int64) error
	ChatAdmins(ctx context.Context, chatID int64) (map[int64]bool, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
	GetChat(ctx context.Context, chatID int64) (*telegram.Chat, error)
}

type Deps struct {
	Logger    *slog.Logger
	Gateway   Gateway
	Config    *chatcfg.Store
	Registry  *challenge.Registry
	Artifacts *artifacts.Tracker
	Scheduler *selfdestruct.Scheduler
	Generator *captcha.Generator
	Texts     *texts.Catalog
	Alerter   *Alerter
	BotID     int64
	TmpDir    string
	Version   string
	Now       func() time.Time
}

type Bot struct {
	logger    *slog.Logger
	gw        Gateway
	cfg       *chatcfg.Store
	registry  *challenge.Registry
	artifacts *artifacts.Tracker
	scheduler *selfdestruct.Scheduler
	gen       *captcha.Generator
	texts     *texts.Catalog
	alert     *Alerter
	botID     int64
	tmpDir    string
	version   string
	now       func() time.Time
}

func New(deps Deps) *Bot {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Bot{
		logger:    deps.Logger,
		gw:        deps.Gateway,
		cfg:       deps.Config,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
		scheduler: deps.Scheduler,
		gen:       deps.Generator,
		texts:     deps.Texts,
		alert:     deps.Alerter,
		botID:     deps.BotID,
		tmpDir:    deps.TmpDir,
		version:   deps.Version,
		now:       deps.Now,
	}
}

// HandleUpdate dispatches one update. A panic or error in one chat is
// contained here so it never takes down the poll loop or other chats.
func (b *Bot) HandleUpdate(ctx context.Context, u telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler_panic", "update_id", u.UpdateID, "panic", fmt.Sprint(r))
			b.alert.NotifyOwner(ctx, 0, fmt.Errorf("panic: %v", r), "update handler")
		}
	}()

	if u.CallbackQuery != nil {
		b.handleCallback(ctx, u.CallbackQuery)
		return
	}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return
	}
	if len(msg.NewChatMembers) > 0 {
		b.handleJoin(ctx, msg)
		return
	}
	if msg.From == nil {
		return
	}
	b.cacheChatMeta(msg.Chat)

	if cmd, args := splitCommand(msg.Text); strings.HasPrefix(cmd, "/") {
		b.handleCommand(ctx, msg, normalizeSlashCommand(cmd), args)
		return
	}
	b.handleText(ctx, msg)
}

// cacheChatMeta keeps the stored chat title current so captcha captions
// and welcome messages name the group correctly.
func (b *Bot) cacheChatMeta(chat *telegram.Chat) {
	if chat == nil || strings.TrimSpace(chat.Title) == "" {
		return
	}
	cfg := b.cfg.Load(chat.ID)
	link := cfg.Link
	if chat.Username != "" {
		link = "https://t.me/" + chat.Username
	}
	if cfg.Title == chat.Title && cfg.Link == link {
		return
	}
	if err := b.cfg.Update(chat.ID, func(c *chatcfg.ChatConfig) {
		c.Title = chat.Title
		c.Link = link
	}); err != nil {
		b.logger.Warn("chat_meta_cache_error", "chat_id", chat.ID, "error", err.Error())
	}
}

func (b *Bot) handleJoin(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	b.cacheChatMeta(msg.Chat)
	cfg := b.cfg.Load(chatID)

	for i := range msg.NewChatMembers {
		member := &msg.NewChatMembers[i]
		if member.ID == b.botID {
			b.cacheOwnChatJoin(ctx, chatID)
			continue
		}
		if !cfg.Enabled || member.IsBot {
			continue
		}
		if containsID(cfg.IgnoredUsers, member.ID) {
			b.logger.Info("join_ignored_user", "chat_id", chatID, "user_id", member.ID)
			continue
		}
		if admins, err := b.gw.ChatAdmins(ctx, chatID); err == nil && admins[member.ID] {
			continue
		}
		b.challengeMember(ctx, msg, cfg, member)
	}
}

// cacheOwnChatJoin runs when the bot itself is added to a group: fetch
// and store the title and invite link for later captions.
func (b *Bot) cacheOwnChatJoin(ctx context.Context, chatID int64) {
	chat, err := b.gw.GetChat(ctx, chatID)
	if err != nil {
		b.logger.Warn("get_chat_error", "chat_id", chatID, "error", err.Error())
		return
	}
	if err := b.cfg.Update(chatID, func(c *chatcfg.ChatConfig) {
		c.Title = chat.Title
		switch {
		case chat.Username != "":
			c.Link = "https://t.me/" + chat.Username
		case chat.InviteLink != "":
			c.Link = chat.InviteLink
		}
	}); err != nil {
		b.logger.Warn("chat_meta_cache_error", "chat_id", chatID, "error", err.Error())
	}
	b.logger.Info("added_to_chat", "chat_id", chatID, "title", chat.Title)
}

func (b *Bot) challengeMember(ctx context.Context, msg *telegram.Message, cfg chatcfg.ChatConfig, member *telegram.User) {
	chatID := msg.Chat.ID
	now := b.now()
	name := telegram.DisplayName(member)

	// A rejoin supersedes the previous join's messages.
	for _, ref := range b.artifacts.Purge(chatID, member.ID) {
		b.deleteRef(ctx, ref.ChatID, ref.MessageID)
	}

	ch, err := b.gen.Generate(cfg.Difficulty, cfg.CharMode)
	if err != nil {
		b.logger.Error("captcha_generate_error", "chat_id", chatID, "error", err.Error())
		b.alert.NotifyOwner(ctx, chatID, err, "captcha generation")
		return
	}
	path, err := ch.WriteTemp(b.tmpDir)
	if err != nil {
		b.logger.Error("captcha_write_error", "chat_id", chatID, "error", err.Error())
		b.alert.NotifyOwner(ctx, chatID, err, "captcha scratch file")
		return
	}
	defer captcha.Remove(path)

	title := cfg.Title
	if title == "" {
		title = msg.Chat.Title
	}
	caption := b.texts.F("captcha_caption", name, title, cfg.CaptchaMinutes)
	buttons := []telegram.InlineButton{{
		Text:         b.texts.Get("other_captcha_button"),
		CallbackData: strconv.FormatInt(member.ID, 10),
	}}
	photoID, err := b.gw.SendPhoto(ctx, chatID, path, caption, buttons)
	if err != nil {
		b.logger.Error("captcha_send_error", "chat_id", chatID, "user_id", member.ID, "error", err.Error())
		b.alert.NotifyOwner(ctx, chatID, err, "captcha send")
		return
	}

	timeout := time.Duration(cfg.CaptchaMinutes) * time.Minute
	b.scheduler.Schedule(chatID, photoID, timeout+imageExtraTime, now)
	b.registry.Issue(chatID, member.ID, name, ch.Solution, now)
	// Joiners stay muted until they solve; the entry lapses with the
	// challenge deadline, so an escalated user is not muted on rejoin.
	if err := b.cfg.MuteUntil(chatID, member.ID, now.Add(timeout+imageExtraTime)); err != nil {
		b.logger.Warn("join_mute_error", "chat_id", chatID, "user_id", member.ID, "error", err.Error())
	}
	b.artifacts.Record(chatID, member.ID, artifacts.KindJoinNotice, msg.MessageID)
	b.artifacts.Record(chatID, member.ID, artifacts.KindCaptchaImage, photoID)

	b.logger.Info("join_challenged",
		"chat_id", chatID,
		"user_id", member.ID,
		"timeout_minutes", cfg.CaptchaMinutes,
		"difficulty", cfg.Difficulty,
		"char_mode", cfg.CharMode,
	)
}

func (b *Bot) handleText(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	now := b.now()

	switch b.registry.TrySolve(chatID, userID, msg.Text, now) {
	case challenge.Solved:
		b.onSolved(ctx, msg, now)
	case challenge.NoMatch:
		b.onWrongAnswer(ctx, msg, now)
	case challenge.NotFound:
		if b.cfg.IsMuted(chatID, userID, now) {
			b.deleteRef(ctx, chatID, msg.MessageID)
		}
	}
}

func (b *Bot) onSolved(ctx context.Context, msg *telegram.Message, now time.Time) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	for _, ref := range b.artifacts.Purge(chatID, userID) {
		b.deleteRef(ctx, ref.ChatID, ref.MessageID)
	}
	b.deleteRef(ctx, chatID, msg.MessageID)
	if err := b.cfg.Unmute(chatID, userID); err != nil {
		b.logger.Warn("unmute_error", "chat_id", chatID, "user_id", userID, "error", err.Error())
	}
	if isGroupChat(msg.Chat) {
		if err := b.gw.UnrestrictUser(ctx, chatID, userID); err != nil {
			b.logger.Debug("unrestrict_error", "chat_id", chatID, "user_id", userID, "error", err.Error())
		}
	}

	cfg := b.cfg.Load(chatID)
	name := telegram.DisplayName(msg.From)
	text := b.texts.F("captcha_solved", name)
	if cfg.WelcomeMessage != "" && cfg.WelcomeMessage != "-" {
		text = strings.NewReplacer(
			"{user}", name,
			"{group}", cfg.Title,
		).Replace(cfg.WelcomeMessage)
	}
	noticeID, err := b.gw.SendMessage(ctx, chatID, text, telegram.SendOptions{DisablePreview: true})
	if err != nil {
		b.logger.Warn("solved_notice_error", "chat_id", chatID, "error", err.Error())
	} else {
		b.scheduler.Schedule(chatID, noticeID, replySelfDestruct, now)
	}
	b.logger.Info("captcha_solved", "chat_id", chatID, "user_id", userID)
}

// onWrongAnswer replies only to answers that look like captcha attempts:
// a 4-character guess, or an all-digit guess against a captcha that may
// contain letters. Anything else is chatter, deleted while the mute from
// the join holds.
func (b *Bot) onWrongAnswer(ctx context.Context, msg *telegram.Message, now time.Time) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	answer := strings.TrimSpace(msg.Text)

	var key string
	switch {
	case len([]rune(answer)) == captcha.SolutionLength:
		key = "captcha_incorrect_retry"
	case isDigits(answer):
		key = "captcha_incorrect_numbers"
	default:
		// Not a captcha attempt. Pending users join muted, so their
		// chatter is removed rather than answered.
		if b.cfg.IsMuted(chatID, userID, now) {
			b.deleteRef(ctx, chatID, msg.MessageID)
		}
		return
	}

	replyID, err := b.gw.SendMessage(ctx, chatID, b.texts.Get(key), telegram.SendOptions{
		ReplyTo:        msg.MessageID,
		DisablePreview: true,
	})
	if err != nil {
		b.logger.Warn("wrong_answer_reply_error", "chat_id", chatID, "error", err.Error())
		return
	}
	if prev, replaced := b.artifacts.Record(chatID, userID, artifacts.KindErrorReply, replyID); replaced {
		b.deleteRef(ctx, prev.ChatID, prev.MessageID)
	}
	b.scheduler.Schedule(chatID, replyID, replySelfDestruct, now)
	b.scheduler.Schedule(chatID, msg.MessageID, wrongAnswerDelay, now)
	b.logger.Info("captcha_wrong_answer", "chat_id", chatID, "user_id", userID, "kind", key)
}

// handleCallback regenerates the captcha when the challenged user presses
// the "Other captcha" button. Presses by anyone else are acknowledged and
// ignored.
func (b *Bot) handleCallback(ctx context.Context, cq *telegram.CallbackQuery) {
	ack := func() {
		if err := b.gw.AnswerCallback(ctx, cq.ID, ""); err != nil {
			b.logger.Warn("answer_callback_error", "error", err.Error())
		}
	}
	if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
		ack()
		return
	}
	targetID, err := strconv.ParseInt(strings.TrimSpace(cq.Data), 10, 64)
	if err != nil || targetID != cq.From.ID {
		ack()
		return
	}
	chatID := cq.Message.Chat.ID
	entry, ok := b.registry.Lookup(chatID, cq.From.ID)
	if !ok || entry.State != challenge.StatePending {
		ack()
		return
	}

	cfg := b.cfg.Load(chatID)
	ch, err := b.gen.Generate(cfg.Difficulty, cfg.CharMode)
	if err != nil {
		b.logger.Error("captcha_generate_error", "chat_id", chatID, "error", err.Error())
		ack()
		return
	}
	path, err := ch.WriteTemp(b.tmpDir)
	if err != nil {
		b.logger.Error("captcha_write_error", "chat_id", chatID, "error", err.Error())
		ack()
		return
	}
	defer captcha.Remove(path)

	caption := b.texts.F("captcha_caption", entry.DisplayName, cfg.Title, cfg.CaptchaMinutes)
	buttons := []telegram.InlineButton{{
		Text:         b.texts.Get("other_captcha_button"),
		CallbackData: cq.Data,
	}}
	if err := b.gw.EditMessagePhoto(ctx, chatID, cq.Message.MessageID, path, caption, buttons); err != nil {
		b.logger.Warn("captcha_edit_error", "chat_id", chatID, "user_id", cq.From.ID, "error", err.Error())
		ack()
		return
	}
	b.registry.Refresh(chatID, cq.From.ID, ch.Solution)
	b.logger.Info("captcha_refreshed", "chat_id", chatID, "user_id", cq.From.ID)
	ack()
}

func (b *Bot) deleteRef(ctx context.Context, chatID, messageID int64) {
	res, err := b.gw.DeleteMessage(ctx, chatID, messageID)
	if res == telegram.DeleteFailed && err != nil {
		b.logger.Warn("delete_message_error", "chat_id", chatID, "message_id", messageID, "error", err.Error())
	}
}

func isGroupChat(chat *telegram.Chat) bool {
	if chat == nil {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(chat.Type))
	return t == "group" || t == "supergroup"
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func normalizeSlashCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	// Allow "/cmd@BotName" variants by stripping "@...".
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}
