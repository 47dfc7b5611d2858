package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bawamax-star/butter-bot/internal/chatcfg"
	"github.com/bawamax-star/butter-bot/internal/telegram"
)

type gateResult int

const (
	gateAllowed gateResult = iota
	gateDenied
	gateUnknown
)

// adminGate checks whether the sender may run configuration commands.
// Private chats are always allowed; they only configure themselves.
func (b *Bot) adminGate(ctx context.Context, msg *telegram.Message) gateResult {
	if !isGroupChat(msg.Chat) {
		return gateAllowed
	}
	admins, err := b.gw.ChatAdmins(ctx, msg.Chat.ID)
	if err != nil {
		b.logger.Warn("get_admins_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return gateUnknown
	}
	if admins[msg.From.ID] {
		return gateAllowed
	}
	return gateDenied
}

// reply answers a command. In groups both the reply and the command
// message self-destruct; private chats keep their history.
func (b *Bot) reply(ctx context.Context, msg *telegram.Message, text string) {
	id, err := b.gw.SendMessage(ctx, msg.Chat.ID, text, telegram.SendOptions{
		ReplyTo:        msg.MessageID,
		DisablePreview: true,
	})
	if err != nil {
		b.logger.Warn("command_reply_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	if isGroupChat(msg.Chat) {
		now := b.now()
		b.scheduler.Schedule(msg.Chat.ID, id, replySelfDestruct, now)
		b.scheduler.Schedule(msg.Chat.ID, msg.MessageID, replySelfDestruct, now)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *telegram.Message, cmd, args string) {
	// Command spam from muted users is removed like any other message.
	if isGroupChat(msg.Chat) && b.cfg.IsMuted(msg.Chat.ID, msg.From.ID, b.now()) {
		b.deleteRef(ctx, msg.Chat.ID, msg.MessageID)
		return
	}

	switch cmd {
	case "/start":
		b.reply(ctx, msg, b.texts.Get("start"))
		return
	case "/help":
		b.reply(ctx, msg, b.texts.Get("help"))
		return
	case "/commands":
		b.reply(ctx, msg, b.texts.Get("commands"))
		return
	case "/version":
		b.reply(ctx, msg, b.texts.F("version", b.version))
		return
	case "/about":
		b.reply(ctx, msg, b.texts.Get("about"))
		return
	case "/time", "/difficulty", "/captcha_mode", "/enable", "/disable",
		"/add_ignore", "/remove_ignore", "/ignore_list", "/mute",
		"/welcome_message":
		// admin-gated below
	default:
		return
	}

	switch b.adminGate(ctx, msg) {
	case gateDenied:
		b.reply(ctx, msg, b.texts.Get("cmd_not_allowed"))
		return
	case gateUnknown:
		b.reply(ctx, msg, b.texts.Get("cant_get_admins"))
		return
	}

	chatID := msg.Chat.ID
	switch cmd {
	case "/time":
		b.cmdTime(ctx, msg, args)
	case "/difficulty":
		b.cmdDifficulty(ctx, msg, args)
	case "/captcha_mode":
		b.cmdCaptchaMode(ctx, msg, args)
	case "/enable":
		b.cmdSetEnabled(ctx, msg, true)
	case "/disable":
		b.cmdSetEnabled(ctx, msg, false)
	case "/add_ignore":
		b.cmdAddIgnore(ctx, msg, args)
	case "/remove_ignore":
		b.cmdRemoveIgnore(ctx, msg, args)
	case "/ignore_list":
		cfg := b.cfg.Load(chatID)
		if len(cfg.IgnoredUsers) == 0 {
			b.reply(ctx, msg, b.texts.Get("ignore_list_empty"))
			return
		}
		lines := make([]string, 0, len(cfg.IgnoredUsers))
		for _, id := range cfg.IgnoredUsers {
			lines = append(lines, strconv.FormatInt(id, 10))
		}
		b.reply(ctx, msg, strings.Join(lines, "\n"))
	case "/mute":
		b.cmdMute(ctx, msg, args)
	case "/welcome_message":
		b.cmdWelcomeMessage(ctx, msg, args)
	}
}

// cmdWelcomeMessage stores the greeting sent to members who solve the
// captcha. "{user}" and "{group}" expand at send time; "-" restores the
// default greeting.
func (b *Bot) cmdWelcomeMessage(ctx context.Context, msg *telegram.Message, args string) {
	text := strings.TrimSpace(args)
	if text == "" {
		b.reply(ctx, msg, b.texts.Get("welcome_message_not_arg"))
		return
	}
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		c.WelcomeMessage = text
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	if text == "-" {
		b.logger.Info("welcome_message_disabled", "chat_id", msg.Chat.ID)
		b.reply(ctx, msg, b.texts.Get("welcome_message_off"))
		return
	}
	b.logger.Info("welcome_message_changed", "chat_id", msg.Chat.ID)
	b.reply(ctx, msg, b.texts.Get("welcome_message_change"))
}

func (b *Bot) cmdTime(ctx context.Context, msg *telegram.Message, args string) {
	if strings.TrimSpace(args) == "" {
		b.reply(ctx, msg, b.texts.Get("time_not_arg"))
		return
	}
	minutes, err := strconv.Atoi(strings.Fields(args)[0])
	if err != nil || minutes < chatcfg.MinCaptchaMinutes {
		b.reply(ctx, msg, b.texts.Get("time_not_num"))
		return
	}
	if minutes > chatcfg.MaxCaptchaMinutes {
		b.reply(ctx, msg, b.texts.Get("time_max_not_allowed"))
		return
	}
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		c.CaptchaMinutes = minutes
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	b.logger.Info("captcha_time_changed", "chat_id", msg.Chat.ID, "minutes", minutes)
	b.reply(ctx, msg, b.texts.F("time_change", minutes))
}

func (b *Bot) cmdDifficulty(ctx context.Context, msg *telegram.Message, args string) {
	if strings.TrimSpace(args) == "" {
		b.reply(ctx, msg, b.texts.Get("difficulty_not_arg"))
		return
	}
	level, err := strconv.Atoi(strings.Fields(args)[0])
	if err != nil || level < 1 || level > 5 {
		b.reply(ctx, msg, b.texts.Get("difficulty_not_num"))
		return
	}
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		c.Difficulty = level
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	b.logger.Info("captcha_difficulty_changed", "chat_id", msg.Chat.ID, "level", level)
	b.reply(ctx, msg, b.texts.F("difficulty_change", level))
}

func (b *Bot) cmdCaptchaMode(ctx context.Context, msg *telegram.Message, args string) {
	if strings.TrimSpace(args) == "" {
		b.reply(ctx, msg, b.texts.Get("captcha_mode_not_arg"))
		return
	}
	mode := strings.ToLower(strings.Fields(args)[0])
	if !chatcfg.ValidCharMode(mode) {
		b.reply(ctx, msg, b.texts.Get("captcha_mode_invalid"))
		return
	}
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		c.CharMode = mode
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	b.logger.Info("captcha_mode_changed", "chat_id", msg.Chat.ID, "mode", mode)
	b.reply(ctx, msg, b.texts.F("captcha_mode_change", mode))
}

func (b *Bot) cmdSetEnabled(ctx context.Context, msg *telegram.Message, enabled bool) {
	cfg := b.cfg.Load(msg.Chat.ID)
	if cfg.Enabled == enabled {
		if enabled {
			b.reply(ctx, msg, b.texts.Get("enable_already"))
		} else {
			b.reply(ctx, msg, b.texts.Get("disable_already"))
		}
		return
	}
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		c.Enabled = enabled
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	b.logger.Info("protection_toggled", "chat_id", msg.Chat.ID, "enabled", enabled)
	if enabled {
		b.reply(ctx, msg, b.texts.Get("enable_done"))
	} else {
		b.reply(ctx, msg, b.texts.Get("disable_done"))
	}
}

func (b *Bot) cmdAddIgnore(ctx context.Context, msg *telegram.Message, args string) {
	if strings.TrimSpace(args) == "" {
		b.reply(ctx, msg, b.texts.Get("ignore_add_not_arg"))
		return
	}
	userID, err := strconv.ParseInt(strings.Fields(args)[0], 10, 64)
	if err != nil || userID <= 0 {
		b.reply(ctx, msg, b.texts.Get("ignore_add_bad_id"))
		return
	}
	outcome := "ignore_add_success"
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		switch {
		case containsID(c.IgnoredUsers, userID):
			outcome = "ignore_add_duplicate"
		case len(c.IgnoredUsers) >= chatcfg.MaxIgnoredUsers:
			outcome = "ignore_add_limit"
		default:
			c.IgnoredUsers = append(c.IgnoredUsers, userID)
		}
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	b.reply(ctx, msg, b.texts.Get(outcome))
}

func (b *Bot) cmdRemoveIgnore(ctx context.Context, msg *telegram.Message, args string) {
	if strings.TrimSpace(args) == "" {
		b.reply(ctx, msg, b.texts.Get("ignore_remove_not_arg"))
		return
	}
	userID, err := strconv.ParseInt(strings.Fields(args)[0], 10, 64)
	if err != nil {
		b.reply(ctx, msg, b.texts.Get("ignore_add_bad_id"))
		return
	}
	outcome := "ignore_remove_missing"
	if err := b.cfg.Update(msg.Chat.ID, func(c *chatcfg.ChatConfig) {
		kept := c.IgnoredUsers[:0]
		for _, id := range c.IgnoredUsers {
			if id == userID {
				outcome = "ignore_remove_success"
				continue
			}
			kept = append(kept, id)
		}
		c.IgnoredUsers = kept
	}); err != nil {
		b.logger.Warn("config_write_error", "chat_id", msg.Chat.ID, "error", err.Error())
		return
	}
	b.reply(ctx, msg, b.texts.Get(outcome))
}

// cmdMute mutes the replied-to user or the user id given as an argument
// for the chat's configured mute length. The gateway restriction is best
// effort; the stored mute entry makes the bot delete their messages
// either way.
func (b *Bot) cmdMute(ctx context.Context, msg *telegram.Message, args string) {
	var userID int64
	switch {
	case msg.ReplyTo != nil && msg.ReplyTo.From != nil:
		userID = msg.ReplyTo.From.ID
	case strings.TrimSpace(args) != "":
		id, err := strconv.ParseInt(strings.Fields(args)[0], 10, 64)
		if err != nil || id <= 0 {
			b.reply(ctx, msg, b.texts.Get("mute_args_missing"))
			return
		}
		userID = id
	default:
		b.reply(ctx, msg, b.texts.Get("mute_args_missing"))
		return
	}

	cfg := b.cfg.Load(msg.Chat.ID)
	until := b.now().Add(time.Duration(cfg.MuteSeconds) * time.Second)
	if err := b.cfg.MuteUntil(msg.Chat.ID, userID, until); err != nil {
		b.logger.Warn("mute_write_error", "chat_id", msg.Chat.ID, "user_id", userID, "error", err.Error())
		return
	}
	if err := b.gw.RestrictUser(ctx, msg.Chat.ID, userID, until.Unix()); err != nil {
		b.logger.Warn("restrict_error", "chat_id", msg.Chat.ID, "user_id", userID, "error", err.Error())
	}
	b.logger.Info("user_muted", "chat_id", msg.Chat.ID, "user_id", userID, "until", until.Unix())
	b.reply(ctx, msg, b.texts.F("mute_done", cfg.MuteSeconds/60))
}
