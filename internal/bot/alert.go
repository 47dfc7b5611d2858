package bot

import (
	"context"
	"log/slog"

	"github.com/bawamax-star/butter-bot/internal/telegram"
	"github.com/bawamax-star/butter-bot/internal/texts"
	"github.com/google/uuid"
)

// Alerter forwards operational errors to the bot owner's private chat.
// It never fails upward: an alert that cannot be delivered is logged and
// dropped, since the alert path must not create more errors to alert on.
type Alerter struct {
	gw      Gateway
	texts   *texts.Catalog
	logger  *slog.Logger
	ownerID int64
}

func NewAlerter(gw Gateway, catalog *texts.Catalog, logger *slog.Logger, ownerID int64) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{gw: gw, texts: catalog, logger: logger, ownerID: ownerID}
}

// NotifyOwner reports err, tagged with a correlation id that also appears
// in the log line, so an owner can quote the id when filing an issue.
func (a *Alerter) NotifyOwner(ctx context.Context, chatID int64, err error, scope string) {
	if a == nil || err == nil {
		return
	}
	alertID := uuid.NewString()
	a.logger.Error("owner_alert",
		"alert_id", alertID,
		"chat_id", chatID,
		"scope", scope,
		"error", err.Error(),
	)
	if a.ownerID == 0 || a.gw == nil {
		return
	}
	text := a.texts.F("owner_error", chatID, scope, err) + "\nref: " + alertID
	if _, sendErr := a.gw.SendMessage(ctx, a.ownerID, text, telegram.SendOptions{DisablePreview: true}); sendErr != nil {
		a.logger.Warn("owner_alert_send_error", "alert_id", alertID, "error", sendErr.Error())
	}
}
