package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bawamax-star/butter-bot/internal/artifacts"
	"github.com/bawamax-star/butter-bot/internal/bot"
	"github.com/bawamax-star/butter-bot/internal/captcha"
	"github.com/bawamax-star/butter-bot/internal/challenge"
	"github.com/bawamax-star/butter-bot/internal/chatcfg"
	"github.com/bawamax-star/butter-bot/internal/fsstore"
	"github.com/bawamax-star/butter-bot/internal/logutil"
	"github.com/bawamax-star/butter-bot/internal/selfdestruct"
	"github.com/bawamax-star/butter-bot/internal/sweeper"
	"github.com/bawamax-star/butter-bot/internal/telegram"
	"github.com/bawamax-star/butter-bot/internal/texts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gatekeeper bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or BUTTER_BOT_TELEGRAM_BOT_TOKEN)")
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			dataDir := strings.TrimSpace(viper.GetString("data_dir"))
			if dataDir == "" {
				dataDir = "./data"
			}
			tmpDir := filepath.Join(dataDir, "tmp")
			if err := fsstore.EnsureDir(tmpDir, 0o700); err != nil {
				return fmt.Errorf("prepare data dir: %w", err)
			}

			catalog, err := texts.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpClient := &http.Client{Timeout: 60 * time.Second}
			api := telegram.New(httpClient, "https://api.telegram.org", token)

			me, err := api.GetMe(ctx)
			if err != nil {
				return fmt.Errorf("telegram getMe: %w", err)
			}

			cfgStore := chatcfg.NewStore(dataDir, logger)
			registry := challenge.NewRegistry(challenge.Policy{
				Timeout: func(chatID int64) time.Duration {
					return time.Duration(cfgStore.Load(chatID).CaptchaMinutes) * time.Minute
				},
				MaxRetries: func(chatID int64) int {
					return cfgStore.Load(chatID).MaxJoinRetries
				},
			})
			tracker := artifacts.NewTracker()
			scheduler := selfdestruct.NewScheduler()
			alerter := bot.NewAlerter(api, catalog, logger, viper.GetInt64("owner_id"))

			b := bot.New(bot.Deps{
				Logger:    logger,
				Gateway:   api,
				Config:    cfgStore,
				Registry:  registry,
				Artifacts: tracker,
				Scheduler: scheduler,
				Generator: captcha.NewGenerator(),
				Texts:     catalog,
				Alerter:   alerter,
				BotID:     me.ID,
				TmpDir:    tmpDir,
				Version:   version,
			})
			sw := sweeper.New(sweeper.Deps{
				Logger:         logger,
				Gateway:        api,
				Registry:       registry,
				Artifacts:      tracker,
				Scheduler:      scheduler,
				Texts:          catalog,
				Interval:       viper.GetDuration("sweep_interval"),
				GatewayTimeout: viper.GetDuration("gateway_timeout"),
			})

			pollTimeout := viper.GetDuration("telegram.poll_timeout")
			logger.Info("butterbot_start",
				"bot_username", me.Username,
				"bot_id", me.ID,
				"data_dir", dataDir,
				"poll_timeout", pollTimeout.String(),
				"sweep_interval", viper.GetDuration("sweep_interval").String(),
			)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				sw.Run(ctx)
			}()

			var offset int64
			for ctx.Err() == nil {
				updates, next, err := api.GetUpdates(ctx, offset, pollTimeout)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					logger.Warn("get_updates_error", "error", err.Error())
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
					continue
				}
				offset = next
				for _, u := range updates {
					b.HandleUpdate(ctx, u)
				}
			}

			// Let the sweeper finish its in-flight tick before exiting, so
			// pending config writes complete.
			wg.Wait()
			logger.Info("butterbot_stop")
			return nil
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().String("data-dir", "./data", "Directory for per-chat configuration and scratch files.")
	cmd.Flags().Int64("owner-id", 0, "Telegram user id that receives error alerts (0 disables).")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long polling timeout for getUpdates.")
	cmd.Flags().Duration("sweep-interval", 10*time.Second, "How often deadlines are checked.")
	cmd.Flags().Duration("gateway-timeout", 15*time.Second, "Per-call timeout for Telegram API requests from the sweeper.")

	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("telegram-bot-token"))
	_ = viper.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("owner_id", cmd.Flags().Lookup("owner-id"))
	_ = viper.BindPFlag("telegram.poll_timeout", cmd.Flags().Lookup("telegram-poll-timeout"))
	_ = viper.BindPFlag("sweep_interval", cmd.Flags().Lookup("sweep-interval"))
	_ = viper.BindPFlag("gateway_timeout", cmd.Flags().Lookup("gateway-timeout"))

	return cmd
}
