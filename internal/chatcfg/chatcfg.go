// Package chatcfg owns the durable per-chat configuration. Each chat has a
// single JSON record on disk; every mutation is an atomic
// read-modify-write serialized per chat, since both the inbound update
// handlers and the background sweeper write configuration concurrently.
package chatcfg

import (
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/bawamax-star/butter-bot/internal/fsstore"
)

const schemaVersion = 1

const (
	DefaultCaptchaMinutes = 5
	MinCaptchaMinutes     = 1
	MaxCaptchaMinutes     = 120
	DefaultDifficulty     = 2
	DefaultMaxJoinRetries = 5
	DefaultMuteSeconds    = 3600
	MaxIgnoredUsers       = 100
)

// Captcha character modes, matching the generator's alphabets.
const (
	CharModeNums  = "nums"
	CharModeHex   = "hex"
	CharModeASCII = "ascii"
)

func ValidCharMode(mode string) bool {
	switch mode {
	case CharModeNums, CharModeHex, CharModeASCII:
		return true
	}
	return false
}

type MuteEntry struct {
	UserID int64 `json:"user_id"`
	Until  int64 `json:"until"`
}

type ChatConfig struct {
	SchemaVersion  int         `json:"schema_version"`
	Title          string      `json:"title,omitempty"`
	Link           string      `json:"link,omitempty"`
	Enabled        bool        `json:"enabled"`
	CaptchaMinutes int         `json:"captcha_minutes"`
	Difficulty     int         `json:"difficulty"`
	CharMode       string      `json:"char_mode"`
	Language       string      `json:"language"`
	MaxJoinRetries int         `json:"max_join_retries"`
	MuteSeconds    int64       `json:"mute_seconds"`
	WelcomeMessage string      `json:"welcome_message"`
	IgnoredUsers   []int64     `json:"ignored_users,omitempty"`
	Muted          []MuteEntry `json:"muted,omitempty"`
}

func Defaults() ChatConfig {
	return ChatConfig{
		SchemaVersion:  schemaVersion,
		Enabled:        true,
		CaptchaMinutes: DefaultCaptchaMinutes,
		Difficulty:     DefaultDifficulty,
		CharMode:       CharModeNums,
		Language:       "en",
		MaxJoinRetries: DefaultMaxJoinRetries,
		MuteSeconds:    DefaultMuteSeconds,
		WelcomeMessage: "-",
	}
}

// migrate backfills fields a previous schema (or a hand-edited record)
// left at their zero value. It reports whether anything changed so the
// caller can persist the repaired record right away.
func migrate(cfg *ChatConfig) bool {
	def := Defaults()
	changed := false
	if cfg.CaptchaMinutes < MinCaptchaMinutes {
		cfg.CaptchaMinutes = def.CaptchaMinutes
		changed = true
	}
	if cfg.CaptchaMinutes > MaxCaptchaMinutes {
		cfg.CaptchaMinutes = MaxCaptchaMinutes
		changed = true
	}
	if cfg.Difficulty < 1 || cfg.Difficulty > 5 {
		cfg.Difficulty = def.Difficulty
		changed = true
	}
	if !ValidCharMode(cfg.CharMode) {
		cfg.CharMode = def.CharMode
		changed = true
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
		changed = true
	}
	if cfg.MaxJoinRetries <= 0 {
		cfg.MaxJoinRetries = def.MaxJoinRetries
		changed = true
	}
	if cfg.MuteSeconds <= 0 {
		cfg.MuteSeconds = def.MuteSeconds
		changed = true
	}
	if cfg.WelcomeMessage == "" {
		cfg.WelcomeMessage = def.WelcomeMessage
		changed = true
	}
	if cfg.SchemaVersion != schemaVersion {
		cfg.SchemaVersion = schemaVersion
		changed = true
	}
	return changed
}

type chatState struct {
	mu sync.Mutex
}

type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	chats map[int64]*chatState
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		chats:  make(map[int64]*chatState),
	}
}

func (s *Store) path(chatID int64) string {
	return filepath.Join(s.dir, "chats", strconv.FormatInt(chatID, 10), "config.json")
}

func (s *Store) state(chatID int64) *chatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.chats[chatID]
	if !ok {
		st = &chatState{}
		s.chats[chatID] = st
	}
	return st
}

// loadLocked reads the chat record, repairing unreadable or stale records
// with defaults. The caller must hold the chat mutex.
func (s *Store) loadLocked(chatID int64) ChatConfig {
	var cfg ChatConfig
	ok, err := fsstore.ReadJSON(s.path(chatID), &cfg)
	if err != nil {
		s.logger.Warn("chat_config_unreadable", "chat_id", chatID, "error", err.Error())
		ok = false
	}
	if !ok {
		cfg = Defaults()
	}
	if migrate(&cfg) {
		if err := s.writeLocked(chatID, cfg); err != nil {
			s.logger.Warn("chat_config_migrate_write_error", "chat_id", chatID, "error", err.Error())
		}
	}
	return cfg
}

func (s *Store) writeLocked(chatID int64, cfg ChatConfig) error {
	return fsstore.WriteJSONAtomic(s.path(chatID), cfg, fsstore.FileOptions{})
}

// Load returns a copy of the chat configuration, materializing defaults
// for chats seen for the first time.
func (s *Store) Load(chatID int64) ChatConfig {
	st := s.state(chatID)
	st.mu.Lock()
	defer st.mu.Unlock()
	cfg := s.loadLocked(chatID)
	cfg.IgnoredUsers = slices.Clone(cfg.IgnoredUsers)
	cfg.Muted = slices.Clone(cfg.Muted)
	return cfg
}

// Update applies mutate under the chat's read-modify-write lock and
// persists the result. Concurrent updates to the same chat serialize;
// different chats proceed in parallel.
func (s *Store) Update(chatID int64, mutate func(*ChatConfig)) error {
	st := s.state(chatID)
	st.mu.Lock()
	defer st.mu.Unlock()
	cfg := s.loadLocked(chatID)
	mutate(&cfg)
	migrate(&cfg)
	return s.writeLocked(chatID, cfg)
}

// MuteUntil records a mute for user until the given time, replacing any
// previous entry for the same user.
func (s *Store) MuteUntil(chatID, userID int64, until time.Time) error {
	return s.Update(chatID, func(cfg *ChatConfig) {
		cfg.Muted = slices.DeleteFunc(cfg.Muted, func(m MuteEntry) bool {
			return m.UserID == userID
		})
		cfg.Muted = append(cfg.Muted, MuteEntry{UserID: userID, Until: until.Unix()})
	})
}

func (s *Store) Unmute(chatID, userID int64) error {
	return s.Update(chatID, func(cfg *ChatConfig) {
		cfg.Muted = slices.DeleteFunc(cfg.Muted, func(m MuteEntry) bool {
			return m.UserID == userID
		})
	})
}

// IsMuted reports whether user is muted in chat at now. Expired entries
// are dropped from the record, not merely ignored.
func (s *Store) IsMuted(chatID, userID int64, now time.Time) bool {
	st := s.state(chatID)
	st.mu.Lock()
	defer st.mu.Unlock()

	cfg := s.loadLocked(chatID)
	muted := false
	kept := cfg.Muted[:0]
	for _, m := range cfg.Muted {
		if m.Until <= now.Unix() {
			continue
		}
		if m.UserID == userID {
			muted = true
		}
		kept = append(kept, m)
	}
	if len(kept) != len(cfg.Muted) {
		cfg.Muted = kept
		if err := s.writeLocked(chatID, cfg); err != nil {
			s.logger.Warn("chat_config_prune_write_error", "chat_id", chatID, "error", err.Error())
		}
	}
	return muted
}
