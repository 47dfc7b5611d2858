package chatcfg

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestLoadMaterializesDefaults(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cfg := s.Load(100)
	if !cfg.Enabled {
		t.Fatalf("Load() Enabled = false, want true")
	}
	if cfg.CaptchaMinutes != DefaultCaptchaMinutes {
		t.Fatalf("Load() CaptchaMinutes = %d, want %d", cfg.CaptchaMinutes, DefaultCaptchaMinutes)
	}
	if cfg.MaxJoinRetries != DefaultMaxJoinRetries {
		t.Fatalf("Load() MaxJoinRetries = %d, want %d", cfg.MaxJoinRetries, DefaultMaxJoinRetries)
	}
	if cfg.CharMode != CharModeNums {
		t.Fatalf("Load() CharMode = %q, want %q", cfg.CharMode, CharModeNums)
	}
}

func TestUpdateThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.Update(42, func(cfg *ChatConfig) {
		cfg.CaptchaMinutes = 7
		cfg.Title = "test group"
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	cfg := s.Load(42)
	if cfg.CaptchaMinutes != 7 {
		t.Fatalf("Load() CaptchaMinutes = %d, want 7", cfg.CaptchaMinutes)
	}
	if cfg.Title != "test group" {
		t.Fatalf("Load() Title = %q, want %q", cfg.Title, "test group")
	}
}

func TestCorruptRecordRepairedWithDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	path := filepath.Join(dir, "chats", "7", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("{{{"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := s.Load(7)
	if cfg.CaptchaMinutes != DefaultCaptchaMinutes {
		t.Fatalf("Load() after corruption CaptchaMinutes = %d, want %d", cfg.CaptchaMinutes, DefaultCaptchaMinutes)
	}
	// The repaired record is written back.
	cfg2 := s.Load(7)
	if cfg2.Enabled != cfg.Enabled || cfg2.CaptchaMinutes != cfg.CaptchaMinutes {
		t.Fatalf("Load() repaired record not stable: %+v vs %+v", cfg, cfg2)
	}
}

func TestMigrateBackfillsNewFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	path := filepath.Join(dir, "chats", "9", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	// An old record that predates max_join_retries and mute_seconds.
	old := `{"schema_version":0,"enabled":true,"captcha_minutes":10}`
	if err := os.WriteFile(path, []byte(old), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := s.Load(9)
	if cfg.CaptchaMinutes != 10 {
		t.Fatalf("Load() CaptchaMinutes = %d, want 10 (existing value kept)", cfg.CaptchaMinutes)
	}
	if cfg.MaxJoinRetries != DefaultMaxJoinRetries {
		t.Fatalf("Load() MaxJoinRetries = %d, want backfilled %d", cfg.MaxJoinRetries, DefaultMaxJoinRetries)
	}
	if cfg.MuteSeconds != DefaultMuteSeconds {
		t.Fatalf("Load() MuteSeconds = %d, want backfilled %d", cfg.MuteSeconds, DefaultMuteSeconds)
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = s.Update(5, func(cfg *ChatConfig) {
					cfg.Difficulty = 1 + (cfg.Difficulty % 5)
					cfg.IgnoredUsers = append(cfg.IgnoredUsers, int64(len(cfg.IgnoredUsers)))
				})
			}
		}()
	}
	wg.Wait()

	cfg := s.Load(5)
	if got := len(cfg.IgnoredUsers); got != workers*perWorker {
		t.Fatalf("Load() len(IgnoredUsers) = %d, want %d (lost update)", got, workers*perWorker)
	}
}

func TestMuteLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()

	if err := s.MuteUntil(1, 55, now.Add(time.Hour)); err != nil {
		t.Fatalf("MuteUntil() error = %v", err)
	}
	if !s.IsMuted(1, 55, now) {
		t.Fatalf("IsMuted() = false, want true")
	}
	if s.IsMuted(1, 56, now) {
		t.Fatalf("IsMuted() for other user = true, want false")
	}

	if err := s.Unmute(1, 55); err != nil {
		t.Fatalf("Unmute() error = %v", err)
	}
	if s.IsMuted(1, 55, now) {
		t.Fatalf("IsMuted() after Unmute = true, want false")
	}
}

func TestIsMutedPrunesExpiredEntries(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now()
	if err := s.MuteUntil(2, 77, now.Add(-time.Minute)); err != nil {
		t.Fatalf("MuteUntil() error = %v", err)
	}

	if s.IsMuted(2, 77, now) {
		t.Fatalf("IsMuted() expired = true, want false")
	}
	cfg := s.Load(2)
	if len(cfg.Muted) != 0 {
		t.Fatalf("Load() Muted = %v, want pruned empty list", cfg.Muted)
	}
}
