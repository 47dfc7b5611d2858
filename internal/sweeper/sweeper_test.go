package sweeper

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bawamax-star/butter-bot/internal/artifacts"
	"github.com/bawamax-star/butter-bot/internal/challenge"
	"github.com/bawamax-star/butter-bot/internal/selfdestruct"
	"github.com/bawamax-star/butter-bot/internal/telegram"
	"github.com/bawamax-star/butter-bot/internal/texts"
)

type fakeGateway struct {
	mu        sync.Mutex
	deleteRes map[int64]telegram.DeleteResult // message id -> result
	kickRes   telegram.MemberResult
	banRes    telegram.MemberResult
	deleted   []int64
	kicked    []int64
	banned    []int64
	sent      []string
	nextMsgID int64
}

func (f *fakeGateway) DeleteMessage(_ context.Context, _, messageID int64) (telegram.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	if res, ok := f.deleteRes[messageID]; ok {
		return res, nil
	}
	return telegram.DeleteOK, nil
}

func (f *fakeGateway) KickUser(_ context.Context, _, userID int64) (telegram.MemberResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, userID)
	return f.kickRes, nil
}

func (f *fakeGateway) BanUser(_ context.Context, _, userID int64) (telegram.MemberResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = append(f.banned, userID)
	return f.banRes, nil
}

func (f *fakeGateway) SendMessage(_ context.Context, _ int64, text string, _ telegram.SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.nextMsgID++
	return 5000 + f.nextMsgID, nil
}

type testEnv struct {
	sweeper   *Sweeper
	gw        *fakeGateway
	registry  *challenge.Registry
	artifacts *artifacts.Tracker
	scheduler *selfdestruct.Scheduler
}

func newTestEnv(t *testing.T, timeout time.Duration, maxRetries int) *testEnv {
	t.Helper()
	catalog, err := texts.Load()
	if err != nil {
		t.Fatalf("texts.Load() error = %v", err)
	}
	env := &testEnv{
		gw: &fakeGateway{},
		registry: challenge.NewRegistry(challenge.Policy{
			Timeout:    func(int64) time.Duration { return timeout },
			MaxRetries: func(int64) int { return maxRetries },
		}),
		artifacts: artifacts.NewTracker(),
		scheduler: selfdestruct.NewScheduler(),
	}
	env.sweeper = New(Deps{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gateway:   env.gw,
		Registry:  env.registry,
		Artifacts: env.artifacts,
		Scheduler: env.scheduler,
		Texts:     catalog,
	})
	return env
}

func TestTickDeletesDueMessages(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 5)
	t0 := time.Now()
	env.scheduler.Schedule(1, 100, time.Minute, t0)
	env.scheduler.Schedule(1, 101, 10*time.Minute, t0)

	env.sweeper.Tick(context.Background(), t0.Add(time.Minute))

	if len(env.gw.deleted) != 1 || env.gw.deleted[0] != 100 {
		t.Fatalf("deleted = %v, want [100]", env.gw.deleted)
	}
	if env.scheduler.Len() != 1 {
		t.Fatalf("scheduler.Len() = %d, want 1 remaining", env.scheduler.Len())
	}
}

func TestTickSendsOneNoPermissionNotice(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 5)
	env.gw.deleteRes = map[int64]telegram.DeleteResult{100: telegram.DeleteNoPermission}
	t0 := time.Now()
	env.scheduler.Schedule(1, 100, time.Minute, t0)

	env.sweeper.Tick(context.Background(), t0.Add(time.Minute))

	if len(env.gw.sent) != 1 || !strings.Contains(env.gw.sent[0], "delete messages") {
		t.Fatalf("sent = %v, want one delete-permission notice", env.gw.sent)
	}
	// The notice itself self-destructs, and the failed entry is dropped.
	if env.scheduler.Len() != 1 {
		t.Fatalf("scheduler.Len() = %d, want only the notice queued", env.scheduler.Len())
	}
	env.gw.deleteRes = nil
	env.sweeper.Tick(context.Background(), t0.Add(time.Hour))
	if len(env.gw.sent) != 1 {
		t.Fatalf("sent = %v, want no repeated notice", env.gw.sent)
	}
}

func TestTickKicksExpiredChallenge(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 5)
	t0 := time.Now()
	env.registry.Issue(1, 10, "Ada", "AB12", t0)
	env.artifacts.Record(1, 10, artifacts.KindJoinNotice, 50)
	env.artifacts.Record(1, 10, artifacts.KindCaptchaImage, 51)

	env.sweeper.Tick(context.Background(), t0.Add(5*time.Minute))

	if len(env.gw.kicked) != 1 || env.gw.kicked[0] != 10 {
		t.Fatalf("kicked = %v, want [10]", env.gw.kicked)
	}
	if len(env.gw.deleted) != 2 {
		t.Fatalf("deleted = %v, want both join artifacts", env.gw.deleted)
	}
	if len(env.gw.sent) != 1 || !strings.Contains(env.gw.sent[0], "Ada") {
		t.Fatalf("sent = %v, want a kick notice naming the user", env.gw.sent)
	}
	// Kick notice self-destructs.
	if env.scheduler.Len() != 1 {
		t.Fatalf("scheduler.Len() = %d, want the notice queued", env.scheduler.Len())
	}

	entry, ok := env.registry.Lookup(1, 10)
	if !ok || entry.State != challenge.StateKicked {
		t.Fatalf("Lookup() = %+v, %v; want kicked entry in grace", entry, ok)
	}
}

func TestKickNoRightsNoticeIsNotEphemeral(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 5)
	env.gw.kickRes = telegram.MemberNoPermission
	t0 := time.Now()
	env.registry.Issue(1, 10, "Ada", "AB12", t0)

	env.sweeper.Tick(context.Background(), t0.Add(5*time.Minute))

	if len(env.gw.sent) != 1 || !strings.Contains(env.gw.sent[0], "ban users") {
		t.Fatalf("sent = %v, want the missing-permission notice", env.gw.sent)
	}
	if env.scheduler.Len() != 0 {
		t.Fatalf("scheduler.Len() = %d, want 0 (notice must persist)", env.scheduler.Len())
	}
}

func TestTickBansAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t, time.Minute, 2)
	now := time.Now()

	// Two failed rounds: one kick, then a ban.
	env.registry.Issue(1, 10, "Ada", "AB12", now)
	now = now.Add(time.Minute)
	env.sweeper.Tick(context.Background(), now)
	env.registry.Issue(1, 10, "Ada", "CD34", now)
	now = now.Add(time.Minute)
	env.sweeper.Tick(context.Background(), now)

	if len(env.gw.kicked) != 1 {
		t.Fatalf("kicked = %v, want one kick", env.gw.kicked)
	}
	if len(env.gw.banned) != 1 || env.gw.banned[0] != 10 {
		t.Fatalf("banned = %v, want [10]", env.gw.banned)
	}
	if !strings.Contains(env.gw.sent[len(env.gw.sent)-1], "banned") {
		t.Fatalf("sent = %v, want a ban notice last", env.gw.sent)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t, time.Minute, 5)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop after cancel")
	}
}
