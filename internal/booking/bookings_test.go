package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/pickleplay/internal/model"
	"github.com/hitoshi/pickleplay/internal/repository"
)

func TestEngine_BookSameGameTwice(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")

	if got := e.GetGameBookings(ctx, "g4"); got != 0 {
		t.Fatalf("GetGameBookings before booking = %d, want 0", got)
	}

	b := mustBook(t, e, "a@x.com", "g4")
	if b.Status != model.BookingStatusUpcoming {
		t.Errorf("Status = %q, want upcoming", b.Status)
	}
	if got := e.GetGameBookings(ctx, "g4"); got != 1 {
		t.Errorf("GetGameBookings after booking = %d, want 1", got)
	}

	_, err := e.BookGame(ctx, "a@x.com", "g4")
	assertCode(t, err, model.ErrCodeAlreadyBooked)
	if !strings.Contains(err.Error(), "already booked") {
		t.Errorf("message = %q, want it to mention already booked", err.Error())
	}
	if got := e.GetGameBookings(ctx, "g4"); got != 1 {
		t.Errorf("GetGameBookings after duplicate = %d, want 1", got)
	}
}

func TestEngine_BookUntilFull(t *testing.T) {
	ctx := context.Background()
	metrics := &fakeMetrics{}
	e := newTestEngine(t, repository.NewMemoryStorage(), WithMetrics(metrics))
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		mustRegister(t, e, email, "pw", email)
	}

	mustBook(t, e, "a@x.com", "g2")
	mustBook(t, e, "b@x.com", "g2")

	_, err := e.BookGame(ctx, "c@x.com", "g2")
	assertCode(t, err, model.ErrCodeGameFull)
	if !strings.Contains(err.Error(), "already full") {
		t.Errorf("message = %q, want it to mention already full", err.Error())
	}
	if got := e.GetGameBookings(ctx, "g2"); got != 2 {
		t.Errorf("GetGameBookings = %d, want 2", got)
	}
	if metrics.created != 2 || metrics.rejected[model.ErrCodeGameFull] != 1 {
		t.Errorf("metrics = created %d, rejected %v", metrics.created, metrics.rejected)
	}
}

func TestEngine_ExistingPlayersCountTowardCapacity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	mustRegister(t, e, "b@x.com", "pw", "Bob")

	// seededは定員3で、定義済みの参加者が2人いる
	mustBook(t, e, "a@x.com", "seeded")

	_, err := e.BookGame(ctx, "b@x.com", "seeded")
	assertCode(t, err, model.ErrCodeGameFull)
}

func TestEngine_BookGame_SkillLevel(t *testing.T) {
	tests := []struct {
		name      string
		userSkill string
		gameID    string
		wantCode  string
	}{
		{name: "ユーザー未設定", userSkill: "", gameID: "adv"},
		{name: "ゲーム未設定", userSkill: "Beginner", gameID: "g4"},
		{name: "大文字小文字違いで一致", userSkill: "ADVANCED", gameID: "adv"},
		{name: "不一致", userSkill: "Beginner", gameID: "adv", wantCode: model.ErrCodeSkillMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, repository.NewMemoryStorage())
			mustRegister(t, e, "a@x.com", "pw", "Ann")
			if tt.userSkill != "" {
				skill := tt.userSkill
				if _, err := e.UpdateProfile(ctx, "a@x.com", model.ProfileUpdate{SkillLevel: &skill}); err != nil {
					t.Fatalf("UpdateProfile returned error: %v", err)
				}
			}

			_, err := e.BookGame(ctx, "a@x.com", tt.gameID)
			if tt.wantCode != "" {
				assertCode(t, err, tt.wantCode)
				if got := e.GetGameBookings(ctx, tt.gameID); got != 0 {
					t.Errorf("GetGameBookings = %d, want 0", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BookGame returned error: %v", err)
			}
		})
	}
}

func TestEngine_BookGame_NotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")

	_, err := e.BookGame(ctx, "nobody@x.com", "g4")
	assertCode(t, err, model.ErrCodeUserNotFound)

	_, err = e.BookGame(ctx, "a@x.com", "missing")
	assertCode(t, err, model.ErrCodeGameNotFound)
}

func TestEngine_BookingSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, repository.NewMemoryStorage(), WithClock(clock.Now))
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	name := "Annie"
	img := model.ProfileImage{URI: "file://ann.png"}
	if _, err := e.UpdateProfile(ctx, "a@x.com", model.ProfileUpdate{DisplayName: &name, ProfileImage: &img}); err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}

	b := mustBook(t, e, "a@x.com", "g4")

	wantID := fmt.Sprintf("g4_%d", clock.Now().UnixMilli())
	if b.ID != wantID {
		t.Errorf("ID = %q, want %q", b.ID, wantID)
	}
	if b.GameID != "g4" || b.Court != "Court 1" || b.Location != "Riverside Park" || b.Time != "08:00 AM" || b.Price != 10 {
		t.Errorf("game snapshot = %+v", b)
	}
	if b.UserName != "Annie" || b.UserEmail != "a@x.com" {
		t.Errorf("user snapshot = (%q, %q), want (Annie, a@x.com)", b.UserName, b.UserEmail)
	}
	if b.UserProfileImage == nil || b.UserProfileImage.URI != "file://ann.png" {
		t.Errorf("UserProfileImage = %+v", b.UserProfileImage)
	}
	if !b.BookedAt.Equal(clock.Now()) {
		t.Errorf("BookedAt = %v, want %v", b.BookedAt, clock.Now())
	}
}

func TestEngine_BookingIDsStayUniqueWithinSameMillisecond(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, repository.NewMemoryStorage(), WithClock(clock.Now))
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	mustRegister(t, e, "b@x.com", "pw", "Bob")

	first := mustBook(t, e, "a@x.com", "g4")
	second := mustBook(t, e, "b@x.com", "g4")

	ms := clock.Now().UnixMilli()
	if first.ID != fmt.Sprintf("g4_%d", ms) || second.ID != fmt.Sprintf("g4_%d", ms+1) {
		t.Errorf("ids = (%q, %q)", first.ID, second.ID)
	}

	ids, err := e.BookedGameIDs(ctx, "g4")
	if err != nil {
		t.Fatalf("BookedGameIDs returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Errorf("index = %v, want [%s %s]", ids, first.ID, second.ID)
	}
}

func TestEngine_CancelBookingTwice(t *testing.T) {
	ctx := context.Background()
	metrics := &fakeMetrics{}
	e := newTestEngine(t, repository.NewMemoryStorage(), WithMetrics(metrics))
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	b := mustBook(t, e, "a@x.com", "g4")

	if err := e.CancelBooking(ctx, "a@x.com", b.ID); err != nil {
		t.Fatalf("CancelBooking returned error: %v", err)
	}
	assertIndexEmpty(t, e, "g4")

	err := e.CancelBooking(ctx, "a@x.com", b.ID)
	assertCode(t, err, model.ErrCodeBookingNotFound)
	assertIndexEmpty(t, e, "g4")

	bookings, err := e.ListBookings(ctx, "a@x.com", "")
	if err != nil {
		t.Fatalf("ListBookings returned error: %v", err)
	}
	if len(bookings) != 1 {
		t.Fatalf("bookings = %d, want 1 (cancelled booking stays in history)", len(bookings))
	}
	if bookings[0].ID != b.ID || bookings[0].Status != model.BookingStatusCancelled {
		t.Errorf("booking = %+v, want cancelled %s", bookings[0], b.ID)
	}
	if got := e.GetGameBookings(ctx, "g4"); got != 0 {
		t.Errorf("GetGameBookings = %d, want 0", got)
	}
	if metrics.cancelled != 1 {
		t.Errorf("cancelled metric = %d, want 1", metrics.cancelled)
	}
}

func TestEngine_CancelBooking_NotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	mustRegister(t, e, "b@x.com", "pw", "Bob")
	b := mustBook(t, e, "a@x.com", "g4")

	assertCode(t, e.CancelBooking(ctx, "nobody@x.com", b.ID), model.ErrCodeUserNotFound)
	assertCode(t, e.CancelBooking(ctx, "a@x.com", "g4_0"), model.ErrCodeBookingNotFound)
	// 他のユーザーの予約はキャンセルできない
	assertCode(t, e.CancelBooking(ctx, "b@x.com", b.ID), model.ErrCodeBookingNotFound)

	if got := e.GetGameBookings(ctx, "g4"); got != 1 {
		t.Errorf("GetGameBookings = %d, want 1", got)
	}
}

func TestEngine_RebookAfterCancel(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, repository.NewMemoryStorage(), WithClock(clock.Now))
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	first := mustBook(t, e, "a@x.com", "g4")
	if err := e.CancelBooking(ctx, "a@x.com", first.ID); err != nil {
		t.Fatalf("CancelBooking returned error: %v", err)
	}

	clock.Advance(time.Minute)
	second := mustBook(t, e, "a@x.com", "g4")

	bookings, _ := e.ListBookings(ctx, "a@x.com", "")
	if len(bookings) != 2 || bookings[0].ID != second.ID {
		t.Fatalf("bookings = %+v, want newest first", bookings)
	}
	upcoming, _ := e.ListBookings(ctx, "a@x.com", model.BookingStatusUpcoming)
	if len(upcoming) != 1 || upcoming[0].ID != second.ID {
		t.Errorf("upcoming = %+v, want only %s", upcoming, second.ID)
	}
}

func TestEngine_ClearBookedGames(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	mustRegister(t, e, "b@x.com", "pw", "Bob")
	mustBook(t, e, "a@x.com", "g4")
	mustBook(t, e, "a@x.com", "big")
	other := mustBook(t, e, "b@x.com", "g4")

	if err := e.ClearBookedGames(ctx, "a@x.com"); err != nil {
		t.Fatalf("ClearBookedGames returned error: %v", err)
	}

	bookings, _ := e.ListBookings(ctx, "a@x.com", "")
	if len(bookings) != 0 {
		t.Errorf("bookings = %d, want 0", len(bookings))
	}
	assertIndexEmpty(t, e, "big")
	ids, _ := e.BookedGameIDs(ctx, "g4")
	if len(ids) != 1 || ids[0] != other.ID {
		t.Errorf("g4 index = %v, want [%s]", ids, other.ID)
	}

	assertCode(t, e.ClearBookedGames(ctx, "nobody@x.com"), model.ErrCodeUserNotFound)
}

func TestEngine_GetGameBookings_UnknownOrEmpty(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())

	if got := e.GetGameBookings(ctx, ""); got != 0 {
		t.Errorf("GetGameBookings(\"\") = %d, want 0", got)
	}
	if got := e.GetGameBookings(ctx, "missing"); got != 0 {
		t.Errorf("GetGameBookings(missing) = %d, want 0", got)
	}
}

func TestEngine_GetRegisteredPlayers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newTestEngine(t, repository.NewMemoryStorage(), WithClock(clock.Now))
	mustRegister(t, e, "b@x.com", "pw", "Bob")
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	mustRegister(t, e, "c@x.com", "pw", "Cat")

	mustBook(t, e, "b@x.com", "g4")
	clock.Advance(time.Second)
	mustBook(t, e, "a@x.com", "g4")
	clock.Advance(time.Second)
	cancelled := mustBook(t, e, "c@x.com", "g4")
	if err := e.CancelBooking(ctx, "c@x.com", cancelled.ID); err != nil {
		t.Fatalf("CancelBooking returned error: %v", err)
	}

	players := e.GetRegisteredPlayers(ctx, "g4")
	if len(players) != 2 {
		t.Fatalf("players = %+v, want 2", players)
	}
	if players[0].Name != "Bob" || players[1].Name != "Ann" {
		t.Errorf("players = [%s %s], want booking order [Bob Ann]", players[0].Name, players[1].Name)
	}

	if got := e.GetRegisteredPlayers(ctx, "big"); len(got) != 0 {
		t.Errorf("players for big = %+v, want empty", got)
	}
}

func TestEngine_ListGamesWithAvailability(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	mustBook(t, e, "a@x.com", "seeded")

	games, err := e.ListGames(ctx, model.GameFilter{Location: "lakeside"})
	if err != nil {
		t.Fatalf("ListGames returned error: %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("games = %d, want 2", len(games))
	}
	if games[0].ID != "seeded" || games[0].BookedCount != 1 || games[0].SpotsLeft != 0 {
		t.Errorf("seeded = %+v, want booked 1, spots 0", games[0])
	}

	g, err := e.GetGame(ctx, "g4")
	if err != nil {
		t.Fatalf("GetGame returned error: %v", err)
	}
	if g.SpotsLeft != 4 {
		t.Errorf("SpotsLeft = %d, want 4", g.SpotsLeft)
	}
	_, err = e.GetGame(ctx, "missing")
	assertCode(t, err, model.ErrCodeGameNotFound)

	data, _ := json.Marshal(g)
	if !strings.Contains(string(data), `"spotsLeft":4`) || !strings.Contains(string(data), `"maxPlayers":4`) {
		t.Errorf("availability json = %s", data)
	}
}

func TestEngine_ConcurrentBookingsNeverExceedCapacity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	const users = 20
	for i := 0; i < users; i++ {
		mustRegister(t, e, fmt.Sprintf("u%d@x.com", i), "pw", fmt.Sprintf("User %d", i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.BookGame(ctx, fmt.Sprintf("u%d@x.com", i), "big")
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !model.HasCode(err, model.ErrCodeGameFull) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if success != 5 {
		t.Errorf("successful bookings = %d, want 5", success)
	}
	if got := e.GetGameBookings(ctx, "big"); got != 5 {
		t.Errorf("GetGameBookings = %d, want 5", got)
	}
	ids, _ := e.BookedGameIDs(ctx, "big")
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate booking id %s", id)
		}
		seen[id] = true
	}
	if len(ids) != 5 {
		t.Errorf("index size = %d, want 5", len(ids))
	}
}

func TestEngine_ConcurrentDoubleTap(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, repository.NewMemoryStorage())
	mustRegister(t, e, "a@x.com", "pw", "Ann")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.BookGame(ctx, "a@x.com", "g4"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful bookings = %d, want 1", success)
	}
	if got := e.GetGameBookings(ctx, "g4"); got != 1 {
		t.Errorf("GetGameBookings = %d, want 1", got)
	}
}

func TestEngine_PersistFailureDoesNotLeaveMemoryAhead(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{MemoryStorage: repository.NewMemoryStorage()}
	e := newTestEngine(t, storage)
	mustRegister(t, e, "a@x.com", "pw", "Ann")

	storage.setFail(true)
	if _, err := e.BookGame(ctx, "a@x.com", "g4"); err == nil {
		t.Fatal("expected BookGame to fail when storage fails")
	}
	storage.setFail(false)

	if got := e.GetGameBookings(ctx, "g4"); got != 0 {
		t.Errorf("GetGameBookings = %d, want 0 after failed persist", got)
	}
	if _, err := e.BookGame(ctx, "a@x.com", "g4"); err != nil {
		t.Errorf("BookGame after recovery returned error: %v", err)
	}
}

func TestEngine_CancelledContextAbortsBeforeMutation(t *testing.T) {
	storage := repository.NewMemoryStorage()
	e := newTestEngine(t, storage, WithLatency(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Register(ctx, "a@x.com", "pw", "Ann")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Register error = %v, want context.Canceled", err)
	}
	if _, found, _ := storage.GetItem(context.Background(), usersKey); found {
		t.Error("aborted registration should not persist users")
	}
	if got := e.GetGameBookings(ctx, "g4"); got != 0 {
		t.Errorf("GetGameBookings with cancelled context = %d, want 0", got)
	}
}

func TestEngine_Latency(t *testing.T) {
	e := newTestEngine(t, repository.NewMemoryStorage(), WithLatency(20*time.Millisecond))

	start := time.Now()
	mustRegister(t, e, "a@x.com", "pw", "Ann")
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Register took %v, want at least 20ms", elapsed)
	}
}

func assertIndexEmpty(t *testing.T, e *Engine, gameID string) {
	t.Helper()
	ids, err := e.BookedGameIDs(context.Background(), gameID)
	if err != nil {
		t.Fatalf("BookedGameIDs returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("index for %s = %v, want empty", gameID, ids)
	}
}

// TestEngine_ListCurrentGames_ReflectsOtherEngine は別のEngineの予約がストレージ経由で反映されることを検証する。
func TestEngine_ListCurrentGames_ReflectsOtherEngine(t *testing.T) {
	ctx := context.Background()
	storage := repository.NewMemoryStorage()
	api := newTestEngine(t, storage)
	worker := newTestEngine(t, storage)

	// workerのEngineが先に状態を読み込んでおく
	if _, err := worker.ListGames(ctx, model.GameFilter{}); err != nil {
		t.Fatalf("ListGames returned error: %v", err)
	}

	mustRegister(t, api, "a@x.com", "pw", "Ann")
	mustBook(t, api, "a@x.com", "g4")

	games, err := worker.ListCurrentGames(ctx, model.GameFilter{})
	if err != nil {
		t.Fatalf("ListCurrentGames returned error: %v", err)
	}
	var found bool
	for _, g := range games {
		if g.ID != "g4" {
			continue
		}
		found = true
		if g.BookedCount != 1 {
			t.Errorf("BookedCount = %d, want 1", g.BookedCount)
		}
		if g.SpotsLeft != g.MaxPlayers-g.ExistingPlayers()-1 {
			t.Errorf("SpotsLeft = %d, want one seat fewer", g.SpotsLeft)
		}
	}
	if !found {
		t.Fatal("g4 should be listed")
	}
}

func TestEngine_ListCurrentGames_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestEngine(t, repository.NewMemoryStorage())

	if _, err := e.ListCurrentGames(ctx, model.GameFilter{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
