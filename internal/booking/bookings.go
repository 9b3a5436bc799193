package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/pickleplay/internal/model"
)

// GameAvailability はゲーム定義に現在の予約状況を加えたもの。
type GameAvailability struct {
	model.Game
	BookedCount int `json:"bookedCount"`
	SpotsLeft   int `json:"spotsLeft"`
}

// GetGameBookings は全ユーザーを通した指定ゲームの予約中（upcoming）の予約数を返す。
// IDが空、未知のゲーム、ストレージ障害の場合はログを出して0を返す。
func (e *Engine) GetGameBookings(ctx context.Context, gameID string) int {
	if gameID == "" {
		e.logger.Warn("ゲームIDが指定されていません")
		return 0
	}
	if _, ok := e.catalog.FindGame(gameID); !ok {
		e.logger.Warn("未知のゲームの予約数が要求されました", slog.String("game_id", gameID))
		return 0
	}

	unlock, err := e.begin(ctx)
	if err != nil {
		e.logger.Error("予約数の取得に失敗しました",
			slog.String("game_id", gameID),
			slog.String("error", err.Error()),
		)
		return 0
	}
	defer unlock()

	return e.activeBookings(gameID)
}

// BookGame はユーザーのゲーム予約を作成する。
// 定員、スキルレベル、重複予約の順に検証し、すべて満たした場合のみ予約を作成する。
func (e *Engine) BookGame(ctx context.Context, email, gameID string) (*model.Booking, error) {
	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		return nil, err
	}
	game, ok := e.catalog.FindGame(gameID)
	if !ok {
		return nil, model.NewGameNotFoundError(gameID)
	}

	if game.ExistingPlayers()+e.activeBookings(game.ID) >= game.MaxPlayers {
		return nil, e.rejectBooking(model.NewGameFullError())
	}
	if rec.SkillLevel != "" && game.SkillLevel != "" && !rec.SkillLevel.Matches(game.SkillLevel) {
		return nil, e.rejectBooking(model.NewSkillMismatchError(game.SkillLevel, rec.SkillLevel))
	}
	if rec.UpcomingBookingFor(game.ID) != nil {
		return nil, e.rejectBooking(model.NewAlreadyBookedError())
	}

	now := e.now().UTC()
	b := model.Booking{
		ID:               e.newBookingID(game.ID, now.UnixMilli()),
		GameID:           game.ID,
		BookedAt:         now,
		Time:             game.Time,
		Court:            game.Court,
		Location:         game.Location,
		SkillRating:      game.SkillLevel,
		Price:            game.Price,
		Status:           model.BookingStatusUpcoming,
		UserName:         rec.displayName(),
		UserEmail:        rec.Email,
		UserProfileImage: rec.public().ProfileImage,
		UserSkillLevel:   rec.SkillLevel,
	}

	e.bookedGames[game.ID] = append(e.bookedGames[game.ID], b.ID)
	rec.Bookings = append([]model.Booking{b}, rec.Bookings...)
	rec.UpdatedAt = now

	if err := e.persist(ctx); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordBookingCreated(game.ID)
	}
	e.logger.Info("ゲームを予約しました",
		slog.String("booking_id", b.ID),
		slog.String("game_id", game.ID),
		slog.String("user_id", rec.ID),
	)
	return &b, nil
}

// CancelBooking は予約をキャンセル済みにし、予約インデックスから外す。
// 予約はユーザーの履歴に残る。キャンセル済みの予約は見つからないものとして扱う。
func (e *Engine) CancelBooking(ctx context.Context, email, bookingID string) error {
	unlock, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		return err
	}

	var target *model.Booking
	for i := range rec.Bookings {
		if rec.Bookings[i].ID == bookingID && rec.Bookings[i].Status != model.BookingStatusCancelled {
			target = &rec.Bookings[i]
			break
		}
	}
	if target == nil {
		return model.NewBookingNotFoundError(bookingID)
	}

	target.Status = model.BookingStatusCancelled
	e.unindex(target.GameID, target.ID)
	rec.UpdatedAt = e.now().UTC()

	if err := e.persist(ctx); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordBookingCancelled(target.GameID)
	}
	e.logger.Info("予約をキャンセルしました",
		slog.String("booking_id", bookingID),
		slog.String("user_id", rec.ID),
	)
	return nil
}

// ClearBookedGames はユーザーの予約をすべて削除し、予約インデックスからも外す。
// 管理・テスト用の操作で、キャンセルと異なり履歴も残さない。
func (e *Engine) ClearBookedGames(ctx context.Context, email string) error {
	unlock, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		return err
	}

	for _, b := range rec.Bookings {
		e.unindex(b.GameID, b.ID)
	}
	cleared := len(rec.Bookings)
	rec.Bookings = []model.Booking{}
	rec.UpdatedAt = e.now().UTC()

	if err := e.persist(ctx); err != nil {
		return err
	}

	e.logger.Info("予約を全件削除しました",
		slog.String("user_id", rec.ID),
		slog.Int("count", cleared),
	)
	return nil
}

// GetRegisteredPlayers は指定ゲームを予約中のユーザーの公開プロフィールを予約順で返す。
// ストレージ障害の場合はログを出して空の一覧を返す。
func (e *Engine) GetRegisteredPlayers(ctx context.Context, gameID string) []model.Player {
	unlock, err := e.begin(ctx)
	if err != nil {
		e.logger.Error("参加者一覧の取得に失敗しました",
			slog.String("game_id", gameID),
			slog.String("error", err.Error()),
		)
		return []model.Player{}
	}
	defer unlock()

	type entry struct {
		player model.Player
		booked int64
	}
	var entries []entry
	for _, rec := range e.users {
		b := rec.UpcomingBookingFor(gameID)
		if b == nil {
			continue
		}
		u := rec.public()
		entries = append(entries, entry{
			player: model.Player{
				ID:           u.ID,
				Name:         rec.displayName(),
				Email:        u.Email,
				ProfileImage: u.ProfileImage,
				SkillLevel:   u.SkillLevel,
			},
			booked: b.BookedAt.UnixNano(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].booked != entries[j].booked {
			return entries[i].booked < entries[j].booked
		}
		return entries[i].player.Email < entries[j].player.Email
	})

	players := make([]model.Player, 0, len(entries))
	for _, en := range entries {
		players = append(players, en.player)
	}
	return players
}

// ListBookings はユーザーの予約を新しい順で返す。statusが空の場合は全件を返す。
func (e *Engine) ListBookings(ctx context.Context, email string, status model.BookingStatus) ([]model.Booking, error) {
	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		return nil, err
	}

	out := make([]model.Booking, 0, len(rec.Bookings))
	for _, b := range rec.Bookings {
		if status == "" || b.Status == status {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListGames はフィルタ条件に一致するゲームを予約状況付きで返す。
func (e *Engine) ListGames(ctx context.Context, filter model.GameFilter) ([]GameAvailability, error) {
	games := e.catalog.ListGames(filter)

	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := make([]GameAvailability, 0, len(games))
	for _, g := range games {
		out = append(out, e.availability(g))
	}
	return out, nil
}

// ListCurrentGames はストレージから状態を読み直し、ListGamesと同じ一覧を返す。
// 別プロセスのEngineの予約を反映する必要があるバックグラウンドリフレッシュで使う。
// 擬似的な遅延は挿入しない。
func (e *Engine) ListCurrentGames(ctx context.Context, filter model.GameFilter) ([]GameAvailability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	games := e.catalog.ListGames(filter)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	out := make([]GameAvailability, 0, len(games))
	for _, g := range games {
		out = append(out, e.availability(g))
	}
	return out, nil
}

// GetGame は指定ゲームを予約状況付きで返す。
func (e *Engine) GetGame(ctx context.Context, gameID string) (*GameAvailability, error) {
	game, ok := e.catalog.FindGame(gameID)
	if !ok {
		return nil, model.NewGameNotFoundError(gameID)
	}

	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a := e.availability(*game)
	return &a, nil
}

// availability は呼び出し側でe.muを保持していること。
func (e *Engine) availability(g model.Game) GameAvailability {
	booked := e.activeBookings(g.ID)
	left := g.MaxPlayers - g.ExistingPlayers() - booked
	if left < 0 {
		left = 0
	}
	return GameAvailability{Game: g, BookedCount: booked, SpotsLeft: left}
}

// activeBookings は全ユーザーを走査して予約中の予約数を数える。
// 呼び出し側でe.muを保持していること。
func (e *Engine) activeBookings(gameID string) int {
	n := 0
	for _, rec := range e.users {
		for _, b := range rec.Bookings {
			if b.GameID == gameID && b.Status == model.BookingStatusUpcoming {
				n++
			}
		}
	}
	return n
}

// newBookingID は{gameId}_{epochMillis}形式の予約IDを生成する。
// 同じIDが既に使われている場合はミリ秒を進めて一意にする。
// 呼び出し側でe.muを保持していること。
func (e *Engine) newBookingID(gameID string, millis int64) string {
	taken := make(map[string]struct{})
	for _, id := range e.bookedGames[gameID] {
		taken[id] = struct{}{}
	}
	for _, rec := range e.users {
		for _, b := range rec.Bookings {
			if b.GameID == gameID {
				taken[b.ID] = struct{}{}
			}
		}
	}
	for {
		id := fmt.Sprintf("%s_%d", gameID, millis)
		if _, dup := taken[id]; !dup {
			return id
		}
		millis++
	}
}

// unindex は予約インデックスから予約IDを外す。空になったゲームのエントリは削除する。
// 呼び出し側でe.muを保持していること。
func (e *Engine) unindex(gameID, bookingID string) {
	ids := e.bookedGames[gameID]
	kept := ids[:0]
	for _, id := range ids {
		if id != bookingID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(e.bookedGames, gameID)
		return
	}
	e.bookedGames[gameID] = kept
}

// BookedGameIDs は予約インデックス上の予約IDを返す。
func (e *Engine) BookedGameIDs(ctx context.Context, gameID string) ([]string, error) {
	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return append([]string{}, e.bookedGames[gameID]...), nil
}
