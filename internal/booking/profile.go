package booking

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/pickleplay/internal/model"
)

// GetUser は認証情報を除いたユーザー情報を返す。
func (e *Engine) GetUser(ctx context.Context, email string) (*model.User, error) {
	unlock, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.lookupUser(email)
	if err != nil {
		return nil, err
	}
	return rec.public(), nil
}

// UpdateProfile は許可リストの項目だけを更新する。
// 他プロセスからの書き込みを反映するため、更新前にストレージから読み直す。
// 予約中（upcoming）のゲームがある間はスキルレベルを変更できない。
// 検証に失敗した場合はどの項目も変更しない。
func (e *Engine) UpdateProfile(ctx context.Context, email string, upd model.ProfileUpdate) (*model.User, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loaded = false
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	rec, err := e.lookupUser(email)
	if err != nil {
		return nil, err
	}

	skill := rec.SkillLevel
	if upd.SkillLevel != nil {
		raw := strings.TrimSpace(*upd.SkillLevel)
		if raw == "" {
			skill = ""
		} else {
			lvl, ok := model.ParseSkillLevel(raw)
			if !ok {
				return nil, model.NewInvalidSkillLevelError(raw)
			}
			skill = lvl
		}
		if skill != rec.SkillLevel && rec.HasUpcomingBooking() {
			return nil, model.NewSkillLockedError()
		}
	}

	rec.SkillLevel = skill
	if upd.ProfileImage != nil {
		img := *upd.ProfileImage
		rec.ProfileImage = &img
	}
	if upd.DisplayName != nil {
		rec.DisplayName = e.sanitizer.Sanitize(*upd.DisplayName)
	}
	if upd.PhoneNumber != nil {
		rec.PhoneNumber = e.sanitizer.Sanitize(*upd.PhoneNumber)
	}
	if upd.DateOfBirth != nil {
		rec.DateOfBirth = e.sanitizer.Sanitize(*upd.DateOfBirth)
	}
	if upd.Address != nil {
		rec.Address = e.sanitizer.Sanitize(*upd.Address)
	}
	if upd.HasCompletedProfile != nil {
		rec.HasCompletedProfile = *upd.HasCompletedProfile
	}
	rec.UpdatedAt = e.now().UTC()

	if err := e.persist(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("プロフィールを更新しました",
		slog.String("user_id", rec.ID),
	)
	return rec.public(), nil
}
