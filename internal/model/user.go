// Package model はドメインモデルを定義する。
package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// SkillLevel はプレイヤーのスキルレベルを表す。
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "Beginner"
	SkillIntermediate SkillLevel = "Intermediate"
	SkillAdvanced     SkillLevel = "Advanced"
	SkillOpen         SkillLevel = "Open"
)

// SkillLevels は有効なスキルレベルの一覧。
var SkillLevels = []SkillLevel{SkillBeginner, SkillIntermediate, SkillAdvanced, SkillOpen}

// ParseSkillLevel は大文字小文字を区別せずにスキルレベルを解釈する。
// 該当しない場合はfalseを返す。
func ParseSkillLevel(s string) (SkillLevel, bool) {
	s = strings.TrimSpace(s)
	for _, lvl := range SkillLevels {
		if strings.EqualFold(s, string(lvl)) {
			return lvl, true
		}
	}
	return "", false
}

// Matches は大文字小文字を区別せずにスキルレベルを比較する。
func (s SkillLevel) Matches(other SkillLevel) bool {
	return strings.EqualFold(string(s), string(other))
}

// ProfileImage はプロフィール画像を表す。
// アプリからは文字列（URIのみ）または構造化オブジェクトのどちらでも送られる。
type ProfileImage struct {
	URI       string `json:"uri"`
	Base64    string `json:"base64,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	bare bool // 文字列の形式で受け取った
}

// NewBareProfileImage は文字列の形式で書き戻す画像を生成する。
func NewBareProfileImage(uri string) ProfileImage {
	return ProfileImage{URI: uri, bare: true}
}

// IsBare は文字列として受け取った画像かどうかを返す。
func (p ProfileImage) IsBare() bool {
	return p.bare
}

// UnmarshalJSON は文字列とオブジェクトの両方の形式を受け付ける。
func (p *ProfileImage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var uri string
		if err := json.Unmarshal(data, &uri); err != nil {
			return err
		}
		*p = NewBareProfileImage(uri)
		return nil
	}
	type plain ProfileImage
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = ProfileImage(v)
	return nil
}

// MarshalJSON は受け取った形式のまま書き戻す。
func (p ProfileImage) MarshalJSON() ([]byte, error) {
	if p.IsBare() {
		return json.Marshal(p.URI)
	}
	type plain ProfileImage
	return json.Marshal(plain(p))
}

// GameResult は過去の試合結果を表す。
type GameResult struct {
	GameID   string    `json:"gameId"`
	PlayedAt time.Time `json:"playedAt"`
	Score    string    `json:"score,omitempty"`
	Won      bool      `json:"won"`
}

// User はアプリ利用者を表す。
// パスワードや検証トークンは含まない（外部に返してよい形）。
type User struct {
	ID                  string        `json:"id"`
	Email               string        `json:"email"`
	Name                string        `json:"name"`
	EmailVerified       bool          `json:"emailVerified"`
	SkillLevel          SkillLevel    `json:"skillLevel,omitempty"`
	ProfileImage        *ProfileImage `json:"profileImage,omitempty"`
	DisplayName         string        `json:"displayName,omitempty"`
	PhoneNumber         string        `json:"phoneNumber,omitempty"`
	DateOfBirth         string        `json:"dateOfBirth,omitempty"`
	Address             string        `json:"address,omitempty"`
	HasCompletedProfile bool          `json:"hasCompletedProfile"`
	GameHistory         []GameResult  `json:"gameHistory"`
	Bookings            []Booking     `json:"bookings"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// HasUpcomingBooking は予約中（upcoming）の予約を1件以上持つかを返す。
func (u *User) HasUpcomingBooking() bool {
	for _, b := range u.Bookings {
		if b.Status == BookingStatusUpcoming {
			return true
		}
	}
	return false
}

// UpcomingBookingFor は指定ゲームの予約中の予約を返す。見つからない場合はnilを返す。
func (u *User) UpcomingBookingFor(gameID string) *Booking {
	for i := range u.Bookings {
		if u.Bookings[i].GameID == gameID && u.Bookings[i].Status == BookingStatusUpcoming {
			return &u.Bookings[i]
		}
	}
	return nil
}

// Player は他のユーザーに公開されるプロフィール項目。
type Player struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Email        string        `json:"email" yaml:"email"`
	ProfileImage *ProfileImage `json:"profileImage,omitempty" yaml:"profile_image,omitempty"`
	SkillLevel   SkillLevel    `json:"skillLevel,omitempty" yaml:"skill_level,omitempty"`
}

// ProfileUpdate はプロフィール更新で変更可能な項目の許可リスト。
// nilのフィールドは変更しない。
type ProfileUpdate struct {
	SkillLevel          *string       `json:"skillLevel,omitempty"`
	ProfileImage        *ProfileImage `json:"profileImage,omitempty"`
	DisplayName         *string       `json:"displayName,omitempty"`
	PhoneNumber         *string       `json:"phoneNumber,omitempty"`
	DateOfBirth         *string       `json:"dateOfBirth,omitempty"`
	Address             *string       `json:"address,omitempty"`
	HasCompletedProfile *bool         `json:"hasCompletedProfile,omitempty"`
}
