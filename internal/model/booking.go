package model

import "time"

// BookingStatus は予約のライフサイクル状態を表す。
type BookingStatus string

const (
	// BookingStatusUpcoming は参加予定の予約。
	BookingStatusUpcoming BookingStatus = "upcoming"
	// BookingStatusCompleted は終了したゲームの予約。
	BookingStatusCompleted BookingStatus = "completed"
	// BookingStatusCancelled はキャンセル済みの予約。履歴からは削除しない。
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking はユーザーのゲーム予約を表す。
// 予約時点のゲーム情報とユーザー情報を非正規化して保持する。
type Booking struct {
	ID          string        `json:"id"` // {gameId}_{epochMillis}
	GameID      string        `json:"gameId"`
	BookedAt    time.Time     `json:"bookedAt"`
	Time        string        `json:"time"`
	Court       string        `json:"court"`
	Location    string        `json:"location"`
	SkillRating SkillLevel    `json:"skillRating,omitempty"`
	Price       float64       `json:"price"`
	Status      BookingStatus `json:"status"`

	UserName         string        `json:"userName"`
	UserEmail        string        `json:"userEmail"`
	UserProfileImage *ProfileImage `json:"userProfileImage,omitempty"`
	UserSkillLevel   SkillLevel    `json:"userSkillLevel,omitempty"`
}
