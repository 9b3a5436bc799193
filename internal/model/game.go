package model

import "strings"

// Game は予約可能なピックルボールのゲーム（静的定義）を表す。
type Game struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title" yaml:"title"`
	Date       string     `json:"date" yaml:"date"`
	Time       string     `json:"time" yaml:"time"`
	Court      string     `json:"court" yaml:"court"`
	Location   string     `json:"location" yaml:"location"`
	SkillLevel SkillLevel `json:"skillLevel,omitempty" yaml:"skill_level"`
	MaxPlayers int        `json:"maxPlayers" yaml:"max_players"`
	Price      float64    `json:"price" yaml:"price"`
	// Players はゲーム定義に最初から含まれている参加者。
	Players []Player `json:"players" yaml:"players"`
}

// ExistingPlayers はゲーム定義にあらかじめ含まれる参加者数を返す。
func (g *Game) ExistingPlayers() int {
	return len(g.Players)
}

// GameFilter はゲーム一覧の絞り込み条件。空のフィールドは条件に含めない。
type GameFilter struct {
	SkillLevel string
	Location   string
}

// Match はゲームがフィルタ条件を満たすかを返す。
func (f GameFilter) Match(g *Game) bool {
	if f.SkillLevel != "" && !strings.EqualFold(string(g.SkillLevel), f.SkillLevel) {
		return false
	}
	if f.Location != "" && !strings.Contains(strings.ToLower(g.Location), strings.ToLower(f.Location)) {
		return false
	}
	return true
}
