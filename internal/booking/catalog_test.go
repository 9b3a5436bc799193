package booking

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/pickleplay/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	games := c.ListGames(model.GameFilter{})
	if len(games) == 0 {
		t.Fatal("default catalog should not be empty")
	}
	for _, g := range games {
		if g.MaxPlayers <= 0 {
			t.Errorf("game %s has max players %d", g.ID, g.MaxPlayers)
		}
	}
	if g, ok := c.FindGame("2"); !ok || g.SkillLevel != model.SkillBeginner || g.ExistingPlayers() != 1 {
		t.Errorf("FindGame(2) = %+v, %v", g, ok)
	}
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "ID重複",
			yaml: "games:\n  - {id: a, max_players: 2}\n  - {id: a, max_players: 2}\n",
			want: "duplicate game id",
		},
		{
			name: "ID未設定",
			yaml: "games:\n  - {title: x, max_players: 2}\n",
			want: "has no id",
		},
		{
			name: "定員不正",
			yaml: "games:\n  - {id: a, max_players: 0}\n",
			want: "max_players must be positive",
		},
		{
			name: "未知のスキルレベル",
			yaml: "games:\n  - {id: a, max_players: 2, skill_level: Pro}\n",
			want: "unknown skill level",
		},
		{
			name: "未知のフィールド",
			yaml: "games:\n  - {id: a, max_players: 2, capacity: 4}\n",
			want: "failed to decode games",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParseCatalog_NormalizesSkillLevel(t *testing.T) {
	c, err := ParseCatalog(strings.NewReader("games:\n  - {id: a, max_players: 2, skill_level: intermediate}\n"))
	if err != nil {
		t.Fatalf("ParseCatalog returned error: %v", err)
	}
	g, _ := c.FindGame("a")
	if g.SkillLevel != model.SkillIntermediate {
		t.Errorf("SkillLevel = %q, want Intermediate", g.SkillLevel)
	}
	if g.Players == nil {
		t.Error("Players should be an empty slice, not nil")
	}
}

func TestStaticCatalog_FindGameReturnsCopy(t *testing.T) {
	c := newTestCatalog(t)

	g, _ := c.FindGame("seeded")
	g.Players[0].Name = "changed"
	g.MaxPlayers = 100

	again, _ := c.FindGame("seeded")
	if again.Players[0].Name != "Ken" || again.MaxPlayers != 3 {
		t.Errorf("catalog was mutated through FindGame: %+v", again)
	}
	if _, ok := c.FindGame("missing"); ok {
		t.Error("FindGame(missing) should return false")
	}
}

func TestStaticCatalog_ListGamesFilter(t *testing.T) {
	c := newTestCatalog(t)

	tests := []struct {
		name   string
		filter model.GameFilter
		want   []string
	}{
		{name: "条件なしは日付順", filter: model.GameFilter{}, want: []string{"g4", "g2", "adv", "seeded", "big"}},
		{name: "場所は部分一致", filter: model.GameFilter{Location: "DOWN"}, want: []string{"g2", "adv"}},
		{name: "スキルレベル", filter: model.GameFilter{SkillLevel: "Advanced"}, want: []string{"adv"}},
		{name: "該当なし", filter: model.GameFilter{Location: "Nowhere"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			games := c.ListGames(tt.filter)
			got := make([]string, 0, len(games))
			for _, g := range games {
				got = append(got, g.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.yaml")
	content := "games:\n  - id: x\n    title: Test\n    max_players: 4\n    players:\n      - {id: p, name: Pat, skill_level: Open}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogFile returned error: %v", err)
	}
	g, ok := c.FindGame("x")
	if !ok || g.Players[0].SkillLevel != model.SkillOpen {
		t.Errorf("FindGame(x) = %+v, %v", g, ok)
	}

	if _, err := LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
