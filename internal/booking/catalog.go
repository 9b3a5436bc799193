package booking

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/pickleplay/internal/model"
)

//go:embed games.yaml
var defaultCatalogYAML []byte

// Catalog は予約対象となるゲーム定義の参照インターフェース。
type Catalog interface {
	// FindGame は指定IDのゲーム定義を返す。見つからない場合はfalseを返す。
	FindGame(id string) (*model.Game, bool)
	// ListGames はフィルタ条件に一致するゲーム定義を返す。
	ListGames(filter model.GameFilter) []model.Game
}

// StaticCatalog はYAMLから読み込んだ固定のゲーム定義。
// 読み込み後は変更しないため、並行アクセスしてよい。
type StaticCatalog struct {
	games []model.Game
	byID  map[string]int
}

type catalogFile struct {
	Games []model.Game `yaml:"games"`
}

// DefaultCatalog はバイナリに埋め込まれたゲーム定義を返す。
func DefaultCatalog() *StaticCatalog {
	c, err := ParseCatalog(bytes.NewReader(defaultCatalogYAML))
	if err != nil {
		panic(fmt.Sprintf("embedded games.yaml is invalid: %v", err))
	}
	return c
}

// LoadCatalogFile はYAMLファイルからゲーム定義を読み込む。
func LoadCatalogFile(path string) (*StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open games file: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog はYAMLを解析してゲーム定義を検証する。
// スキルレベルは正規化し、IDの重複や定員の不正はエラーとする。
func ParseCatalog(r io.Reader) (*StaticCatalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode games: %w", err)
	}
	return NewStaticCatalog(file.Games)
}

// NewStaticCatalog はゲーム定義のスライスからカタログを生成する。
func NewStaticCatalog(games []model.Game) (*StaticCatalog, error) {
	c := &StaticCatalog{
		games: make([]model.Game, 0, len(games)),
		byID:  make(map[string]int, len(games)),
	}
	for _, g := range games {
		if g.ID == "" {
			return nil, fmt.Errorf("game %q has no id", g.Title)
		}
		if _, dup := c.byID[g.ID]; dup {
			return nil, fmt.Errorf("duplicate game id %q", g.ID)
		}
		if g.MaxPlayers <= 0 {
			return nil, fmt.Errorf("game %q: max_players must be positive", g.ID)
		}
		if g.SkillLevel != "" {
			lvl, ok := model.ParseSkillLevel(string(g.SkillLevel))
			if !ok {
				return nil, fmt.Errorf("game %q: unknown skill level %q", g.ID, g.SkillLevel)
			}
			g.SkillLevel = lvl
		}
		if g.Players == nil {
			g.Players = []model.Player{}
		}
		c.byID[g.ID] = len(c.games)
		c.games = append(c.games, g)
	}
	return c, nil
}

// FindGame は指定IDのゲーム定義のコピーを返す。
func (c *StaticCatalog) FindGame(id string) (*model.Game, bool) {
	i, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	g := cloneGame(c.games[i])
	return &g, true
}

// ListGames はフィルタ条件に一致するゲームを日付順で返す。同じ日付は定義順。
func (c *StaticCatalog) ListGames(filter model.GameFilter) []model.Game {
	out := make([]model.Game, 0, len(c.games))
	for i := range c.games {
		if filter.Match(&c.games[i]) {
			out = append(out, cloneGame(c.games[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date < out[j].Date
	})
	return out
}

func cloneGame(g model.Game) model.Game {
	g.Players = append([]model.Player(nil), g.Players...)
	return g
}

// compile-time interface check
var _ Catalog = (*StaticCatalog)(nil)
