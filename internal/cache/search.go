package cache

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
)

const (
	// MinQueryLength is the shortest query Search answers.
	MinQueryLength = 2
	// DefaultSearchLimit caps the results when no limit is given.
	DefaultSearchLimit = 20

	// recentWindow is how long an item access boosts its score.
	recentWindow = 30 * time.Minute
)

// Match weights.
const (
	scoreExactName     = 100
	scoreNameWord      = 50
	scoreNameSubstring = 40
	scoreCode          = 20
	scoreDescription   = 15
	scoreCategory      = 10

	maxPopularityBoost = 20
	maxRecencyBoost    = 5
)

// SearchResult is one scored match.
type SearchResult struct {
	Item  models.MenuItem `json:"item"`
	Score float64         `json:"score"`
}

// Search scores items against query and returns the best matches, highest
// score first. Queries shorter than MinQueryLength return an empty result.
// Only items whose text matches are returned; popularity and recent access
// add a bounded boost on top of the text score.
func (c *Cache) Search(query string, items []models.MenuItem, limit int) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if len([]rune(q)) < MinQueryLength {
		return []SearchResult{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	now := c.now()
	c.mu.RLock()
	accessed := make(map[string]time.Time, len(c.itemAccess))
	for id, at := range c.itemAccess {
		accessed[id] = at
	}
	c.mu.RUnlock()

	results := make([]SearchResult, 0)
	for _, item := range items {
		score := textScore(q, item)
		if score == 0 {
			continue
		}
		score += math.Min(item.Popularity, maxPopularityBoost/2) * 2
		if at, ok := accessed[item.ID]; ok {
			score += recencyBoost(now.Sub(at))
		}
		results = append(results, SearchResult{Item: item, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Item.Name < results[j].Item.Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// SearchMenu loads the menu through the read path and searches it.
func (c *Cache) SearchMenu(ctx context.Context, query string, fetch FetchFunc) ([]SearchResult, error) {
	if len([]rune(strings.TrimSpace(query))) < MinQueryLength {
		return []SearchResult{}, nil
	}
	recs, err := c.Get(ctx, Key(string(KindMenu), nil), KindMenu, fetch)
	if err != nil {
		return nil, err
	}

	items := make([]models.MenuItem, 0, len(recs))
	for _, rec := range recs {
		item, err := models.MenuItemFromRecord(rec)
		if err != nil {
			logging.Debug("skipping undecodable menu item", map[string]interface{}{"id": rec.ID()})
			continue
		}
		items = append(items, *item)
	}
	return c.Search(query, items, DefaultSearchLimit), nil
}

// textScore is the best field match of q in item; q is lower case.
func textScore(q string, item models.MenuItem) float64 {
	name := strings.ToLower(item.Name)
	var score float64
	switch {
	case name == q:
		score = scoreExactName
	case hasWord(name, q):
		score = scoreNameWord
	case strings.Contains(name, q):
		score = scoreNameSubstring
	}
	if score > 0 {
		return score
	}

	switch {
	case item.Code != "" && strings.Contains(strings.ToLower(item.Code), q):
		return scoreCode
	case strings.Contains(strings.ToLower(item.Description), q):
		return scoreDescription
	case strings.Contains(strings.ToLower(item.Category), q):
		return scoreCategory
	}
	return 0
}

func hasWord(s, word string) bool {
	for _, w := range strings.Fields(s) {
		if w == word {
			return true
		}
	}
	return false
}

// recencyBoost decays linearly from maxRecencyBoost to zero over
// recentWindow.
func recencyBoost(since time.Duration) float64 {
	if since < 0 {
		since = 0
	}
	if since >= recentWindow {
		return 0
	}
	return maxRecencyBoost * (1 - float64(since)/float64(recentWindow))
}
