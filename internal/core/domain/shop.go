package domain

// Shop is a hot read-path entity served through the cache-aside engine.
type Shop struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	AvgCost int    `json:"avg_cost"`
	Score   int    `json:"score"`
}
