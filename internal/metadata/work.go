package metadata

import "time"

// Age rating buckets derived from the catalog's numeric age_category.
const (
	AgeAll   = "All"
	AgeR15   = "R15"
	AgeAdult = "Adult"
)

// Work is the resolved metadata for a single work, as consumed by the
// rename and classification stages and persisted in the local cache.
type Work struct {
	WorkCode    string     `json:"rjcode"`
	WorkName    string     `json:"work_name"`
	MakerID     string     `json:"maker_id"`
	MakerName   string     `json:"maker_name"`
	ReleaseDate string     `json:"release_date"` // YYYY-MM-DD
	SeriesID    string     `json:"series_id,omitempty"`
	SeriesName  string     `json:"series_name,omitempty"`
	AgeCategory string     `json:"age_category"`
	Tags        []string   `json:"tags,omitempty"`
	CVs         []string   `json:"cvs,omitempty"`
	CoverURL    string     `json:"cover_url,omitempty"`
	CachedAt    time.Time  `json:"cached_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}
