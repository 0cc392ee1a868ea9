package models

import (
	"time"
)

// LinkCategory is the taxonomy bucket assigned to every discovered URL
type LinkCategory string

const (
	CategoryGitHub   LinkCategory = "github"
	CategoryTelegram LinkCategory = "telegram"
	CategoryResearch LinkCategory = "research"
	CategoryArticle  LinkCategory = "article"
	CategoryOther    LinkCategory = "other"
)

// Post represents a single channel message, identified by (ChannelID, MessageID)
type Post struct {
	ID              int64     `json:"id"`
	ChannelID       int64     `json:"channel_id"`
	ChannelTitle    string    `json:"channel_title"`
	ChannelUsername string    `json:"channel_username,omitempty"`
	MessageID       int64     `json:"message_id"`
	PostURL         string    `json:"post_url,omitempty"`
	PostedAt        time.Time `json:"post_datetime"`
	Text            string    `json:"message_text,omitempty"`
	Views           *int      `json:"views,omitempty"`
	Forwards        *int      `json:"forwards,omitempty"`
}

// Link is a URL found in a post
type Link struct {
	URL      string       `json:"url"`
	Category LinkCategory `json:"category"`
}

// Snapshot is the engagement recorded for a post on one calendar day (UTC)
type Snapshot struct {
	PostID         int64          `json:"post_id"`
	Date           string         `json:"snapshot_date"`
	TotalReactions int            `json:"total_reactions"`
	Reactions      map[string]int `json:"reactions"`
	Views          *int           `json:"views,omitempty"`
	Forwards       *int           `json:"forwards,omitempty"`
}

// RankedPost is a post as returned by the ranking, with its window metrics and categorized links
type RankedPost struct {
	ChannelID       int64     `json:"channel_id"`
	ChannelTitle    string    `json:"channel_title"`
	ChannelUsername string    `json:"channel_username"`
	MessageID       int64     `json:"message_id"`
	PostURL         string    `json:"post_url"`
	PostedAt        time.Time `json:"post_datetime"`
	Text            string    `json:"message_text"`
	LatestReactions int       `json:"latest_reactions"`
	ReactionsGrowth int       `json:"reactions_growth"`
	LatestViews     *int      `json:"latest_views"`
	LatestForwards  *int      `json:"latest_forwards"`
	GitHubLinks     []string  `json:"github_links"`
	ResearchLinks   []string  `json:"research_links"`
	ArticleLinks    []string  `json:"article_links"`
	TelegramLinks   []string  `json:"telegram_links"`
}

// HasExternalLink reports whether the post links to github, research or article pages
func (p RankedPost) HasExternalLink() bool {
	return len(p.GitHubLinks) > 0 || len(p.ResearchLinks) > 0 || len(p.ArticleLinks) > 0
}

// RankFilters are the link-presence filters applied after ranking
type RankFilters struct {
	RequireGitHub       bool `json:"require_github"`
	RequireExternalLink bool `json:"require_any_external_link"`
	ResearchOnly        bool `json:"research_only"`
}

// ScrapeStats is the result of one ingestion run
type ScrapeStats struct {
	ChannelsTotal  int `json:"channels_total"`
	ChannelsOK     int `json:"channels_ok"`
	ChannelsFailed int `json:"channels_failed"`
	PostsProcessed int `json:"posts_processed"`
}

// RunReport describes the most recent completed ingestion run
type RunReport struct {
	Stats      ScrapeStats `json:"stats"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Error      string      `json:"error,omitempty"`
}

// Totals holds row counts for the store
type Totals struct {
	Posts     int `json:"posts"`
	Links     int `json:"links"`
	Snapshots int `json:"snapshots"`
}

// Statistics is the payload served by the stats endpoint
type Statistics struct {
	Totals   Totals     `json:"totals"`
	Channels []string   `json:"channels"`
	LastRun  *RunReport `json:"last_run,omitempty"`
}
