package stats

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/telegram-tracker/db"
	"github.com/brettboylen/telegram-tracker/models"
)

// ErrInvalidLimit is returned for a result limit below 1
var ErrInvalidLimit = errors.New("limit must be at least 1")

const minCandidates = 200

// RankingStore is the read side of the store used for ranking
type RankingStore interface {
	RankCandidates(ctx context.Context, start, end string, limit int) ([]db.Candidate, error)
	RecentCandidates(ctx context.Context, since time.Time) ([]db.Candidate, error)
	GetLinks(ctx context.Context, postID int64) ([]models.Link, error)
}

// Ranker orders posts by engagement within a window of days
type Ranker struct {
	store RankingStore
	log   *logrus.Logger
	now   func() time.Time
}

// NewRanker creates a new ranker
func NewRanker(store RankingStore, log *logrus.Logger) *Ranker {
	return &Ranker{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// CandidateLimit is how many ranked rows are read for a requested limit. Link filters run after
// the query, so fewer than limit posts may survive even then.
func CandidateLimit(limit int) int {
	if n := limit * 10; n > minCandidates {
		return n
	}
	return minCandidates
}

// TopPosts returns up to limit posts with a snapshot in [today-(windowDays-1), today], ordered by
// latest reactions, then growth within the window, then post time, newest first.
// An empty result is not an error.
func (r *Ranker) TopPosts(ctx context.Context, windowDays, limit int, filters models.RankFilters) ([]models.RankedPost, error) {
	if limit < 1 {
		return nil, ErrInvalidLimit
	}
	if windowDays < 1 {
		windowDays = 1
	}

	today := r.now().UTC()
	start := today.AddDate(0, 0, -(windowDays - 1)).Format(db.DateLayout)
	end := today.Format(db.DateLayout)

	candidates, err := r.store.RankCandidates(ctx, start, end, CandidateLimit(limit))
	if err != nil {
		return nil, err
	}

	result, err := r.filter(ctx, candidates, limit, filters)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"window_start": start,
		"window_end":   end,
		"limit":        limit,
		"candidates":   len(candidates),
		"returned":     len(result),
	}).Debug("Ranked posts")

	return result, nil
}

// RecentPosts returns posts published in the last days days, newest first, with the metrics of
// their latest snapshot. Growth is always zero.
func (r *Ranker) RecentPosts(ctx context.Context, days int, filters models.RankFilters) ([]models.RankedPost, error) {
	if days < 1 {
		days = 1
	}

	since := r.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	candidates, err := r.store.RecentCandidates(ctx, since)
	if err != nil {
		return nil, err
	}

	return r.filter(ctx, candidates, 0, filters)
}

// filter attaches links to candidates in order and keeps those passing filters, up to limit (0 for all)
func (r *Ranker) filter(ctx context.Context, candidates []db.Candidate, limit int, filters models.RankFilters) ([]models.RankedPost, error) {
	result := make([]models.RankedPost, 0)
	for _, candidate := range candidates {
		postLinks, err := r.store.GetLinks(ctx, candidate.PostID)
		if err != nil {
			return nil, err
		}

		post := candidate.RankedPost
		SplitLinks(&post, postLinks)
		if !Passes(post, filters) {
			continue
		}

		result = append(result, post)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// SplitLinks fills the post's per-category link lists. Links of category other are dropped.
func SplitLinks(post *models.RankedPost, postLinks []models.Link) {
	post.GitHubLinks = []string{}
	post.ResearchLinks = []string{}
	post.ArticleLinks = []string{}
	post.TelegramLinks = []string{}

	for _, link := range postLinks {
		switch link.Category {
		case models.CategoryGitHub:
			post.GitHubLinks = append(post.GitHubLinks, link.URL)
		case models.CategoryResearch:
			post.ResearchLinks = append(post.ResearchLinks, link.URL)
		case models.CategoryArticle:
			post.ArticleLinks = append(post.ArticleLinks, link.URL)
		case models.CategoryTelegram:
			post.TelegramLinks = append(post.TelegramLinks, link.URL)
		}
	}
}

// Passes reports whether the post satisfies every requested link filter
func Passes(post models.RankedPost, filters models.RankFilters) bool {
	if filters.RequireGitHub && len(post.GitHubLinks) == 0 {
		return false
	}
	if filters.RequireExternalLink && !post.HasExternalLink() {
		return false
	}
	if filters.ResearchOnly && len(post.ResearchLinks) == 0 {
		return false
	}
	return true
}
