package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/telegram-tracker/api"
	"github.com/brettboylen/telegram-tracker/db"
	"github.com/brettboylen/telegram-tracker/links"
	"github.com/brettboylen/telegram-tracker/models"
)

// ErrRunInProgress is returned when a run is triggered while another one is still going
var ErrRunInProgress = errors.New("scrape run already in progress")

const unknownReaction = "unknown"

// storeError marks failures of the store, which abort the whole run
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Collector ingests channel messages into the store, one run at a time
type Collector struct {
	source       api.MessageSource
	database     *db.Database
	channels     []string
	lookbackDays int
	log          *logrus.Logger
	now          func() time.Time

	// held for the duration of a run; a second run is rejected, not queued.
	// only guards this Collector, not other processes sharing the database.
	running sync.Mutex

	mutex   sync.RWMutex
	lastRun *models.RunReport
}

// NewCollector creates a new collector
func NewCollector(
	source api.MessageSource,
	database *db.Database,
	channels []string,
	lookbackDays int,
	log *logrus.Logger,
) *Collector {
	cleaned := make([]string, 0, len(channels))
	for _, ch := range channels {
		if name := strings.TrimPrefix(strings.TrimSpace(ch), "@"); name != "" {
			cleaned = append(cleaned, name)
		}
	}

	if lookbackDays < 1 {
		lookbackDays = 1
	}

	return &Collector{
		source:       source,
		database:     database,
		channels:     cleaned,
		lookbackDays: lookbackDays,
		log:          log,
		now:          time.Now,
	}
}

// Channels returns the configured channel list
func (c *Collector) Channels() []string {
	return append([]string(nil), c.channels...)
}

// Run ingests every configured channel, going back lookbackDays (the configured default when < 1).
// Everything is written in one transaction that is committed at the end of the run.
func (c *Collector) Run(ctx context.Context, lookbackDays int) (models.ScrapeStats, error) {
	if !c.running.TryLock() {
		return models.ScrapeStats{}, ErrRunInProgress
	}
	defer c.running.Unlock()

	if lookbackDays < 1 {
		lookbackDays = c.lookbackDays
	}

	startedAt := c.now().UTC()
	c.log.WithFields(logrus.Fields{
		"channels":      c.channels,
		"lookback_days": lookbackDays,
	}).Info("Starting scrape run")

	stats, err := c.run(ctx, startedAt, lookbackDays)

	report := &models.RunReport{
		Stats:      stats,
		StartedAt:  startedAt,
		FinishedAt: c.now().UTC(),
	}
	if err != nil {
		report.Error = err.Error()
	}

	c.mutex.Lock()
	c.lastRun = report
	c.mutex.Unlock()

	fields := logrus.Fields{
		"channels_total":  stats.ChannelsTotal,
		"channels_ok":     stats.ChannelsOK,
		"channels_failed": stats.ChannelsFailed,
		"posts_processed": stats.PostsProcessed,
		"duration":        report.FinishedAt.Sub(startedAt).String(),
	}
	if err != nil {
		c.log.WithFields(fields).WithError(err).Error("Scrape run aborted")
		return stats, err
	}
	c.log.WithFields(fields).Info("Scrape run finished")

	return stats, nil
}

func (c *Collector) run(ctx context.Context, now time.Time, lookbackDays int) (models.ScrapeStats, error) {
	stats := models.ScrapeStats{ChannelsTotal: len(c.channels)}
	cutoff := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)
	snapshotDate := now.Format(db.DateLayout)

	tx, err := c.database.BeginRun(ctx)
	if err != nil {
		return stats, err
	}
	// no-op once committed
	defer tx.Rollback()

	for _, channel := range c.channels {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := tx.Savepoint(ctx); err != nil {
			return stats, err
		}

		processed, err := c.scrapeChannel(ctx, tx, channel, cutoff, snapshotDate)
		if err != nil {
			var se *storeError
			if errors.As(err, &se) || ctx.Err() != nil {
				return stats, err
			}

			// drop whatever the channel wrote before failing
			if rbErr := tx.RollbackToSavepoint(ctx); rbErr != nil {
				return stats, rbErr
			}
			stats.ChannelsFailed++

			entry := c.log.WithField("channel", channel).WithError(err)
			if errors.Is(err, api.ErrChannelUnavailable) {
				entry.Warn("Channel unavailable, skipping")
			} else {
				entry.Error("Failed to scrape channel")
			}
			continue
		}

		if err := tx.ReleaseSavepoint(ctx); err != nil {
			return stats, err
		}
		stats.ChannelsOK++
		stats.PostsProcessed += processed

		c.log.WithFields(logrus.Fields{
			"channel": channel,
			"posts":   processed,
		}).Info("Scraped channel")
	}

	if err := tx.Commit(); err != nil {
		return stats, err
	}

	return stats, nil
}

// scrapeChannel stores the channel's messages newer than cutoff and returns how many it stored
func (c *Collector) scrapeChannel(ctx context.Context, tx *db.RunTx, ref string, cutoff time.Time, snapshotDate string) (int, error) {
	channel, err := c.source.ResolveChannel(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve channel %s: %w", ref, err)
	}

	iter := c.source.Messages(ctx, channel)
	processed := 0
	for {
		msg, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return processed, fmt.Errorf("failed to read messages from %s: %w", ref, err)
		}

		if msg.Date.IsZero() {
			c.log.WithFields(logrus.Fields{
				"channel":    ref,
				"message_id": msg.ID,
			}).Debug("Skipping message without timestamp")
			continue
		}

		postedAt := msg.Date.UTC()
		// history is newest first, so everything after this is older too
		if postedAt.Before(cutoff) {
			break
		}

		if err := c.storeMessage(ctx, tx, channel, msg, postedAt, snapshotDate); err != nil {
			return processed, &storeError{err: err}
		}
		processed++
	}

	return processed, nil
}

// storeMessage writes the post, its links and today's snapshot back to back
func (c *Collector) storeMessage(ctx context.Context, tx *db.RunTx, channel *api.Channel, msg *api.Message, postedAt time.Time, snapshotDate string) error {
	post := &models.Post{
		ChannelID:       channel.ID,
		ChannelTitle:    channel.Title,
		ChannelUsername: channel.Username,
		MessageID:       msg.ID,
		PostURL:         PostURL(channel.Username, msg.ID),
		PostedAt:        postedAt,
		Text:            msg.Text,
		Views:           msg.Views,
		Forwards:        msg.Forwards,
	}

	postID, err := tx.UpsertPost(ctx, post)
	if err != nil {
		return err
	}

	postLinks := links.Classified(links.ExtractURLs(msg.Text, msg.EntityURLs))
	if err := tx.ReplaceLinks(ctx, postID, postLinks); err != nil {
		return err
	}

	reactions := ReactionCounts(msg.Reactions)
	total := 0
	for _, n := range reactions {
		total += n
	}

	return tx.UpsertSnapshot(ctx, &models.Snapshot{
		PostID:         postID,
		Date:           snapshotDate,
		TotalReactions: total,
		Reactions:      reactions,
		Views:          msg.Views,
		Forwards:       msg.Forwards,
	})
}

// ReactionCounts turns reactions into a kind -> count map. Repeated kinds are summed.
func ReactionCounts(reactions []api.Reaction) map[string]int {
	counts := make(map[string]int, len(reactions))
	for _, r := range reactions {
		var key string
		switch {
		case r.Emoticon != "":
			key = r.Emoticon
		case r.CustomEmojiID != 0:
			key = "custom_" + strconv.FormatInt(r.CustomEmojiID, 10)
		default:
			key = unknownReaction
		}
		counts[key] += r.Count
	}
	return counts
}

// PostURL is the public link of a message, empty for channels without a username
func PostURL(username string, messageID int64) string {
	if username == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s/%d", username, messageID)
}

// LastRun returns the most recent completed run, nil before the first one
func (c *Collector) LastRun() *models.RunReport {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.lastRun == nil {
		return nil
	}
	report := *c.lastRun
	return &report
}

// GetStatistics returns store totals along with the last run
func (c *Collector) GetStatistics(ctx context.Context) (models.Statistics, error) {
	totals, err := c.database.GetTotals(ctx)
	if err != nil {
		return models.Statistics{}, err
	}

	return models.Statistics{
		Totals:   totals,
		Channels: c.Channels(),
		LastRun:  c.LastRun(),
	}, nil
}
