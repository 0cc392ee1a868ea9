package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/telegram-tracker/api"
	"github.com/brettboylen/telegram-tracker/db"
	"github.com/brettboylen/telegram-tracker/models"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeChannel struct {
	channel  *api.Channel
	messages []*api.Message
	// returned by the iterator after the messages are used up
	iterErr error
}

type fakeSource struct {
	channels map[string]fakeChannel

	// when set, ResolveChannel signals started and waits for release
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeSource) ResolveChannel(ctx context.Context, ref string) (*api.Channel, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
		<-f.release
	}

	ch, ok := f.channels[ref]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", ref, api.ErrChannelUnavailable)
	}
	return ch.channel, nil
}

func (f *fakeSource) Messages(ctx context.Context, channel *api.Channel) api.MessageIterator {
	ch := f.channels[channel.Username]
	return &sliceIterator{messages: ch.messages, err: ch.iterErr}
}

type sliceIterator struct {
	messages []*api.Message
	err      error
	onNext   func(i int)
	pos      int
}

func (s *sliceIterator) Next(ctx context.Context) (*api.Message, error) {
	if s.onNext != nil {
		s.onNext(s.pos)
	}
	if s.pos >= len(s.messages) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	msg := s.messages[s.pos]
	s.pos++
	return msg, nil
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDatabase(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestCollector(source api.MessageSource, database *db.Database, channels ...string) *Collector {
	c := NewCollector(source, database, channels, 7, discardLogger())
	c.now = func() time.Time { return fixedNow }
	return c
}

func intRef(n int) *int {
	return &n
}

func mlChannel(messages ...*api.Message) fakeChannel {
	return fakeChannel{
		channel:  &api.Channel{ID: 1001, Username: "mldigest", Title: "ML Digest"},
		messages: messages,
	}
}

func TestRunStoresPostLinksAndSnapshot(t *testing.T) {
	database := newTestDatabase(t)
	ctx := context.Background()

	msg := &api.Message{
		ID:         42,
		Date:       time.Date(2024, 5, 10, 10, 30, 0, 0, time.FixedZone("CEST", 2*60*60)),
		Text:       "code https://github.com/org/repo, paper https://arxiv.org/abs/1234.",
		EntityURLs: []string{"https://example.com/post", "https://github.com/org/repo"},
		Reactions: []api.Reaction{
			{Emoticon: "🔥", Count: 3},
			{CustomEmojiID: 77, Count: 2},
			{Count: 1},
			{Emoticon: "🔥", Count: 1},
		},
		Views: intRef(500),
	}
	source := &fakeSource{channels: map[string]fakeChannel{"mldigest": mlChannel(msg)}}
	collector := newTestCollector(source, database, "@mldigest")

	stats, err := collector.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ScrapeStats{ChannelsTotal: 1, ChannelsOK: 1, PostsProcessed: 1}, stats)

	post, err := database.GetPost(ctx, 1001, 42)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/mldigest/42", post.PostURL)
	assert.Equal(t, time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC), post.PostedAt)
	assert.Equal(t, "ML Digest", post.ChannelTitle)

	postLinks, err := database.GetLinks(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Link{
		{URL: "https://arxiv.org/abs/1234", Category: models.CategoryResearch},
		{URL: "https://example.com/post", Category: models.CategoryArticle},
		{URL: "https://github.com/org/repo", Category: models.CategoryGitHub},
	}, postLinks)

	snapshots, err := database.GetSnapshots(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "2024-05-10", snapshots[0].Date)
	assert.Equal(t, 7, snapshots[0].TotalReactions)
	assert.Equal(t, map[string]int{"🔥": 4, "custom_77": 2, "unknown": 1}, snapshots[0].Reactions)

	last := collector.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, stats, last.Stats)
	assert.Empty(t, last.Error)
}

func TestRunIsIdempotentWithinADay(t *testing.T) {
	database := newTestDatabase(t)
	ctx := context.Background()

	msg := &api.Message{
		ID:   42,
		Date: fixedNow.Add(-time.Hour),
		Text: "https://github.com/org/repo https://example.com/a",
	}
	source := &fakeSource{channels: map[string]fakeChannel{"mldigest": mlChannel(msg)}}
	collector := newTestCollector(source, database, "mldigest")

	_, err := collector.Run(ctx, 7)
	require.NoError(t, err)

	// the edited message lost one link
	msg.Text = "https://github.com/org/repo"
	msg.Reactions = []api.Reaction{{Emoticon: "👍", Count: 2}}
	_, err = collector.Run(ctx, 7)
	require.NoError(t, err)

	totals, err := database.GetTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Totals{Posts: 1, Links: 1, Snapshots: 1}, totals)

	post, err := database.GetPost(ctx, 1001, 42)
	require.NoError(t, err)
	snapshots, err := database.GetSnapshots(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, 2, snapshots[0].TotalReactions)
}

func TestRunStopsAtCutoff(t *testing.T) {
	database := newTestDatabase(t)
	ctx := context.Background()

	source := &fakeSource{channels: map[string]fakeChannel{"mldigest": mlChannel(
		&api.Message{ID: 5, Date: fixedNow.Add(-1 * time.Hour)},
		&api.Message{ID: 4},
		&api.Message{ID: 3, Date: fixedNow.Add(-47 * time.Hour)},
		&api.Message{ID: 2, Date: fixedNow.Add(-49 * time.Hour)},
		// out of order on purpose; never read
		&api.Message{ID: 1, Date: fixedNow.Add(-2 * time.Hour)},
	)}}
	collector := newTestCollector(source, database, "mldigest")

	stats, err := collector.Run(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PostsProcessed)

	for _, id := range []int64{5, 3} {
		_, err := database.GetPost(ctx, 1001, id)
		assert.NoError(t, err, "message %d", id)
	}
	for _, id := range []int64{4, 2, 1} {
		_, err := database.GetPost(ctx, 1001, id)
		assert.ErrorIs(t, err, db.ErrPostNotFound, "message %d", id)
	}
}

func TestRunContinuesPastFailedChannels(t *testing.T) {
	database := newTestDatabase(t)
	ctx := context.Background()

	broken := fakeChannel{
		channel: &api.Channel{ID: 2002, Username: "broken", Title: "Broken"},
		messages: []*api.Message{
			{ID: 1, Date: fixedNow.Add(-time.Hour)},
		},
		iterErr: errors.New("connection reset"),
	}
	source := &fakeSource{channels: map[string]fakeChannel{
		"mldigest": mlChannel(&api.Message{ID: 42, Date: fixedNow.Add(-time.Hour)}),
		"broken":   broken,
	}}
	collector := newTestCollector(source, database, "missing", "broken", "mldigest")

	stats, err := collector.Run(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.ScrapeStats{
		ChannelsTotal:  3,
		ChannelsOK:     1,
		ChannelsFailed: 2,
		PostsProcessed: 1,
	}, stats)

	// the broken channel's partial writes were dropped
	_, err = database.GetPost(ctx, 2002, 1)
	assert.ErrorIs(t, err, db.ErrPostNotFound)
	_, err = database.GetPost(ctx, 1001, 42)
	assert.NoError(t, err)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	database := newTestDatabase(t)

	source := &fakeSource{
		channels: map[string]fakeChannel{"mldigest": mlChannel()},
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	collector := newTestCollector(source, database, "mldigest")

	done := make(chan error, 1)
	go func() {
		_, err := collector.Run(context.Background(), 7)
		done <- err
	}()

	<-source.started
	_, err := collector.Run(context.Background(), 7)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(source.release)
	require.NoError(t, <-done)

	// the guard is free again
	_, err = collector.Run(context.Background(), 7)
	assert.NoError(t, err)
}

type cancellingSource struct {
	fakeSource
	cancel context.CancelFunc
}

func (c *cancellingSource) Messages(ctx context.Context, channel *api.Channel) api.MessageIterator {
	iter := c.fakeSource.Messages(ctx, channel).(*sliceIterator)
	iter.onNext = func(i int) {
		if i == 1 {
			c.cancel()
		}
	}
	return iter
}

func TestRunAbortsWithoutCommitOnCancel(t *testing.T) {
	database := newTestDatabase(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &cancellingSource{
		fakeSource: fakeSource{channels: map[string]fakeChannel{"mldigest": mlChannel(
			&api.Message{ID: 2, Date: fixedNow.Add(-time.Hour)},
			&api.Message{ID: 1, Date: fixedNow.Add(-2 * time.Hour)},
		)}},
		cancel: cancel,
	}
	collector := newTestCollector(source, database, "mldigest")

	_, err := collector.Run(ctx, 7)
	require.Error(t, err)

	totals, err := database.GetTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Totals{}, totals)

	last := collector.LastRun()
	require.NotNil(t, last)
	assert.NotEmpty(t, last.Error)
}

func TestRunAbortsOnStoreFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.NewDatabase(dbPath, discardLogger())
	require.NoError(t, err)
	defer database.Close()

	// a second handle on the same file makes link inserts for one URL fail
	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(`
	CREATE TRIGGER fail_links BEFORE INSERT ON links
	WHEN NEW.url LIKE '%broken.example%'
	BEGIN
		SELECT RAISE(ABORT, 'boom');
	END;
	`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	source := &fakeSource{channels: map[string]fakeChannel{
		"mldigest": mlChannel(&api.Message{
			ID:   1,
			Date: fixedNow.Add(-time.Hour),
			Text: "repo https://github.com/org/repo",
		}),
		"papers": {
			channel: &api.Channel{ID: 1002, Username: "papers", Title: "Papers"},
			messages: []*api.Message{{
				ID:   2,
				Date: fixedNow.Add(-time.Hour),
				Text: "see https://broken.example/post",
			}},
		},
	}}
	collector := newTestCollector(source, database, "mldigest", "papers")

	_, err = collector.Run(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the healthy first channel is not committed either
	totals, err := database.GetTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Totals{}, totals)

	last := collector.LastRun()
	require.NotNil(t, last)
	assert.Contains(t, last.Error, "boom")
}

func TestReactionCounts(t *testing.T) {
	assert.Equal(t, map[string]int{}, ReactionCounts(nil))
	assert.Equal(t, map[string]int{"👍": 5, "custom_9": 1, "unknown": 2}, ReactionCounts([]api.Reaction{
		{Emoticon: "👍", Count: 2},
		{Emoticon: "👍", Count: 3},
		{CustomEmojiID: 9, Count: 1},
		{Count: 2},
	}))
}

func TestPostURL(t *testing.T) {
	assert.Equal(t, "https://t.me/mldigest/42", PostURL("mldigest", 42))
	assert.Empty(t, PostURL("", 42))
}

func TestNewCollectorCleansChannels(t *testing.T) {
	c := NewCollector(&fakeSource{}, nil, []string{"@one", " two ", "", "@"}, 0, discardLogger())
	assert.Equal(t, []string{"one", "two"}, c.Channels())
	assert.Equal(t, 1, c.lookbackDays)
}
