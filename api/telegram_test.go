package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channelHeader = `
<div class="tgme_channel_info">
  <div class="tgme_channel_info_header_title"><span dir="auto">ML Digest</span></div>
</div>`

func messageHTML(id int, datetime, body, extra string) string {
	return fmt.Sprintf(`
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message js-widget_message" data-post="mldigest/%d">
    <div class="tgme_widget_message_text js-message_text" dir="auto">%s</div>
    %s
    <div class="tgme_widget_message_footer">
      <span class="tgme_widget_message_views">1.2K</span>
      <a class="tgme_widget_message_date" href="https://t.me/mldigest/%d"><time datetime="%s" class="time">08:30</time></a>
    </div>
  </div>
</div>`, id, body, extra, id, datetime)
}

func page(messages ...string) string {
	return "<html><body>" + channelHeader + strings.Join(messages, "") + "</body></html>"
}

func newTestClient(baseURL string) *TelegramWeb {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewTelegramWeb(baseURL, "test-agent", 60000, log)
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
		ok       bool
	}{
		{name: "Plain number", input: "950", expected: 950, ok: true},
		{name: "Thousands suffix", input: "1.2K", expected: 1200, ok: true},
		{name: "Millions suffix", input: "3M", expected: 3000000, ok: true},
		{name: "Whitespace", input: "  17 ", expected: 17, ok: true},
		{name: "Empty", input: "", expected: 0, ok: false},
		{name: "Garbage", input: "many", expected: 0, ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := parseCount(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, n)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	withOffset := parseTimestamp("2024-05-10T10:30:00+02:00")
	assert.Equal(t, time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC), withOffset)
	assert.Equal(t, time.UTC, withOffset.Location())

	naive := parseTimestamp("2024-05-10T08:30:00")
	assert.Equal(t, time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC), naive)

	assert.True(t, parseTimestamp("yesterday").IsZero())
}

func TestChannelIDStable(t *testing.T) {
	assert.Equal(t, ChannelID("MLDigest"), ChannelID("mldigest"))
	assert.NotEqual(t, ChannelID("mldigest"), ChannelID("other"))
	assert.Positive(t, ChannelID("mldigest"))
}

func TestResolveAndIterate(t *testing.T) {
	var newestFetches atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "/s/mldigest", r.URL.Path)

		switch r.URL.Query().Get("before") {
		case "":
			newestFetches.Add(1)
			fmt.Fprint(w, page(
				messageHTML(11, "2024-05-09T08:30:00+00:00", `older <a href="https://example.com/a">link</a> via <a href="https://t.me/someone">@someone</a>`, ""),
				messageHTML(12, "2024-05-10T08:30:00+00:00", `see https://github.com/org/repo<br/>second line`, `
    <div class="tgme_widget_message_reactions">
      <span class="tgme_reaction"><i class="emoji"><b>👍</b></i>12</span>
      <span class="tgme_reaction"><tg-emoji emoji-id="5368"><i class="emoji"><b>❤</b></i></tg-emoji>3</span>
      <span class="tgme_reaction">2</span>
    </div>`),
			))
		case "11":
			fmt.Fprint(w, page(
				messageHTML(10, "2024-05-08T08:30:00", "oldest", ""),
			))
		default:
			fmt.Fprint(w, page())
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx := context.Background()

	channel, err := client.ResolveChannel(ctx, "@mldigest")
	require.NoError(t, err)
	assert.Equal(t, "mldigest", channel.Username)
	assert.Equal(t, "ML Digest", channel.Title)
	assert.Equal(t, ChannelID("mldigest"), channel.ID)

	iter := client.Messages(ctx, channel)

	var messages []*Message
	for {
		msg, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		messages = append(messages, msg)
	}

	require.Len(t, messages, 3)
	assert.Equal(t, int32(1), newestFetches.Load())
	assert.Equal(t, int64(12), messages[0].ID)
	assert.Equal(t, int64(11), messages[1].ID)
	assert.Equal(t, int64(10), messages[2].ID)

	newest := messages[0]
	assert.Equal(t, time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC), newest.Date)
	assert.Equal(t, "see https://github.com/org/repo\nsecond line", newest.Text)
	require.NotNil(t, newest.Views)
	assert.Equal(t, 1200, *newest.Views)
	assert.Nil(t, newest.Forwards)
	assert.Equal(t, []Reaction{
		{Emoticon: "👍", Count: 12},
		{CustomEmojiID: 5368, Count: 3},
		{Count: 2},
	}, newest.Reactions)

	assert.Equal(t, []string{"https://example.com/a"}, messages[1].EntityURLs)
	assert.Nil(t, messages[1].Reactions)
	assert.Equal(t, time.Date(2024, 5, 8, 8, 30, 0, 0, time.UTC), messages[2].Date)
}

func TestResolveUnavailableChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/s/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/s/private", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/private", http.StatusFound)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>join channel</body></html>")
	})
	mux.HandleFunc("/s/empty", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body></body></html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)

	for _, ref := range []string{"missing", "private", "empty", "", "bad/name"} {
		t.Run(ref, func(t *testing.T) {
			_, err := client.ResolveChannel(context.Background(), ref)
			assert.ErrorIs(t, err, ErrChannelUnavailable)
		})
	}
}

func TestServerErrorIsNotUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ResolveChannel(context.Background(), "mldigest")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrChannelUnavailable))
	assert.Contains(t, err.Error(), "500")
}
