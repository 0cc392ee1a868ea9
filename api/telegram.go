package api

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL        = "https://t.me"
	defaultUserAgent      = "telegram-tracker/1.0"
	defaultRequestsPerMin = 30
)

// TelegramWeb reads public channels through the t.me/s/<channel> web preview
type TelegramWeb struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	log         *logrus.Logger
}

// NewTelegramWeb creates a new web preview client
func NewTelegramWeb(baseURL, userAgent string, maxRequestsPerMinute int, log *logrus.Logger) *TelegramWeb {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = defaultRequestsPerMin
	}

	// use 95% of the allowed rate, no burst
	perSecond := float64(maxRequestsPerMinute) / 60.0 * 0.95

	return &TelegramWeb{
		baseURL:     strings.TrimRight(baseURL, "/"),
		userAgent:   userAgent,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:         log,
	}
}

// ResolveChannel loads the channel preview page and returns the channel it describes
func (t *TelegramWeb) ResolveChannel(ctx context.Context, ref string) (*Channel, error) {
	username := strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if username == "" || strings.ContainsAny(username, "/?# ") {
		return nil, fmt.Errorf("invalid channel %q: %w", ref, ErrChannelUnavailable)
	}

	doc, err := t.fetchPage(ctx, username, 0)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find(".tgme_channel_info_header_title").First().Text())
	if title == "" {
		title = username
	}

	channel := &Channel{
		ID:       ChannelID(username),
		Username: username,
		Title:    title,
		newest:   parseMessages(doc),
	}

	t.log.WithFields(logrus.Fields{
		"channel": username,
		"title":   title,
	}).Debug("Resolved channel")

	return channel, nil
}

// Messages returns an iterator over the channel history, newest first
func (t *TelegramWeb) Messages(ctx context.Context, channel *Channel) MessageIterator {
	return &pageIterator{client: t, channel: channel}
}

// fetchPage downloads one preview page. before is the exclusive upper message id, 0 for the newest page.
func (t *TelegramWeb) fetchPage(ctx context.Context, username string, before int64) (*goquery.Document, error) {
	if err := t.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	endpoint := fmt.Sprintf("%s/s/%s", t.baseURL, url.PathEscape(username))
	if before > 0 {
		endpoint += "?before=" + strconv.FormatInt(before, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("channel %s not found: %w", username, ErrChannelUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.log.WithFields(logrus.Fields{
			"channel":     username,
			"status_code": resp.StatusCode,
		}).Error("Telegram preview error response")
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// private or unknown channels redirect away from the preview
	if !strings.HasPrefix(resp.Request.URL.Path, "/s/") {
		return nil, fmt.Errorf("channel %s has no public preview: %w", username, ErrChannelUnavailable)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse preview page: %w", err)
	}

	if doc.Find(".tgme_channel_info").Length() == 0 && doc.Find(".tgme_widget_message").Length() == 0 {
		return nil, fmt.Errorf("channel %s has no public preview: %w", username, ErrChannelUnavailable)
	}

	t.log.WithFields(logrus.Fields{
		"channel": username,
		"before":  before,
	}).Debug("Fetched preview page")

	return doc, nil
}

// pageIterator walks the preview backwards one page at a time
type pageIterator struct {
	client  *TelegramWeb
	channel *Channel
	buffer  []*Message
	before  int64
	done    bool

	usedNewest bool
}

func (it *pageIterator) Next(ctx context.Context) (*Message, error) {
	for len(it.buffer) == 0 {
		if it.done {
			return nil, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}

	msg := it.buffer[0]
	it.buffer = it.buffer[1:]
	return msg, nil
}

func (it *pageIterator) fetch(ctx context.Context) error {
	messages, err := it.page(ctx)
	if err != nil {
		return err
	}

	if it.before > 0 {
		kept := messages[:0]
		for _, m := range messages {
			if m.ID < it.before {
				kept = append(kept, m)
			}
		}
		messages = kept
	}

	if len(messages) == 0 {
		it.done = true
		return nil
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].ID > messages[j].ID })

	it.buffer = messages
	it.before = messages[len(messages)-1].ID
	if it.before <= 1 {
		it.done = true
	}

	return nil
}

// page returns the messages of the next page, reusing the one read by ResolveChannel when there is one
func (it *pageIterator) page(ctx context.Context) ([]*Message, error) {
	if it.before == 0 && !it.usedNewest && it.channel.newest != nil {
		it.usedNewest = true
		return append([]*Message(nil), it.channel.newest...), nil
	}

	doc, err := it.client.fetchPage(ctx, it.channel.Username, it.before)
	if err != nil {
		return nil, err
	}
	return parseMessages(doc), nil
}

// parseMessages extracts every message widget on a preview page, in page order
func parseMessages(doc *goquery.Document) []*Message {
	messages := make([]*Message, 0)

	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		post, _ := s.Attr("data-post")
		idx := strings.LastIndex(post, "/")
		if idx < 0 {
			return
		}
		id, err := strconv.ParseInt(post[idx+1:], 10, 64)
		if err != nil {
			return
		}

		msg := &Message{ID: id}

		if datetime, ok := s.Find(".tgme_widget_message_date time[datetime]").First().Attr("datetime"); ok {
			msg.Date = parseTimestamp(datetime)
		} else if datetime, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
			msg.Date = parseTimestamp(datetime)
		}

		textNode := s.Find(".tgme_widget_message_text").First()
		if textNode.Length() > 0 {
			textNode.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
				// @mentions link to profiles, not content
				if strings.HasPrefix(strings.TrimSpace(a.Text()), "@") {
					return
				}
				href, _ := a.Attr("href")
				if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
					msg.EntityURLs = append(msg.EntityURLs, href)
				}
			})
			textNode.Find("br").ReplaceWithHtml("\n")
			msg.Text = strings.TrimSpace(textNode.Text())
		}

		if views := s.Find(".tgme_widget_message_views").First(); views.Length() > 0 {
			if n, ok := parseCount(views.Text()); ok {
				msg.Views = &n
			}
		}

		reactions := s.Find(".tgme_reaction")
		if reactions.Length() > 0 {
			msg.Reactions = make([]Reaction, 0, reactions.Length())
			reactions.Each(func(_ int, r *goquery.Selection) {
				msg.Reactions = append(msg.Reactions, parseReaction(r))
			})
		}

		messages = append(messages, msg)
	})

	return messages
}

func parseReaction(s *goquery.Selection) Reaction {
	var reaction Reaction

	if custom := s.Find("tg-emoji[emoji-id]").First(); custom.Length() > 0 {
		id, _ := custom.Attr("emoji-id")
		reaction.CustomEmojiID, _ = strconv.ParseInt(id, 10, 64)
	}
	if reaction.CustomEmojiID == 0 {
		reaction.Emoticon = strings.TrimSpace(s.Find("i.emoji b").First().Text())
		if reaction.Emoticon == "" {
			reaction.Emoticon = strings.TrimSpace(s.Find("i.emoji").First().Text())
		}
	}

	// the count is the reaction's own text, without the emoji markup
	countText := s.Clone().Children().Remove().End().Text()
	reaction.Count, _ = parseCount(countText)

	return reaction
}

// parseCount reads counters like "950", "1.2K" or "3M"
func parseCount(raw string) (int, bool) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, ",", "")
	value = strings.ReplaceAll(value, " ", "")
	if value == "" {
		return 0, false
	}

	multiplier := 1.0
	switch {
	case strings.HasSuffix(value, "K"):
		multiplier = 1e3
		value = strings.TrimSuffix(value, "K")
	case strings.HasSuffix(value, "M"):
		multiplier = 1e6
		value = strings.TrimSuffix(value, "M")
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return 0, false
	}

	return int(f*multiplier + 0.5), true
}

// parseTimestamp accepts RFC3339 timestamps and treats ones without an offset as UTC
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
		return t
	}
	return time.Time{}
}

// ChannelID derives a stable numeric id from a channel username. The web preview does not
// expose Telegram's own channel ids.
func ChannelID(username string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(username)))
	return int64(h.Sum64() & (1<<63 - 1))
}
