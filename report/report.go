package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brettboylen/telegram-tracker/models"
)

const (
	// DefaultTitle heads the markdown digest
	DefaultTitle = "Weekly Top ML/DS Posts"

	snippetLimit = 280
	ellipsis     = "..."
)

// WriteJSON writes posts as an indented JSON array
func WriteJSON(w io.Writer, posts []models.RankedPost) error {
	if posts == nil {
		posts = []models.RankedPost{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(posts); err != nil {
		return fmt.Errorf("failed to encode posts: %w", err)
	}
	return nil
}

// ReadJSON reads posts written by WriteJSON
func ReadJSON(r io.Reader) ([]models.RankedPost, error) {
	var posts []models.RankedPost
	if err := json.NewDecoder(r).Decode(&posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}
	return posts, nil
}

// WriteMarkdown writes a human-readable digest of posts
func WriteMarkdown(w io.Writer, title string, posts []models.RankedPost) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# %s\n\n", title)
	for i, post := range posts {
		fmt.Fprintf(bw, "## %d. %s / post %d\n", i+1, post.ChannelTitle, post.MessageID)
		fmt.Fprintf(bw, "- Reactions: %d (growth: %d)\n", post.LatestReactions, post.ReactionsGrowth)
		fmt.Fprintf(bw, "- Views: %d\n", valueOrZero(post.LatestViews))
		fmt.Fprintf(bw, "- Forwards: %d\n", valueOrZero(post.LatestForwards))
		fmt.Fprintf(bw, "- Date: %s\n", post.PostedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(bw, "- URL: %s\n", orNA(post.PostURL))

		writeLinkList(bw, "Article links", post.ArticleLinks)
		writeLinkList(bw, "Research links", post.ResearchLinks)
		writeLinkList(bw, "GitHub links", post.GitHubLinks)

		if snippet := Snippet(post.Text); snippet != "" {
			fmt.Fprintf(bw, "- Text: %s\n", snippet)
		}
		bw.WriteString("\n")
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write markdown: %w", err)
	}
	return nil
}

// WriteSummary prints one block per post for terminal output
func WriteSummary(w io.Writer, posts []models.RankedPost, showLinks bool) error {
	bw := bufio.NewWriter(w)

	if len(posts) == 0 {
		bw.WriteString("No data found for the selected window.\n")
	}

	for i, post := range posts {
		fmt.Fprintf(bw, "%d. [%s] post=%d reactions=%d growth=%d views=%d forwards=%d\n",
			i+1, post.ChannelTitle, post.MessageID, post.LatestReactions, post.ReactionsGrowth,
			valueOrZero(post.LatestViews), valueOrZero(post.LatestForwards))
		fmt.Fprintf(bw, "   url=%s\n", orNA(post.PostURL))

		if len(post.ArticleLinks) > 0 {
			fmt.Fprintf(bw, "   article_links=%d\n", len(post.ArticleLinks))
		}
		if len(post.ResearchLinks) > 0 {
			fmt.Fprintf(bw, "   research_links=%d\n", len(post.ResearchLinks))
		}
		if len(post.GitHubLinks) > 0 {
			fmt.Fprintf(bw, "   github_links=%d\n", len(post.GitHubLinks))
		}

		if showLinks {
			for _, u := range post.ResearchLinks {
				fmt.Fprintf(bw, "   research: %s\n", u)
			}
			for _, u := range post.ArticleLinks {
				fmt.Fprintf(bw, "   article: %s\n", u)
			}
			for _, u := range post.GitHubLinks {
				fmt.Fprintf(bw, "   github: %s\n", u)
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// ExportFiles writes top_posts_<timestamp>.json and .md into dir and returns both paths
func ExportFiles(dir string, posts []models.RankedPost, now time.Time) (string, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := now.Format("20060102_150405")
	jsonPath := filepath.Join(dir, fmt.Sprintf("top_posts_%s.json", stamp))
	mdPath := filepath.Join(dir, fmt.Sprintf("top_posts_%s.md", stamp))

	if err := writeFile(jsonPath, func(w io.Writer) error { return WriteJSON(w, posts) }); err != nil {
		return "", "", err
	}
	if err := writeFile(mdPath, func(w io.Writer) error { return WriteMarkdown(w, DefaultTitle, posts) }); err != nil {
		return "", "", err
	}

	return jsonPath, mdPath, nil
}

// Snippet flattens text to one line and cuts it to the preview length
func Snippet(text string) string {
	snippet := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))

	runes := []rune(snippet)
	if len(runes) > snippetLimit {
		return string(runes[:snippetLimit-len(ellipsis)]) + ellipsis
	}
	return snippet
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeLinkList(w io.Writer, label string, urls []string) {
	if len(urls) == 0 {
		return
	}
	fmt.Fprintf(w, "- %s:\n", label)
	for _, u := range urls {
		fmt.Fprintf(w, "  - %s\n", u)
	}
}

func valueOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
