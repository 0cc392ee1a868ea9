package links

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/brettboylen/telegram-tracker/models"
)

// RE2's \s is ASCII only; \p{Z} also stops at no-break and thin spaces
var urlPattern = regexp.MustCompile(`https?://[^\s\p{Z})\]>"']+`)

const trailingPunctuation = ".,;:!?"

var telegramHosts = []string{
	"t.me",
	"telegram.me",
	"telegram.dog",
	"telegram.org",
}

var researchHosts = []string{
	"arxiv.org",
	"openreview.net",
	"aclanthology.org",
	"proceedings.mlr.press",
	"jmlr.org",
	"paperswithcode.com",
	"ieeexplore.ieee.org",
	"link.springer.com",
	"sciencedirect.com",
	"nature.com",
	"science.org",
	"doi.org",
}

// Classify maps a URL to its link category. Checks run in order: github, telegram, research, article.
func Classify(rawURL string) models.LinkCategory {
	host := hostOf(rawURL)
	switch {
	case host == "":
		return models.CategoryOther
	case strings.Contains(host, "github.com"):
		return models.CategoryGitHub
	case matchesHost(host, telegramHosts):
		return models.CategoryTelegram
	case matchesHost(host, researchHosts):
		return models.CategoryResearch
	default:
		return models.CategoryArticle
	}
}

// ExtractURLs finds URLs in the message text and merges them with the URLs of styled-link entities.
// The result is deduplicated and sorted.
func ExtractURLs(text string, entityURLs []string) []string {
	seen := make(map[string]struct{})

	for _, match := range urlPattern.FindAllString(text, -1) {
		trimmed := strings.TrimRight(match, trailingPunctuation)
		if trimmed != "" {
			seen[trimmed] = struct{}{}
		}
	}

	for _, entityURL := range entityURLs {
		trimmed := strings.TrimSpace(entityURL)
		if trimmed != "" {
			seen[trimmed] = struct{}{}
		}
	}

	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	return urls
}

// Classified pairs every URL with its category, keeping the input order
func Classified(urls []string) []models.Link {
	result := make([]models.Link, 0, len(urls))
	for _, u := range urls {
		result = append(result, models.Link{URL: u, Category: Classify(u)})
	}
	return result
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// matchesHost reports whether host equals one of the suffixes or is a subdomain of it
func matchesHost(host string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
