package links

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/iamwavecut/ngguard/internal/db"
)

var (
	urlPattern     = regexp.MustCompile(`(?i)(?:https?://|tg://)\S+|\b(?:t\.me|telegram\.me|telegram\.dog)/\S+`)
	mentionPattern = regexp.MustCompile(`(?:^|[^\w/@])@([A-Za-z0-9_]{5,32})\b`)

	telegramHosts = map[string]struct{}{
		"t.me":         {},
		"telegram.me":  {},
		"telegram.dog": {},
	}

	shortenerHosts = map[string]struct{}{
		"bit.ly":      {},
		"tinyurl.com": {},
		"t.co":        {},
		"goo.gl":      {},
		"is.gd":       {},
		"ow.ly":       {},
		"rebrand.ly":  {},
		"buff.ly":     {},
		"bit.do":      {},
		"cutt.ly":     {},
		"shorturl.at": {},
	}
)

type ItemKind int

const (
	ItemURL ItemKind = iota
	ItemMention
)

// Item is one link or mention found in a message.
type Item struct {
	Kind     ItemKind
	Raw      string
	Host     string
	Path     string
	Username string
	Category db.LinkCategory
}

// Extract returns links and mentions in the order they appear in text.
func Extract(text string) []Item {
	type located struct {
		start, end int
		item       Item
	}
	var urls []located
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		raw := strings.TrimRight(text[loc[0]:loc[1]], ".,!?;:)]}>\"'»")
		urls = append(urls, located{start: loc[0], end: loc[1], item: parseURL(raw)})
	}

	items := make([]Item, 0, len(urls))
	next := 0
	for _, loc := range mentionPattern.FindAllStringSubmatchIndex(text, -1) {
		start := loc[2] - 1
		inURL := false
		for _, u := range urls {
			if start >= u.start && start < u.end {
				inURL = true
				break
			}
		}
		if inURL {
			continue
		}
		for next < len(urls) && urls[next].start < start {
			items = append(items, urls[next].item)
			next++
		}
		name := text[loc[2]:loc[3]]
		items = append(items, Item{
			Kind:     ItemMention,
			Raw:      "@" + name,
			Username: strings.ToLower(name),
			Category: db.LinkCategoryUsernames,
		})
	}
	for ; next < len(urls); next++ {
		items = append(items, urls[next].item)
	}
	return items
}

func parseURL(raw string) Item {
	item := Item{Kind: ItemURL, Raw: raw}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		item.Category = db.LinkCategoryOther
		return item
	}
	if strings.EqualFold(u.Scheme, "tg") {
		item.Host = strings.ToLower(u.Hostname())
		item.Path = u.Path
		item.Category = classifyTG(u)
		return item
	}
	item.Host = normalizeHost(u.Hostname())
	item.Path = u.Path
	item.Category = classify(item.Host, u.Path)
	if item.Category == db.LinkCategoryTelegram {
		item.Username = strings.ToLower(firstSegment(u.Path))
	}
	return item
}

// Classify maps a URL to its link category.
func Classify(rawURL string) db.LinkCategory {
	return parseURL(rawURL).Category
}

func classify(host, path string) db.LinkCategory {
	if _, ok := telegramHosts[host]; ok {
		lowered := strings.ToLower(path)
		if strings.HasPrefix(lowered, "/joinchat") || strings.HasPrefix(lowered, "/+") {
			return db.LinkCategoryInvites
		}
		return db.LinkCategoryTelegram
	}
	if _, ok := shortenerHosts[host]; ok {
		return db.LinkCategoryShorteners
	}
	return db.LinkCategoryOther
}

func classifyTG(u *url.URL) db.LinkCategory {
	if strings.EqualFold(u.Host, "join") || strings.Contains(strings.ToLower(u.Opaque), "join") {
		return db.LinkCategoryInvites
	}
	return db.LinkCategoryTelegram
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.TrimSuffix(strings.ToLower(host), "."), "www.")
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
