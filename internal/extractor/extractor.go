// Package extractor reads game entries out of the past-games list of a rendered page.
package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"strings"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	"github.com/PuerkitoBio/goquery"
)

const (
	defaultContainerSelector = ".past-games.svelte-ykvw8m.full"
	defaultTagSelector       = "button.button-tag.variant-success.custom-colors.svelte-19x9wh5"
	defaultTextSelector      = ".contents span"

	attrLastGameIndex = "data-last-game-index"
	attrPastGameID    = "data-past-game-id"
	attrStyle         = "style"

	propButtonBackground = "--button-background"
	propButtonForeground = "--button-foreground"
	propButtonHover      = "--button-hover"
)

// Selectors locates the list container, the tags inside it and the text node inside each tag.
type Selectors struct {
	Container string
	Tag       string
	Text      string
}

// DefaultSelectors returns the selectors matching the monitored site's markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Container: defaultContainerSelector,
		Tag:       defaultTagSelector,
		Text:      defaultTextSelector,
	}
}

// WithDefaults fills blank selectors from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	defaults := DefaultSelectors()
	if strings.TrimSpace(s.Container) == "" {
		s.Container = defaults.Container
	}
	if strings.TrimSpace(s.Tag) == "" {
		s.Tag = defaults.Tag
	}
	if strings.TrimSpace(s.Text) == "" {
		s.Text = defaults.Text
	}
	return s
}

// Extract lazily yields one entry per tag inside the first container match.
// An absent container yields nothing.
func Extract(doc *goquery.Document, selectors Selectors) iter.Seq[record.GameEntry] {
	return func(yield func(record.GameEntry) bool) {
		container, ok := findContainer(doc, selectors)
		if !ok {
			return
		}
		container.Find(selectors.Tag).EachWithBreak(func(_ int, tag *goquery.Selection) bool {
			return yield(readTag(tag, selectors))
		})
	}
}

// ContainerFingerprint hashes the container markup. Any attribute, child-list or subtree
// change inside the container changes the fingerprint.
func ContainerFingerprint(doc *goquery.Document, selectors Selectors) (string, bool) {
	container, ok := findContainer(doc, selectors)
	if !ok {
		return "", false
	}
	markup, err := goquery.OuterHtml(container)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256([]byte(markup))
	return hex.EncodeToString(sum[:]), true
}

// TagCount reports how many tags are currently rendered inside the container.
func TagCount(doc *goquery.Document, selectors Selectors) int {
	container, ok := findContainer(doc, selectors)
	if !ok {
		return 0
	}
	return container.Find(selectors.Tag).Length()
}

func findContainer(doc *goquery.Document, selectors Selectors) (*goquery.Selection, bool) {
	if doc == nil {
		return nil, false
	}
	container := doc.Find(selectors.Container).First()
	if container.Length() == 0 {
		return nil, false
	}
	return container, true
}

func readTag(tag *goquery.Selection, selectors Selectors) record.GameEntry {
	style := tag.AttrOr(attrStyle, "")
	entry := record.GameEntry{
		ButtonBackground: styleProperty(style, propButtonBackground),
		ButtonForeground: styleProperty(style, propButtonForeground),
		ButtonHover:      styleProperty(style, propButtonHover),
	}
	if value, exists := tag.Attr(attrLastGameIndex); exists {
		entry.LastGameIndex = record.StringPtr(value)
	}
	if value, exists := tag.Attr(attrPastGameID); exists {
		entry.PastGameID = record.StringPtr(value)
	}
	text := tag.Find(selectors.Text).First()
	if text.Length() > 0 {
		entry.Content = text.Text()
	}
	return entry
}

// styleProperty reads a custom property from an inline style declaration list.
func styleProperty(style, name string) string {
	for _, declaration := range strings.Split(style, ";") {
		key, value, found := strings.Cut(declaration, ":")
		if !found {
			continue
		}
		if strings.TrimSpace(key) == name {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
