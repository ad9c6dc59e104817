// Package record holds the wire shape of a game entry extracted from the monitored page.
package record

import "strings"

// GameEntry is one tag read from the past-games list. PastGameID and LastGameIndex are nil
// when the page did not carry the attribute.
type GameEntry struct {
	PastGameID       *string `json:"pastGameId"`
	Content          string  `json:"content"`
	LastGameIndex    *string `json:"lastGameIndex"`
	ButtonBackground string  `json:"buttonBackground"`
	ButtonForeground string  `json:"buttonForeground"`
	ButtonHover      string  `json:"buttonHover"`
}

// gameIDCutset matches SQL TRIM, so stored ids key the same way in Go and in queries.
const gameIDCutset = " "

// GameID returns the natural identifier without surrounding spaces and whether it is usable
// as a dedupe key.
func (entry GameEntry) GameID() (string, bool) {
	if entry.PastGameID == nil {
		return "", false
	}
	trimmed := strings.Trim(*entry.PastGameID, gameIDCutset)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// StringPtr returns a pointer to a copy of value.
func StringPtr(value string) *string {
	return &value
}

// StringValue dereferences value, treating nil as empty.
func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
