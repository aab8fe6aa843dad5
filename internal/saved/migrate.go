package saved

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/clipagent/internal/resource"
)

// CurrentVersion is the format written by this package.
const CurrentVersion = 2

// Document is the stored form: {"version":2,"items":[...]}. Version 1 was a
// bare JSON array of url strings under the same key.
type Document struct {
	Version int    `json:"version"`
	Items   []Item `json:"items"`
}

// migration converts a Document of one version to the next.
type migration func(raw json.RawMessage, now time.Time) (json.RawMessage, error)

var migrations = map[int]migration{
	1: migrateV1,
}

// Upgrade decodes raw in whatever version it was written, applies each
// migration in turn and returns the current Document together with the
// version it started at. It has no side effects.
func Upgrade(raw json.RawMessage, now time.Time) (Document, int, error) {
	from, err := detectVersion(raw)
	if err != nil {
		return Document{}, 0, err
	}
	if from > CurrentVersion {
		return Document{}, from, fmt.Errorf("saved items version %d is newer than supported %d", from, CurrentVersion)
	}

	cur := raw
	for v := from; v < CurrentVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return Document{}, from, fmt.Errorf("no migration from saved items version %d", v)
		}
		if cur, err = step(cur, now); err != nil {
			return Document{}, from, fmt.Errorf("migrate saved items v%d: %w", v, err)
		}
	}

	var doc Document
	if err := json.Unmarshal(cur, &doc); err != nil {
		return Document{}, from, fmt.Errorf("decode saved items: %w", err)
	}
	doc.Version = CurrentVersion
	return doc, from, nil
}

func detectVersion(raw json.RawMessage) (int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return CurrentVersion, nil
	}
	if trimmed[0] == '[' {
		return 1, nil
	}

	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return 0, fmt.Errorf("decode saved items header: %w", err)
	}
	if head.Version == 0 {
		return 0, fmt.Errorf("saved items Document has no version")
	}
	return head.Version, nil
}

// migrateV1 turns the legacy url list into records. Order is preserved,
// duplicates and blanks are dropped and every record gets the migration
// time since the legacy format kept none.
func migrateV1(raw json.RawMessage, now time.Time) (json.RawMessage, error) {
	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(urls))
	doc := Document{Version: 2, Items: make([]Item, 0, len(urls))}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		doc.Items = append(doc.Items, Item{URL: u, ResourceID: resource.ID(u), SavedAt: now})
	}
	return json.Marshal(doc)
}
