// Package catalog maintains the broadcast catalog: streamer and VOD records,
// gameplay segment extraction from chapter markers, chunk creation, streamer
// discovery, and availability refresh.
package catalog

import (
	"sort"
	"strings"

	"github.com/kaiobarb/bazaar-ghost/backend/twitchapi"
)

// Segment is a half-open [Start, End) span of gameplay within a broadcast,
// in seconds from the start of the video.
type Segment struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// matchesGame reports whether a chapter or broadcast game refers to the target
// category, either by exact id or by case-insensitive name containment.
func matchesGame(gameID, gameName, targetID, targetName string) bool {
	if targetID != "" && gameID == targetID {
		return true
	}
	if gameName == "" || targetName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(gameName), strings.ToLower(targetName))
}

// ExtractSegments derives gameplay segments from chapter markers. Each marker
// for the target game opens a segment at its position; the segment closes at
// the next marker of any game, or at the end of the video. When no marker
// matches the target, whether because the broadcast has no markers at all or
// only markers for other games, a matching broadcast-level game falls back to
// a single whole-video segment. Segments are returned sorted by start and
// clamped to the video duration; adjacent target segments are not merged so
// that chapter boundaries survive into chunk boundaries.
func ExtractSegments(v twitchapi.GQLVideo, targetID, targetName string) []Segment {
	if v.LengthSeconds <= 0 {
		return nil
	}
	chapters := make([]twitchapi.Chapter, len(v.Chapters))
	copy(chapters, v.Chapters)
	sort.SliceStable(chapters, func(i, j int) bool {
		return chapters[i].PositionMilliseconds < chapters[j].PositionMilliseconds
	})
	var segs []Segment
	for i, ch := range chapters {
		name := ch.GameName
		if name == "" {
			name = ch.GameDisplayName
		}
		if !matchesGame(ch.GameID, name, targetID, targetName) {
			continue
		}
		start := ch.PositionMilliseconds / 1000
		end := v.LengthSeconds
		if i+1 < len(chapters) {
			end = chapters[i+1].PositionMilliseconds / 1000
		}
		if end > v.LengthSeconds {
			end = v.LengthSeconds
		}
		if start >= end {
			continue
		}
		segs = append(segs, Segment{Start: start, End: end})
	}
	if len(segs) == 0 && matchesGame(v.GameID, v.GameName, targetID, targetName) {
		return []Segment{{Start: 0, End: v.LengthSeconds}}
	}
	return segs
}

// chunkSpans splits segments into dispatch-sized spans. Spans never cross a
// segment boundary; a trailing remainder shorter than chunkSeconds becomes its
// own span.
func chunkSpans(segs []Segment, chunkSeconds int) []Segment {
	if chunkSeconds <= 0 {
		return segs
	}
	var out []Segment
	for _, s := range segs {
		for start := s.Start; start < s.End; start += chunkSeconds {
			end := start + chunkSeconds
			if end > s.End {
				end = s.End
			}
			out = append(out, Segment{Start: start, End: end})
		}
	}
	return out
}

// parseTwitchDuration parses Twitch duration format like "3h15m42s".
func parseTwitchDuration(s string) int {
	var total int
	cur := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur += string(r)
			continue
		}
		if cur == "" {
			continue
		}
		n := 0
		for _, d := range cur {
			n = n*10 + int(d-'0')
		}
		switch r {
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		}
		cur = ""
	}
	return total
}
