package engine

import (
	"fmt"

	"github.com/krshsl/praxis/feedback/models"
)

// speakerGapThreshold is the pause length, in seconds, treated as a change of turn
const speakerGapThreshold = 1.5

// DefaultSpeaker is assigned when a backend cannot separate speakers
const DefaultSpeaker = "Speaker_A"

// assignSpeakersByGaps alternates between two speakers whenever the pause
// between consecutive segments exceeds the threshold. Segments that already
// carry a speaker label are left untouched.
func assignSpeakersByGaps(segments []models.Segment) []models.Speaker {
	if len(segments) == 0 {
		return nil
	}
	for _, s := range segments {
		if s.SpeakerID != "" && s.SpeakerID != DefaultSpeaker {
			return rosterOf(segments)
		}
	}

	speaker := 0
	for i := range segments {
		if i > 0 && segments[i].Start-segments[i-1].End > speakerGapThreshold {
			speaker = 1 - speaker
		}
		segments[i].SpeakerID = speakerLabel(speaker)
	}
	return rosterOf(segments)
}

func speakerLabel(i int) string {
	return fmt.Sprintf("Speaker_%c", 'A'+rune(i))
}

// rosterOf lists the distinct speakers in order of first appearance
func rosterOf(segments []models.Segment) []models.Speaker {
	seen := make(map[string]bool)
	var roster []models.Speaker
	for _, s := range segments {
		if s.SpeakerID == "" || seen[s.SpeakerID] {
			continue
		}
		seen[s.SpeakerID] = true
		roster = append(roster, models.Speaker{ID: s.SpeakerID})
	}
	return roster
}
