package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/krshsl/praxis/feedback/models"
)

const (
	// longSilence is the minimum gap, in seconds, reported as a silence
	longSilence = 2.0
	// answerWords is the answer length that earns full appropriateness
	answerWords  = 40.0
	minGoodRate  = 110.0
	maxGoodRate  = 170.0
	heuristicTag = "heuristic"
)

var fillerLexicon = map[string][]string{
	"ja": {"えーと", "えと", "あの", "あー", "うーん", "なんか"},
	"ko": {"음", "어", "그", "저기", "약간", "뭐"},
	"en": {"um", "uh", "like", "you know", "actually"},
}

var keywordLexicon = map[string][]string{
	"ja": {"経験", "プロジェクト", "チーム", "成果", "課題", "学び", "責任", "目標"},
	"ko": {"경험", "프로젝트", "팀", "성과", "과제", "배운", "책임", "목표"},
	"en": {"experience", "project", "team", "result", "challenge", "learned", "responsibility", "goal"},
}

func fillerWords(language string) []string {
	if words, ok := fillerLexicon[language]; ok {
		return words
	}
	return fillerLexicon["en"]
}

func keywords(language string) []string {
	if words, ok := keywordLexicon[language]; ok {
		return words
	}
	return keywordLexicon["en"]
}

// spaced reports whether the language separates words with spaces
func spaced(language string) bool { return language != "ja" }

// HeuristicAnalyzer scores delivery and structure locally without any external service
type HeuristicAnalyzer struct {
	logger *slog.Logger
}

func NewHeuristicAnalyzer(logger *slog.Logger) *HeuristicAnalyzer {
	return &HeuristicAnalyzer{logger: logger}
}

func (h *HeuristicAnalyzer) Name() string { return heuristicTag }

func (h *HeuristicAnalyzer) Analyze(ctx context.Context, t *TranscriptResult) (*AnalysisResult, error) {
	if t == nil || len(t.Segments) == 0 {
		return nil, unsupported(h.Name(), "transcript has no segments")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	habits, totalWords, fillerCount := speechHabits(t)
	structural := structure(t)

	var penalties float64
	var recommendations []string

	density := float64(fillerCount) / math.Max(float64(totalWords), 1) * 100
	if fillerCount > 0 {
		p := math.Min(30, density*3)
		penalties += p
		if p >= 3 {
			recommendations = append(recommendations, fmt.Sprintf("Reduce filler words: %d detected (%.1f per 100 words).", fillerCount, density))
		}
	}
	if n := len(habits.SilenceDurations); n > 0 {
		penalties += math.Min(20, float64(n)*4)
		recommendations = append(recommendations, fmt.Sprintf("Shorten long pauses: %d silences of %.0fs or more.", n, longSilence))
	}
	switch rate := habits.SpeakingRate; {
	case rate > 0 && rate < minGoodRate:
		penalties += math.Min(15, (minGoodRate-rate)/4)
		recommendations = append(recommendations, fmt.Sprintf("Speak a little faster: %.0f words per minute.", rate))
	case rate > maxGoodRate:
		penalties += math.Min(15, (rate-maxGoodRate)/4)
		recommendations = append(recommendations, fmt.Sprintf("Slow down: %.0f words per minute.", rate))
	}
	if structural.AppropriatenessScore < 0.5 && len(structural.QuestionResponsePairs) > 0 {
		recommendations = append(recommendations, "Give fuller answers with a concrete example for each question.")
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "Delivery was steady. Keep practicing with the same structure.")
	}

	delivery := 100 - penalties
	overall := clamp(math.Round(0.7*delivery+0.3*structural.AppropriatenessScore*100), 0, 100)

	h.logger.Info("Transcript analyzed", "engine", h.Name(), "score", overall, "fillers", fillerCount, "silences", len(habits.SilenceDurations))
	return &AnalysisResult{
		StructuralAnalysis: structural,
		SpeechHabits:       habits,
		OverallScore:       overall,
		Recommendations:    recommendations,
	}, nil
}

func speechHabits(t *TranscriptResult) (models.SpeechHabits, int, int) {
	var habits models.SpeechHabits

	var gaps []float64
	for i := 1; i < len(t.Segments); i++ {
		prev, cur := t.Segments[i-1], t.Segments[i]
		gap := cur.Start - prev.End
		if gap <= 0 {
			continue
		}
		gaps = append(gaps, gap)
		if gap >= longSilence {
			habits.SilenceDurations = append(habits.SilenceDurations, models.SilenceInterval{
				Start:    prev.End,
				End:      cur.Start,
				Duration: round2(gap),
			})
		}
	}
	if len(gaps) > 0 {
		var sum float64
		for _, g := range gaps {
			sum += g
		}
		habits.AveragePauseDuration = round2(sum / float64(len(gaps)))
	}

	totalWords := 0
	var speech float64
	for _, seg := range t.Segments {
		totalWords += wordCount(seg, t.Language)
		if seg.End > seg.Start {
			speech += seg.End - seg.Start
		}
	}
	if speech == 0 {
		speech = t.Duration
	}
	if speech > 0 {
		habits.SpeakingRate = round2(float64(totalWords) / (speech / 60))
	}

	fillerCount := 0
	for _, filler := range fillerWords(t.Language) {
		var timestamps []float64
		for _, seg := range t.Segments {
			timestamps = append(timestamps, fillerOccurrences(seg, filler, spaced(t.Language))...)
		}
		if len(timestamps) == 0 {
			continue
		}
		fillerCount += len(timestamps)
		habits.FillerWords = append(habits.FillerWords, models.FillerWord{
			Word:       filler,
			Count:      len(timestamps),
			Timestamps: timestamps,
		})
	}
	return habits, totalWords, fillerCount
}

func structure(t *TranscriptResult) models.StructuralAnalysis {
	var s models.StructuralAnalysis

	for i, seg := range t.Segments {
		if !isQuestion(seg.Text) {
			continue
		}
		j := nextResponse(t.Segments, i)
		if j < 0 {
			continue
		}
		response := t.Segments[j]
		score := round2(math.Min(1, float64(wordCount(response, t.Language))/answerWords))
		feedback := "Answer has enough detail."
		if score < 0.5 {
			feedback = "Answer is brief. Add a concrete example."
		}
		s.QuestionResponsePairs = append(s.QuestionResponsePairs, models.QuestionResponsePair{
			QuestionSegmentID: seg.ID,
			ResponseSegmentID: response.ID,
			Appropriateness:   score,
			Feedback:          feedback,
		})
	}

	if len(s.QuestionResponsePairs) == 0 {
		s.AppropriatenessScore = 0.5
	} else {
		var sum float64
		for _, p := range s.QuestionResponsePairs {
			sum += p.Appropriateness
		}
		s.AppropriatenessScore = round2(sum / float64(len(s.QuestionResponsePairs)))
	}

	for _, kw := range keywords(t.Language) {
		match := models.KeywordMatch{Keyword: kw}
		for _, seg := range t.Segments {
			if n := strings.Count(strings.ToLower(seg.Text), kw); n > 0 {
				match.Count += n
				match.Segments = append(match.Segments, seg.ID)
			}
		}
		if match.Count > 0 {
			match.Relevance = round2(math.Min(1, float64(match.Count)/3))
			s.KeywordMatches = append(s.KeywordMatches, match)
		}
	}
	return s
}

// nextResponse finds the answer to the question at i: the next segment from a
// different speaker, or simply the next segment when speakers are not separated.
func nextResponse(segments []models.Segment, i int) int {
	if i+1 >= len(segments) {
		return -1
	}
	asker := segments[i].SpeakerID
	for j := i + 1; j < len(segments); j++ {
		if segments[j].SpeakerID != asker {
			return j
		}
	}
	return i + 1
}

func isQuestion(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasSuffix(text, "?") ||
		strings.HasSuffix(text, "？") ||
		strings.HasSuffix(text, "か。") ||
		strings.HasSuffix(text, "까요") ||
		strings.HasSuffix(text, "까요.")
}

func fillerOccurrences(seg models.Segment, filler string, spacedLang bool) []float64 {
	multiWord := strings.Contains(filler, " ")
	if len(seg.Words) > 0 && !multiWord {
		var ts []float64
		for _, w := range seg.Words {
			if normalizeToken(w.Text) == filler {
				ts = append(ts, w.Start)
			}
		}
		return ts
	}

	n := 0
	if spacedLang {
		n = countSequence(tokenize(seg.Text), strings.Fields(filler))
	} else {
		n = strings.Count(seg.Text, filler)
	}
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = seg.Start
	}
	return ts
}

func wordCount(seg models.Segment, language string) int {
	if len(seg.Words) > 0 {
		return len(seg.Words)
	}
	if spaced(language) {
		return len(tokenize(seg.Text))
	}
	// roughly two characters per word for unspaced scripts
	runes := 0
	for _, r := range seg.Text {
		if !unicode.IsSpace(r) && !unicode.IsPunct(r) {
			runes++
		}
	}
	return (runes + 1) / 2
}

func tokenize(text string) []string {
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := normalizeToken(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	}))
}

func countSequence(tokens, seq []string) int {
	if len(seq) == 0 {
		return 0
	}
	n := 0
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for k := range seq {
			if tokens[i+k] != seq[k] {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
