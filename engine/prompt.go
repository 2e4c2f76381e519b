package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

const analysisSchema = `{
  "structural_analysis": {
    "question_response_pairs": [
      {"question_segment_id": "id", "response_segment_id": "id", "question_intent": "text", "appropriateness": 0.0, "feedback": "text"}
    ],
    "appropriateness_score": 0.0,
    "keyword_matches": [{"keyword": "text", "count": 0, "segments": ["id"], "relevance": 0.0}]
  },
  "speech_habits": {
    "silence_durations": [{"start": 0.0, "end": 0.0, "duration": 0.0}],
    "filler_words": [{"word": "text", "count": 0, "timestamps": [0.0]}],
    "speaking_rate": 0.0,
    "average_pause_duration": 0.0
  },
  "overall_score": 0,
  "recommendations": ["text"]
}`

// analysisInstruction is the system prompt shared by the LLM-backed analyzers
func analysisInstruction(language string) string {
	return fmt.Sprintf(`You are an interview coach reviewing a mock interview recording.
Reply in the interview language (%s) and return only JSON matching this shape:
%s
Scores in appropriateness fields are between 0 and 1. overall_score is between 0 and 100.`, languageName(language), analysisSchema)
}

// buildAnalysisPrompt renders the transcript as a timeline the model can cite by segment id
func buildAnalysisPrompt(t *TranscriptResult) string {
	var b strings.Builder
	b.WriteString("# Transcript\n\n")
	b.WriteString("Full text: ")
	b.WriteString(t.FullText)
	b.WriteString("\n\nTimeline:\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "[%s] [%.2fs - %.2fs] %s: %s\n", seg.ID, seg.Start, seg.End, seg.SpeakerID, seg.Text)
	}
	b.WriteString(`
# Tasks
1. Pair each interviewer question with the answer that follows and rate how well it answers.
2. Detect filler words (`)
	b.WriteString(strings.Join(fillerWords(t.Language), ", "))
	b.WriteString(`) with timestamps.
3. Measure speaking rate (words per minute) and pauses.
4. Give concrete suggestions for improvement.
`)
	return b.String()
}

// parseAnalysis decodes a model reply, tolerating markdown code fences
func parseAnalysis(engine, text string) (*AnalysisResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &Error{Kind: KindBackend, Engine: engine, Message: "empty analysis response"}
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, &Error{Kind: KindBackend, Engine: engine, Message: "malformed analysis response", Err: err}
	}
	result.OverallScore = clamp(result.OverallScore, 0, 100)
	result.StructuralAnalysis.AppropriatenessScore = clamp(result.StructuralAnalysis.AppropriatenessScore, 0, 1)
	return &result, nil
}

func languageName(code string) string {
	switch code {
	case "ja":
		return "Japanese"
	case "ko":
		return "Korean"
	case "en":
		return "English"
	default:
		return code
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
