// Package patterndetect asks a language model for the heading markers of a
// book and keeps the ones that really occur in it.
package patterndetect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"manuscript/api/internal/splitting"
)

// MaxContentChars bounds how much of the book goes into the prompt.
const MaxContentChars = 50000

const rawResponseLimit = 1000

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// UnparseableError means the model answered with something that is not the
// expected JSON document.
type UnparseableError struct {
	Err         error
	RawResponse string
}

func (e *UnparseableError) Error() string {
	return "failed to parse AI response: " + e.Err.Error()
}

func (e *UnparseableError) Unwrap() error { return e.Err }

var ErrUnparseable = errors.New("unparseable detection response")

func (e *UnparseableError) Is(target error) bool { return target == ErrUnparseable }

type Result struct {
	Patterns   splitting.Patterns `json:"patterns"`
	Confidence string             `json:"confidence"`
	Notes      string             `json:"notes"`
}

type Detector struct {
	gen Generator
}

func New(gen Generator) *Detector {
	return &Detector{gen: gen}
}

// Detect returns the markers the model found. Only start markers present
// verbatim in content survive; sections left without one are dropped so the
// splitter falls back to its defaults for them.
func (d *Detector) Detect(ctx context.Context, content string) (Result, error) {
	response, err := d.gen.Generate(ctx, BuildPrompt(content))
	if err != nil {
		return Result{}, fmt.Errorf("detect patterns: %w", err)
	}
	text := stripFence(strings.TrimSpace(response))

	var meta struct {
		Confidence string `json:"confidence"`
		Notes      string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(text), &meta); err != nil {
		return Result{}, &UnparseableError{Err: err, RawResponse: truncate(text, rawResponseLimit)}
	}
	detected, err := splitting.ParseDetected([]byte(text))
	if err != nil {
		return Result{}, &UnparseableError{Err: err, RawResponse: truncate(text, rawResponseLimit)}
	}

	validated := prune(detected.FilterStarts(func(marker string) bool {
		return strings.Contains(content, marker)
	}))
	if meta.Confidence == "" {
		meta.Confidence = "medium"
	}
	return Result{Patterns: validated, Confidence: meta.Confidence, Notes: meta.Notes}, nil
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		first := strings.TrimSpace(text[3:nl])
		if first == "" || strings.EqualFold(first, "json") {
			text = text[nl+1:]
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func prune(p splitting.Patterns) splitting.Patterns {
	pruneSet := func(set splitting.SectionSet) splitting.SectionSet {
		for _, section := range []*splitting.Section{&set.Competency, &set.Level1, &set.Level2, &set.Achievers} {
			if len(section.Start) == 0 {
				*section = splitting.Section{}
			}
		}
		return set
	}
	p.Questions = pruneSet(p.Questions)
	p.AnswerKeys.SectionSet = pruneSet(p.AnswerKeys.SectionSet)
	p.Explanations.SectionSet = pruneSet(p.Explanations.SectionSet)
	if len(p.AnswerKeys.SectionStart) == 0 {
		p.AnswerKeys.SectionStart = nil
	}
	if len(p.Explanations.SectionStart) == 0 {
		p.Explanations.SectionStart = nil
	}
	return p
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// BuildPrompt describes the expected book layout and output format, followed
// by the first MaxContentChars characters of content.
func BuildPrompt(content string) string {
	sample := truncate(content, MaxContentChars)
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n```markdown\n")
	b.WriteString(sample)
	b.WriteString("\n```\n\n")
	if len(sample) < len(content) {
		b.WriteString("... (content continues)\n\n")
	}
	b.WriteString(promptFooter)
	return b.String()
}

const promptHeader = `You are an expert at analyzing educational PDF content that has been converted to markdown.
Identify the exact heading text that opens each section of the book below.

Sections usually appear in this order:
1. Theory / introduction
2. Competency-Focused Questions
3. Level 1 questions, with headings such as "# LEVEL1" or "# LEVEL 1" (not "# PYQ's Marathon")
4. Level 2 questions, with headings such as "# LEVEL" (no number), "# LEVEL2" or "# LEVEL 2"
5. Achievers section, such as "# ACHIEVERS' SECTION" or "# ACHIEVERS SECTION"
6. Answer-key section, with subsections for competency, level 1, level 2 and achievers
7. Explanations section, with the same subsections

Rules:
1. Copy heading text exactly, including # symbols, spacing, capitalization and punctuation.
2. Level 1 usually follows "# PYQ's Marathon".
3. A bare "# LEVEL" heading is level 2.
4. Watch apostrophes: "ACHIEVERS' SECTION" and "ACHIEVERS SECTION" differ.
5. The level 1 end marker is the level 2 start marker.
6. Include a trailing newline when needed to tell "# LEVEL\n" from "# LEVEL1".

Content:`

const promptFooter = `Return ONLY a JSON object, without code fences or commentary, in this shape:
{
  "questions": {
    "competency": {"start": ["exact heading"], "end": ["next heading"], "lineNumber": 0},
    "level1": {"start": ["exact heading"], "end": ["next heading"], "lineNumber": 0},
    "level2": {"start": ["exact heading"], "end": ["next heading"], "lineNumber": 0},
    "achievers": {"start": ["exact heading"], "end": ["next heading"], "lineNumber": 0}
  },
  "answerKeys": {
    "sectionStart": ["exact heading"],
    "competency": {"start": ["..."]},
    "level1": {"start": ["..."]},
    "level2": {"start": ["..."]},
    "achievers": {"start": ["..."]}
  },
  "explanations": {
    "sectionStart": ["exact heading"],
    "competency": {"start": ["..."]},
    "level1": {"start": ["..."]},
    "level2": {"start": ["..."]},
    "achievers": {"start": ["..."]}
  },
  "confidence": "high|medium|low",
  "notes": "observations about the content structure"
}`
