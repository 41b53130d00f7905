package patterndetect

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manuscript/api/internal/splitting"
)

type fakeGenerator struct {
	response string
	err      error
	prompt   string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.response, f.err
}

const book = "Intro\n# Practice Round\n1. q\n# Tier 1\n1. a\n# KEYS\n# Tier 1\n1. (a)\n"

func TestDetectKeepsOnlyMarkersPresentInContent(t *testing.T) {
	gen := &fakeGenerator{response: "```json\n" + `{
		"questions": {
			"competency": {"start": ["# Practice Round", "# Not There"], "end": ["# Tier 1"], "lineNumber": 2},
			"level1": {"start": ["# Tier 1"], "end": ["# Tier 2"]},
			"level2": {"start": ["# Tier 2"], "end": ["# Stars"]}
		},
		"answerKeys": {
			"sectionStart": ["# KEYS", "# ANSWER KEY"],
			"level1": {"start": ["# Tier 1"]}
		},
		"explanations": {"sectionStart": ["# Explanations"]},
		"confidence": "high",
		"notes": "level 2 missing"
	}` + "\n```"}

	result, err := New(gen).Detect(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, "high", result.Confidence)
	assert.Equal(t, "level 2 missing", result.Notes)
	assert.Equal(t, splitting.Section{Start: []string{"# Practice Round"}, End: []string{"# Tier 1"}}, result.Patterns.Questions.Competency)
	assert.Equal(t, []string{"# Tier 1"}, result.Patterns.Questions.Level1.Start)
	assert.Equal(t, splitting.Section{}, result.Patterns.Questions.Level2)
	assert.Equal(t, []string{"# KEYS"}, result.Patterns.AnswerKeys.SectionStart)
	assert.Nil(t, result.Patterns.Explanations.SectionStart)
	assert.Equal(t, splitting.DefaultPatterns().AnswerKeys.Level1.End, result.Patterns.AnswerKeys.Level1.End)

	resolved := splitting.Resolve(result.Patterns)
	assert.Equal(t, splitting.DefaultPatterns().Questions.Level2, resolved.Questions.Level2)
	assert.Contains(t, gen.prompt, book)
}

func TestDetectIgnoresExtraSections(t *testing.T) {
	content := "Intro\n# Competency Focused Questions\n1. What is light?\n"
	gen := &fakeGenerator{response: `{
		"questions": {
			"theory": {"start": ["Intro"], "end": ["# Competency Focused Questions"]},
			"competency": {"start": ["# Competency Focused Questions"], "end": ["# LEVEL1"]}
		},
		"confidence": "low"
	}`}

	result, err := New(gen).Detect(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, []string{"# Competency Focused Questions"}, result.Patterns.Questions.Competency.Start)
	assert.Equal(t, "low", result.Confidence)
}

func TestDetectDefaultsConfidence(t *testing.T) {
	result, err := New(&fakeGenerator{response: `{"questions": {}}`}).Detect(context.Background(), book)
	require.NoError(t, err)
	assert.Equal(t, "medium", result.Confidence)
}

func TestDetectUnparseable(t *testing.T) {
	raw := "Sorry, I cannot help with that. " + strings.Repeat("x", 2000)
	_, err := New(&fakeGenerator{response: raw}).Detect(context.Background(), book)
	require.ErrorIs(t, err, ErrUnparseable)

	var unparseable *UnparseableError
	require.True(t, errors.As(err, &unparseable))
	assert.Len(t, unparseable.RawResponse, rawResponseLimit)
	assert.True(t, strings.HasPrefix(unparseable.RawResponse, "Sorry"))
}

func TestDetectPropagatesGeneratorError(t *testing.T) {
	boom := errors.New("quota")
	_, err := New(&fakeGenerator{err: boom}).Detect(context.Background(), book)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnparseable)
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}

func TestBuildPromptTruncatesContent(t *testing.T) {
	long := strings.Repeat("a", MaxContentChars+10)
	prompt := BuildPrompt(long)
	assert.Contains(t, prompt, strings.Repeat("a", MaxContentChars)+"\n```")
	assert.NotContains(t, prompt, strings.Repeat("a", MaxContentChars+1))
	assert.Contains(t, prompt, "content continues")

	short := BuildPrompt("tiny")
	assert.NotContains(t, short, "content continues")
}
