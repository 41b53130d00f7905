package splitting

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Section holds the markers that open and close one section. Markers are
// tried in list order; the first one present wins.
type Section struct {
	Start []string `json:"start" yaml:"start"`
	End   []string `json:"end" yaml:"end"`
}

func (s Section) set() bool {
	return len(s.Start) > 0
}

type SectionSet struct {
	Competency Section `json:"competency" yaml:"competency"`
	Level1     Section `json:"level1" yaml:"level1"`
	Level2     Section `json:"level2" yaml:"level2"`
	Achievers  Section `json:"achievers" yaml:"achievers"`
}

// GroupPatterns covers a group that lives under its own heading in the book,
// such as the answer-key block.
type GroupPatterns struct {
	SectionStart []string `json:"sectionStart,omitempty" yaml:"sectionStart,omitempty"`
	SectionSet   `yaml:",inline"`
}

type Patterns struct {
	Questions    SectionSet    `json:"questions" yaml:"questions"`
	AnswerKeys   GroupPatterns `json:"answerKeys" yaml:"answerKeys"`
	Explanations GroupPatterns `json:"explanations" yaml:"explanations"`
}

// Split points for the two multiple-choice levels: part 2 starts at this
// question number.
const (
	Level1SplitAt = 13
	Level2SplitAt = 11
)

func DefaultPatterns() Patterns {
	return Patterns{
		Questions: SectionSet{
			Competency: Section{
				Start: []string{
					"# Competency-Focused Questions",
					"# Competency Focused Questions",
					"# NCERT COMPETENCY BASED QUESTIONS",
					"# Competency Based Questions",
					"# COMPETENCY FOCUSED QUESTIONS",
					"Competency Focused Questions",
					"Competency-Focused Questions",
				},
				End: []string{
					"# PYQ's Marathon",
					"# PYQs Marathon\n# LEVEL",
					"# LEVEL1",
					"# LEVEL (1",
					"# LEVEL 1",
					"PYQs Marathon# LEVEL (1",
					"LEVEL (1",
				},
			},
			Level1: Section{
				Start: []string{
					"# LEVEL1",
					"# PYQs Marathon\n# LEVEL1",
					"# LEVEL (1",
					"# LEVEL 1",
					"PYQs Marathon# LEVEL1",
					"# Level (1",
					"LEVEL (1",
					"# Level-1",
					"# PYQs MARATHON\n# LEVEL (1",
				},
				End: []string{
					"# LEVEL\n",
					"# LEVEL (2",
					"# LEVEL 2",
					"# Level (2",
					"LEVEL (2",
				},
			},
			Level2: Section{
				Start: []string{
					"# LEVEL\n",
					"# LEVEL (2",
					"# LEVEL 2",
					"# LEVEL2",
					"# Level (2",
					"LEVEL (2",
					"# Level-2",
				},
				End: []string{
					"# ACHIEVERS' SECTION",
					"# ACHIEVERS SECTION",
					"# Achievers Section",
					"# ACHIEVER SECTION",
					"ACHIEVERS SECTION",
					"# Achievers",
				},
			},
			Achievers: Section{
				Start: []string{
					"# ACHIEVERS' SECTION",
					"# ACHIEVERS SECTION",
					"# Achievers Section",
					"# ACHIEVER SECTION",
					"ACHIEVERS SECTION",
					"# Achievers",
				},
				End: []string{
					"# Answer-Key",
					"# Answer Key",
					"# ANSWER-KEY",
					"# Answer key",
					"Answer-Key",
				},
			},
		},
		AnswerKeys: GroupPatterns{
			SectionStart: []string{
				"# Answer-Key",
				"# Answer Key",
				"# ANSWER-KEY",
				"Answer-Key",
			},
			SectionSet: SectionSet{
				Competency: Section{
					Start: []string{
						"# NCERT COMPETENCY BASED QUESTIONS",
						"# COMPETENCY FOCUSED QUESTIONS",
						"# Competency Focused Questions",
						"# Competency-Focused Questions",
						"# Competency Based Questions",
						"COMPETENCY FOCUSED QUESTIONS",
					},
					End: []string{
						"# LEVEL1",
						"# LEVEL\n",
						"# LEVEL",
						"# PYQs MARATHON",
						"# PYQs Marathon",
						"PYQs MARATHON",
						"# PYQS MARATHON",
					},
				},
				Level1: Section{
					Start: []string{
						"# LEVEL1",
						"# LEVEL\n",
						"# LEVEL",
						"# LEVEL (1",
						"# LEVEL 1",
						"# Level (1",
						"LEVEL (1",
					},
					End: []string{
						"# LEVEL2",
						"# LEVEL (2",
						"# LEVEL 2",
						"# Level (2",
						"LEVEL (2",
					},
				},
				Level2: Section{
					Start: []string{
						"# LEVEL2",
						"# LEVEL (2",
						"# LEVEL 2",
						"# Level (2",
						"LEVEL (2",
					},
					End: []string{
						"# ACHIEVERS' SECTION",
						"# ACHIEVERS SECTION",
						"# Achievers Section",
						"ACHIEVERS SECTION",
					},
				},
				Achievers: Section{
					Start: []string{
						"# ACHIEVERS' SECTION",
						"# ACHIEVERS SECTION",
						"# Achievers Section",
						"ACHIEVERS SECTION",
					},
					End: []string{
						"# Answers with Explanations",
						"# ANSWERS WITH EXPLANATIONS",
						"# Answers With Explanations",
						"Answers with Explanations",
					},
				},
			},
		},
		Explanations: GroupPatterns{
			SectionStart: []string{
				"# Answers with Explanations",
				"# ANSWERS WITH EXPLANATIONS",
				"# Answers With Explanations",
				"# Answer with Explanation",
				"Answers with Explanations",
			},
			SectionSet: SectionSet{
				Competency: Section{
					Start: []string{
						"# NCERT COMPETENCY BASED QUESTIONS",
						"# COMPETENCY FOCUSED QUESTIONS",
						"# Competency Focused Questions",
						"# Competency-Focused Questions",
						"COMPETENCY FOCUSED QUESTIONS",
					},
					End: []string{
						"# LEVEL1",
						"# LEVEL\n",
						"# LEVEL",
						"# PYQs Marathon",
						"# PYQS MARATHON",
						"# PYQs MARATHON",
						"PYQs Marathon",
					},
				},
				Level1: Section{
					Start: []string{
						"# LEVEL1",
						"# LEVEL\n",
						"# LEVEL",
						"# LEVEL (1",
						"# LEVEL 1",
						"# Level (1",
						"LEVEL (1",
					},
					End: []string{
						"# LEVEL2",
						"# LEVEL (",
						"# LEVEL (2",
						"# LEVEL 2",
						"# Level (",
					},
				},
				Level2: Section{
					Start: []string{
						"# LEVEL2",
						"# LEVEL (",
						"# LEVEL (2",
						"# LEVEL 2",
						"# Level (2",
					},
					End: []string{
						"# ACHIEVERS' SECTION",
						"# ACHIEVERS SECTION",
						"# Achievers Section",
						"ACHIEVERS SECTION",
					},
				},
				Achievers: Section{
					Start: []string{
						"# ACHIEVERS SECTION",
						"# ACHIEVERS' SECTION",
						"# Achievers Section",
						"ACHIEVERS SECTION",
					},
					// Explanations run to the end of the book.
					End: []string{},
				},
			},
		},
	}
}

// Merge overlays custom onto p. A custom section replaces the default one
// wholesale when it names at least one start marker.
func (p Patterns) Merge(custom Patterns) Patterns {
	out := p
	out.Questions = mergeSet(p.Questions, custom.Questions)
	out.AnswerKeys = mergeGroup(p.AnswerKeys, custom.AnswerKeys)
	out.Explanations = mergeGroup(p.Explanations, custom.Explanations)
	return out
}

func mergeSet(base, custom SectionSet) SectionSet {
	if custom.Competency.set() {
		base.Competency = custom.Competency
	}
	if custom.Level1.set() {
		base.Level1 = custom.Level1
	}
	if custom.Level2.set() {
		base.Level2 = custom.Level2
	}
	if custom.Achievers.set() {
		base.Achievers = custom.Achievers
	}
	return base
}

func mergeGroup(base, custom GroupPatterns) GroupPatterns {
	if len(custom.SectionStart) > 0 {
		base.SectionStart = custom.SectionStart
	}
	base.SectionSet = mergeSet(base.SectionSet, custom.SectionSet)
	return base
}

// Resolve returns the defaults overlaid with custom patterns.
func Resolve(custom Patterns) Patterns {
	return DefaultPatterns().Merge(custom)
}

// sectionValue accepts a {start, end} object, a list of start markers or a
// single start marker.
type sectionValue struct {
	Start  []string
	End    []string
	hasEnd bool
}

func (v *sectionValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var obj struct {
			Start markerList  `json:"start"`
			End   *markerList `json:"end"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		v.Start = obj.Start
		if obj.End != nil {
			v.End = *obj.End
			v.hasEnd = true
		}
		return nil
	default:
		var list markerList
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		v.Start = list
		return nil
	}
}

// markerList accepts a list of markers or a single marker and drops blanks.
type markerList []string

func (m *markerList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = cleanMarkers([]string{single})
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("markers must be a string or a list of strings: %w", err)
	}
	*m = cleanMarkers(list)
	return nil
}

func cleanMarkers(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

type customDocument struct {
	Questions    map[string]sectionValue `json:"questions"`
	EndMarkers   map[string]markerList   `json:"endMarkers"`
	Answers      map[string]sectionValue `json:"answers"`
	AnswerKeys   map[string]sectionValue `json:"answerKeys"`
	Explanations map[string]sectionValue `json:"explanations"`
}

// ParseCustom decodes a custom pattern document. Two shapes are accepted:
// the current one with {start, end} objects under questions, answerKeys and
// explanations, and the older one with start lists under questions, end
// lists under endMarkers and answer-key sections under answers. Sections
// without explicit end markers keep the default ones. The result holds only
// what the document sets; pass it to Resolve.
func ParseCustom(data []byte) (Patterns, error) {
	var doc customDocument
	if len(strings.TrimSpace(string(data))) == 0 {
		return Patterns{}, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Patterns{}, fmt.Errorf("decode custom patterns: %w", err)
	}

	defaults := DefaultPatterns()
	var out Patterns

	questions, err := buildSet("questions", doc.Questions, doc.EndMarkers, defaults.Questions)
	if err != nil {
		return Patterns{}, err
	}
	out.Questions = questions

	keySource := doc.AnswerKeys
	if len(keySource) == 0 {
		keySource = doc.Answers
	}
	out.AnswerKeys, err = buildGroup("answerKeys", keySource, defaults.AnswerKeys)
	if err != nil {
		return Patterns{}, err
	}
	out.Explanations, err = buildGroup("explanations", doc.Explanations, defaults.Explanations)
	if err != nil {
		return Patterns{}, err
	}
	return out, nil
}

// ParseDetected is ParseCustom for machine-produced documents: unknown
// sections and sections whose markers do not decode are dropped instead of
// failing the whole document.
func ParseDetected(data []byte) (Patterns, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Patterns{}, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Patterns{}, fmt.Errorf("decode detected patterns: %w", err)
	}
	cleaned := make(map[string]map[string]json.RawMessage)
	for _, group := range []string{"questions", "endMarkers", "answers", "answerKeys", "explanations"} {
		raw, ok := doc[group]
		if !ok {
			continue
		}
		var sections map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sections); err != nil {
			continue
		}
		kept := make(map[string]json.RawMessage, len(sections))
		for name, value := range sections {
			if !knownSectionKey(name) {
				continue
			}
			var decodeErr error
			if group == "endMarkers" {
				var markers markerList
				decodeErr = json.Unmarshal(value, &markers)
			} else {
				var section sectionValue
				decodeErr = json.Unmarshal(value, &section)
			}
			if decodeErr == nil {
				kept[name] = value
			}
		}
		cleaned[group] = kept
	}
	normalized, err := json.Marshal(cleaned)
	if err != nil {
		return Patterns{}, fmt.Errorf("encode detected patterns: %w", err)
	}
	return ParseCustom(normalized)
}

func knownSectionKey(name string) bool {
	switch name {
	case "competency", "level1", "level2", "achievers", "sectionStart", "answerKey":
		return true
	}
	return false
}

func buildSet(group string, values map[string]sectionValue, endMarkers map[string]markerList, defaults SectionSet) (SectionSet, error) {
	var out SectionSet
	for name, value := range values {
		target, fallback, ok := sectionByName(&out, defaults, name)
		if !ok {
			if name == "sectionStart" || name == "answerKey" {
				continue
			}
			return SectionSet{}, fmt.Errorf("unknown %s section %q", group, name)
		}
		if len(value.Start) == 0 {
			continue
		}
		section := Section{Start: value.Start, End: fallback.End}
		switch {
		case value.hasEnd:
			section.End = value.End
		case endMarkers != nil && endMarkers[name] != nil:
			section.End = endMarkers[name]
		}
		*target = section
	}
	return out, nil
}

func buildGroup(group string, values map[string]sectionValue, defaults GroupPatterns) (GroupPatterns, error) {
	set, err := buildSet(group, values, nil, defaults.SectionSet)
	if err != nil {
		return GroupPatterns{}, err
	}
	out := GroupPatterns{SectionSet: set}
	if start, ok := values["sectionStart"]; ok {
		out.SectionStart = start.Start
	} else if start, ok := values["answerKey"]; ok {
		out.SectionStart = start.Start
	}
	return out, nil
}

func sectionByName(set *SectionSet, defaults SectionSet, name string) (*Section, Section, bool) {
	switch name {
	case "competency":
		return &set.Competency, defaults.Competency, true
	case "level1":
		return &set.Level1, defaults.Level1, true
	case "level2":
		return &set.Level2, defaults.Level2, true
	case "achievers":
		return &set.Achievers, defaults.Achievers, true
	}
	return nil, Section{}, false
}

// FilterStarts drops start and sectionStart markers for which keep returns
// false. End markers are left alone.
func (p Patterns) FilterStarts(keep func(marker string) bool) Patterns {
	filter := func(markers []string) []string {
		out := make([]string, 0, len(markers))
		for _, marker := range markers {
			if keep(marker) {
				out = append(out, marker)
			}
		}
		return out
	}
	filterSet := func(set SectionSet) SectionSet {
		set.Competency.Start = filter(set.Competency.Start)
		set.Level1.Start = filter(set.Level1.Start)
		set.Level2.Start = filter(set.Level2.Start)
		set.Achievers.Start = filter(set.Achievers.Start)
		return set
	}
	out := p
	out.Questions = filterSet(p.Questions)
	out.AnswerKeys.SectionSet = filterSet(p.AnswerKeys.SectionSet)
	out.AnswerKeys.SectionStart = filter(p.AnswerKeys.SectionStart)
	out.Explanations.SectionSet = filterSet(p.Explanations.SectionSet)
	out.Explanations.SectionStart = filter(p.Explanations.SectionStart)
	return out
}
