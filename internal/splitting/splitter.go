// Package splitting cuts an extracted book (full.md) into per-section
// question, answer-key and explanation files using heading markers.
package splitting

import (
	"fmt"
	"strings"

	"manuscript/api/internal/objectstore"
)

type Kind string

const (
	KindQuestion    Kind = "question"
	KindAnswerKey   Kind = "answer_key"
	KindExplanation Kind = "explanation"
)

// File stems shared by the three output groups.
const (
	StemTheory      = "theory"
	StemCompetency  = "Competency_Focused_Questions"
	StemLevel1      = "Multiple_Choice_Questions_Level_1"
	StemLevel1Part2 = "Multiple_Choice_Questions_Level_1_Part_2"
	StemLevel2      = "Multiple_Choice_Questions_Level_2"
	StemLevel2Part2 = "Multiple_Choice_Questions_Level_2_Part_2"
	StemAchievers   = "ACHIEVERS_SECTION"
)

// FileCount is the number of files every split produces.
const FileCount = 19

const (
	questionPlaceholder = "# Content Not Found\n\nThe extraction script could not find this section in the PDF.\nPlease configure custom patterns or manually split the content.\n"
	keyPlaceholder      = "# Answer Keys Not Found\n\nThe extraction script could not find this section in the PDF.\nPlease configure custom patterns or manually add the answer keys.\n"
	explPlaceholder     = "# Answer Explanations Not Found\n\nThe extraction script could not find this section in the PDF.\nPlease configure custom patterns or manually add the explanations.\n"
)

var answerStems = []string{StemCompetency, StemLevel1, StemLevel1Part2, StemLevel2, StemLevel2Part2, StemAchievers}

func QuestionFile(stem string) string    { return stem + ".md" }
func AnswerKeyFile(stem string) string   { return stem + "_key.md" }
func ExplanationFile(stem string) string { return stem + "_ans.md" }

// Dir returns the storage category a kind of file is written under.
func (k Kind) Dir() string {
	switch k {
	case KindAnswerKey:
		return objectstore.CategoryAnswerKeys
	case KindExplanation:
		return objectstore.CategoryExplanations
	default:
		return objectstore.CategoryQuestions
	}
}

type File struct {
	Name    string
	Kind    Kind
	Content string
	// Found is false when Content is a placeholder.
	Found bool
}

// Path is the file's location relative to the book's splits folder.
func (f File) Path() string {
	return f.Kind.Dir() + "/" + f.Name
}

// SectionReport records where a section was found. Offsets index into the
// full content.
type SectionReport struct {
	Group        string `json:"group"`
	Section      string `json:"section"`
	Found        bool   `json:"found"`
	StartPattern string `json:"startPattern,omitempty"`
	EndPattern   string `json:"endPattern,omitempty"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
}

type Result struct {
	Files    []File
	Sections []SectionReport
}

// Missing lists the files that fell back to placeholder text.
func (r Result) Missing() []string {
	var out []string
	for _, f := range r.Files {
		if !f.Found {
			out = append(out, f.Path())
		}
	}
	return out
}

const endOfFile = "END_OF_FILE"

// Split runs all three passes and always returns FileCount files.
func Split(content string, patterns Patterns) Result {
	var result Result
	questions, qReports := splitQuestions(content, patterns.Questions)
	keys, kReports := splitAnswerKeys(content, patterns.AnswerKeys, patterns.Explanations.SectionStart)
	explanations, eReports := splitExplanations(content, patterns.Explanations)

	result.Files = append(result.Files, questions...)
	result.Files = append(result.Files, keys...)
	result.Files = append(result.Files, explanations...)
	result.Sections = append(result.Sections, qReports...)
	result.Sections = append(result.Sections, kReports...)
	result.Sections = append(result.Sections, eReports...)
	return result
}

// findMarker returns the position of the first pattern, in list order, that
// occurs at or after from.
func findMarker(content string, patterns []string, from int) (int, string) {
	if from < 0 {
		from = 0
	}
	if from > len(content) {
		return -1, ""
	}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if idx := strings.Index(content[from:], pattern); idx >= 0 {
			return from + idx, pattern
		}
	}
	return -1, ""
}

// extract finds one section in content starting at from. base is added to
// the reported offsets.
func extract(content, group, name string, section Section, from, base int) (string, SectionReport) {
	report := SectionReport{Group: group, Section: name, Start: -1, End: -1}
	start, startPattern := findMarker(content, section.Start, from)
	if start < 0 {
		return "", report
	}
	end, endPattern := findMarker(content, section.End, start+len(startPattern))
	if end < 0 {
		end = len(content)
		endPattern = endOfFile
	}
	report.Found = true
	report.StartPattern = startPattern
	report.EndPattern = endPattern
	report.Start = base + start
	report.End = base + end
	return content[start:end], report
}

func splitAtQuestion(content string, number int) (string, string) {
	idx := strings.Index(content, fmt.Sprintf("\n%d.", number))
	if idx < 0 {
		return content, ""
	}
	return content[:idx], content[idx:]
}

func splitAtExplanation(content string, number int) (string, string) {
	idx := strings.Index(content, fmt.Sprintf("# %d. Correct option", number))
	if idx < 0 {
		idx = strings.Index(content, fmt.Sprintf("# %d.", number))
	}
	if idx < 0 {
		return content, ""
	}
	return content[:idx], content[idx:]
}

func splitQuestions(content string, p SectionSet) ([]File, []SectionReport) {
	found := map[string]string{}
	var reports []SectionReport

	theoryEnd, _ := findMarker(content, p.Competency.Start, 0)
	if theoryEnd > 0 {
		if theory := strings.TrimSpace(content[:theoryEnd]); theory != "" {
			found[StemTheory] = theory
		}
	}

	text, report := extract(content, "questions", "competency", p.Competency, 0, 0)
	reports = append(reports, report)
	competencyEnd := 0
	if report.Found {
		found[StemCompetency] = text
		competencyEnd = report.End
	}

	text, report = extract(content, "questions", "level1", p.Level1, competencyEnd, 0)
	reports = append(reports, report)
	level1End := competencyEnd
	if report.Found {
		found[StemLevel1], found[StemLevel1Part2] = splitAtQuestion(text, Level1SplitAt)
		level1End = report.End
	}

	text, report = extract(content, "questions", "level2", p.Level2, level1End, 0)
	reports = append(reports, report)
	level2End := level1End
	if report.Found {
		found[StemLevel2], found[StemLevel2Part2] = splitAtQuestion(text, Level2SplitAt)
		level2End = report.End
	}

	text, report = extract(content, "questions", "achievers", p.Achievers, level2End, 0)
	reports = append(reports, report)
	if report.Found {
		found[StemAchievers] = text
	}

	stems := append([]string{StemTheory}, answerStems...)
	files := make([]File, 0, len(stems))
	for _, stem := range stems {
		files = append(files, fileFor(KindQuestion, QuestionFile(stem), found, stem, questionPlaceholder))
	}
	return files, reports
}

func splitAnswerKeys(content string, p GroupPatterns, explanationStart []string) ([]File, []SectionReport) {
	found := map[string]string{}
	var reports []SectionReport

	sectionStart, _ := findMarker(content, p.SectionStart, 0)
	if sectionStart >= 0 {
		sectionEnd, _ := findMarker(content, explanationStart, sectionStart)
		if sectionEnd < 0 {
			sectionEnd = len(content)
		}
		block := content[sectionStart:sectionEnd]

		text, report := extract(block, "answerKeys", "competency", p.Competency, 0, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemCompetency] = text
		}

		// Keys are not split; both part files get the whole level.
		text, report = extract(block, "answerKeys", "level1", p.Level1, 0, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemLevel1] = text
			found[StemLevel1Part2] = text
		}

		text, report = extract(block, "answerKeys", "level2", p.Level2, 0, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemLevel2] = text
			found[StemLevel2Part2] = text
		}

		text, report = extract(block, "answerKeys", "achievers", p.Achievers, 0, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemAchievers] = text
		}
	} else {
		reports = append(reports, SectionReport{Group: "answerKeys", Section: "sectionStart", Start: -1, End: -1})
	}

	files := make([]File, 0, len(answerStems))
	for _, stem := range answerStems {
		files = append(files, fileFor(KindAnswerKey, AnswerKeyFile(stem), found, stem, keyPlaceholder))
	}
	return files, reports
}

func splitExplanations(content string, p GroupPatterns) ([]File, []SectionReport) {
	found := map[string]string{}
	var reports []SectionReport

	sectionStart, _ := findMarker(content, p.SectionStart, 0)
	if sectionStart >= 0 {
		block := content[sectionStart:]

		text, report := extract(block, "explanations", "competency", p.Competency, 0, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemCompetency] = text
		}

		text, report = extract(block, "explanations", "level1", p.Level1, 0, sectionStart)
		reports = append(reports, report)
		level1End := 0
		if report.Found {
			found[StemLevel1], found[StemLevel1Part2] = splitAtExplanation(text, Level1SplitAt)
			level1End = report.End - sectionStart
		}

		text, report = extract(block, "explanations", "level2", p.Level2, level1End, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemLevel2], found[StemLevel2Part2] = splitAtExplanation(text, Level2SplitAt)
		}

		text, report = extract(block, "explanations", "achievers", p.Achievers, 0, sectionStart)
		reports = append(reports, report)
		if report.Found {
			found[StemAchievers] = text
		}
	} else {
		reports = append(reports, SectionReport{Group: "explanations", Section: "sectionStart", Start: -1, End: -1})
	}

	files := make([]File, 0, len(answerStems))
	for _, stem := range answerStems {
		files = append(files, fileFor(KindExplanation, ExplanationFile(stem), found, stem, explPlaceholder))
	}
	return files, reports
}

func fileFor(kind Kind, name string, found map[string]string, stem, placeholder string) File {
	if text, ok := found[stem]; ok {
		return File{Name: name, Kind: kind, Content: text, Found: true}
	}
	return File{Name: name, Kind: kind, Content: placeholder, Found: false}
}
