// Package reportb reads quality reports (Report B) and turns them into a
// flat, ordered list of reviewable issues.
package reportb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var ErrNoResults = errors.New("report has no results_by_source_file object")

const resultsKey = "results_by_source_file"

// Issue types shown to reviewers.
const (
	TypeGrammar    = "Grammar"
	TypeConceptual = "Conceptual"
	TypeLogical    = "Logical"
)

// Report is a parsed Report B document. Files keep the key order of
// results_by_source_file.
type Report struct {
	Files []SourceFile
}

type SourceFile struct {
	Name  string
	Items []Item
}

type Item struct {
	ItemID           ItemID     `json:"item_id"`
	QuestionIssues   []RawIssue `json:"question_issues"`
	AnswerIssues     []RawIssue `json:"answer_issues"`
	ConceptualErrors []RawIssue `json:"conceptual_errors"`
	LogicalErrors    []RawIssue `json:"logical_errors"`
}

// IssueCount is the number of entries across all four issue arrays.
func (i Item) IssueCount() int {
	return len(i.QuestionIssues) + len(i.AnswerIssues) + len(i.ConceptualErrors) + len(i.LogicalErrors)
}

// ItemID accepts both numeric and string item ids.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("item_id: %w", err)
	}
	*id = ItemID(n.String())
	return nil
}

// RawIssue holds the union of fields used by the four issue arrays.
type RawIssue struct {
	Severity                string `json:"severity"`
	Location                string `json:"location"`
	Issue                   string `json:"issue"`
	Suggestion              string `json:"suggestion"`
	ErrorDescription        string `json:"error_description"`
	CorrectInformation      string `json:"correct_information"`
	CorrectValueOrStatement string `json:"correct_value_or_statement"`

	raw json.RawMessage
}

func (r *RawIssue) UnmarshalJSON(data []byte) error {
	type plain RawIssue
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = RawIssue(decoded)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Parse decodes a Report B document. The order of files is taken from the
// order their keys appear in results_by_source_file.
func Parse(data []byte) (Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return Report{}, err
	}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return Report{}, err
		}
		if key != resultsKey {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return Report{}, fmt.Errorf("decode %s: %w", key, err)
			}
			continue
		}
		return parseResults(dec)
	}
	return Report{}, ErrNoResults
}

func parseResults(dec *json.Decoder) (Report, error) {
	if err := expectDelim(dec, '{'); err != nil {
		if errors.Is(err, errNotDelim) {
			return Report{}, ErrNoResults
		}
		return Report{}, err
	}
	report := Report{Files: []SourceFile{}}
	seen := map[string]int{}
	for dec.More() {
		name, err := readKey(dec)
		if err != nil {
			return Report{}, err
		}
		var items []Item
		if err := dec.Decode(&items); err != nil {
			return Report{}, fmt.Errorf("decode items for %s: %w", name, err)
		}
		if idx, ok := seen[name]; ok {
			report.Files[idx].Items = items
			continue
		}
		seen[name] = len(report.Files)
		report.Files = append(report.Files, SourceFile{Name: name, Items: items})
	}
	return report, nil
}

var errNotDelim = errors.New("unexpected json token")

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("parse report: %w", io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("parse report: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("%w: expected %q", errNotDelim, want)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("parse report: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected object key", errNotDelim)
	}
	return key, nil
}

// FileOrder lists source file names in document order.
func (r Report) FileOrder() []string {
	out := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f.Name)
	}
	return out
}

// TotalIssues counts every issue in every file, regardless of any stored
// file order.
func (r Report) TotalIssues() int {
	total := 0
	for _, f := range r.Files {
		for _, item := range f.Items {
			total += item.IssueCount()
		}
	}
	return total
}

func (r Report) file(name string) (SourceFile, bool) {
	for _, f := range r.Files {
		if f.Name == name {
			return f, true
		}
	}
	return SourceFile{}, false
}

// Issue is one reviewable finding.
type Issue struct {
	ID             string          `json:"id"`
	SourceFile     string          `json:"sourceFile"`
	QuestionNumber string          `json:"questionNumber"`
	IssueType      string          `json:"issueType"`
	Severity       string          `json:"severity"`
	Location       string          `json:"location"`
	Issue          string          `json:"issue"`
	Suggestion     string          `json:"suggestion"`
	OriginalIssue  json.RawMessage `json:"originalIssue,omitempty"`
}

// Flatten walks files in fileOrder (document order when empty), then items,
// then the question, answer, conceptual and logical arrays. Names in
// fileOrder that are absent from the report are skipped.
func Flatten(report Report, fileOrder []string) []Issue {
	if len(fileOrder) == 0 {
		fileOrder = report.FileOrder()
	}
	issues := []Issue{}
	for _, name := range fileOrder {
		file, ok := report.file(name)
		if !ok {
			continue
		}
		for _, item := range file.Items {
			prefix := name + "_" + string(item.ItemID) + "_"
			for idx, raw := range item.QuestionIssues {
				issues = append(issues, newIssue(prefix+"question_"+strconv.Itoa(idx), name, item.ItemID, TypeGrammar,
					raw, "medium", "Question", raw.Issue, raw.Suggestion))
			}
			for idx, raw := range item.AnswerIssues {
				issues = append(issues, newIssue(prefix+"answer_"+strconv.Itoa(idx), name, item.ItemID, TypeGrammar,
					raw, "medium", "Answer", raw.Issue, raw.Suggestion))
			}
			for idx, raw := range item.ConceptualErrors {
				issues = append(issues, newIssue(prefix+"conceptual_"+strconv.Itoa(idx), name, item.ItemID, TypeConceptual,
					raw, "high", "Content", raw.ErrorDescription, raw.CorrectInformation))
			}
			for idx, raw := range item.LogicalErrors {
				suggestion := raw.CorrectValueOrStatement
				if suggestion == "" {
					suggestion = raw.CorrectInformation
				}
				issues = append(issues, newIssue(prefix+"logical_"+strconv.Itoa(idx), name, item.ItemID, TypeLogical,
					raw, "critical", "Logic", raw.ErrorDescription, suggestion))
			}
		}
	}
	return issues
}

func newIssue(id, file string, itemID ItemID, issueType string, raw RawIssue, severity, location, text, suggestion string) Issue {
	if raw.Severity != "" {
		severity = raw.Severity
	}
	if raw.Location != "" {
		location = raw.Location
	}
	return Issue{
		ID:             id,
		SourceFile:     file,
		QuestionNumber: string(itemID),
		IssueType:      issueType,
		Severity:       severity,
		Location:       location,
		Issue:          text,
		Suggestion:     suggestion,
		OriginalIssue:  raw.raw,
	}
}
