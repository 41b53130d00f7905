package objectstore

import (
	"fmt"
	"path"
	"strings"
)

// Split file categories, in the order the splitter emits them.
const (
	CategoryQuestions    = "Question_output"
	CategoryAnswerKeys   = "Answer_key"
	CategoryExplanations = "Answer_output"
)

var SplitCategories = []string{CategoryQuestions, CategoryAnswerKeys, CategoryExplanations}

func BookPrefix(bookID string) string {
	return "books/" + bookID + "/"
}

// PDFKey normalizes a PDF path so it always lives under books/.
func PDFKey(pdfPath string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(pdfPath), "/")
	if strings.HasPrefix(trimmed, "books/") {
		return trimmed
	}
	return "books/" + trimmed
}

func UploadKey(bookID, fileName string) string {
	return BookPrefix(bookID) + path.Base(fileName)
}

func FullMarkdownKey(bookID string) string {
	return BookPrefix(bookID) + "extracted/full.md"
}

func ImagesPrefix(bookID string) string {
	return BookPrefix(bookID) + "extracted/images/"
}

func ImageKey(bookID, fileName string) string {
	return ImagesPrefix(bookID) + path.Base(fileName)
}

func SplitsPrefix(bookID string) string {
	return BookPrefix(bookID) + "splits/"
}

func SplitKey(bookID, category, fileName string) string {
	return fmt.Sprintf("%s%s/%s", SplitsPrefix(bookID), category, path.Base(fileName))
}

func ReportKey(bookID, itemID string) string {
	return fmt.Sprintf("%sreports/%s_report.json", BookPrefix(bookID), itemID)
}

// IsSplitKey reports whether key is a split file belonging to bookID.
func IsSplitKey(bookID, key string) bool {
	rest, ok := strings.CutPrefix(key, SplitsPrefix(bookID))
	if !ok {
		return false
	}
	category, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return false
	}
	for _, known := range SplitCategories {
		if category == known {
			return true
		}
	}
	return false
}

// ExportKey is where a rendered report export is kept, e.g. report_a.pdf.
func ExportKey(bookID, fileName string) string {
	return BookPrefix(bookID) + "exports/" + path.Base(fileName)
}
