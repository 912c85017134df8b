package worker

import (
	"bytes"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/kasmira-labs/chatflow/apperr"
)

// ParseText extracts plain text from the file at path, dispatching on
// fileExtension the way original_source's DocumentProcessor.process_file
// does (pdf/txt/docx, by suffix). Any parse failure and an empty result
// both surface as apperr.DocumentParsingError (§4.9 step 3).
func ParseText(path, fileExtension string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(fileExtension, "."))

	var text string
	var err error
	switch ext {
	case "pdf":
		text, err = parsePDF(path)
	case "docx":
		text, err = parseDOCX(path)
	case "txt", "":
		text, err = parsePlainText(path)
	default:
		return "", apperr.New(apperr.DocumentParsingError, "unsupported file extension: "+fileExtension)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", apperr.New(apperr.DocumentParsingError, "parsed document contains no text")
	}
	return text, nil
}

func parsePlainText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.DocumentParsingError, "read text file", err)
	}
	return string(b), nil
}

func parsePDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", apperr.Wrap(apperr.DocumentParsingError, "open pdf", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	reader, err := r.GetPlainText()
	if err != nil {
		return "", apperr.Wrap(apperr.DocumentParsingError, "extract pdf text", err)
	}
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", apperr.Wrap(apperr.DocumentParsingError, "read pdf text stream", err)
	}
	return buf.String(), nil
}

func parseDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", apperr.Wrap(apperr.DocumentParsingError, "open docx", err)
	}
	defer r.Close()
	return stripXMLTags(r.Editable().GetContent()), nil
}

// stripXMLTags drops document.xml markup from docx's raw GetContent
// output, leaving the paragraph text original_source's docx.paragraphs
// loop would have produced.
func stripXMLTags(raw string) string {
	var out strings.Builder
	inTag := false
	for _, r := range raw {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}
