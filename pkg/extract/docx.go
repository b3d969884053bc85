package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/classmind/kbengine/pkg/errdefs"
)

// extractDOCX walks word/document.xml inside the OOXML container and
// collects run text, inserting a newline at each paragraph end. Core
// properties (title, creator, created) come from docProps/core.xml.
func extractDOCX(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "open docx container")
	}

	var docXML io.ReadCloser
	meta := map[string]string{}

	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			docXML, err = f.Open()
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "open document.xml")
			}
		case "docProps/core.xml":
			if rc, err := f.Open(); err == nil {
				parseCoreProps(rc, meta)
				rc.Close()
			}
		}
	}
	if docXML == nil {
		return nil, errdefs.E(errdefs.KindExtractionFailed, "docx has no word/document.xml")
	}
	defer docXML.Close()

	text, err := docxText(docXML)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExtractionFailed, err, "parse document.xml")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.E(errdefs.KindExtractionFailed, "docx contains no text")
	}

	return &Result{Text: text, Metadata: meta}, nil
}

func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	var inText bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteString("\t")
			case "br":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(el)
			}
		}
	}
	return sb.String(), nil
}

// parseCoreProps fills title/author/creation_date from Dublin Core
// properties. Best effort: parse errors leave meta untouched.
func parseCoreProps(r io.Reader, meta map[string]string) {
	dec := xml.NewDecoder(r)
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "title":
				current = "title"
			case "creator":
				current = "author"
			case "created":
				current = "creation_date"
			default:
				current = ""
			}
		case xml.EndElement:
			current = ""
		case xml.CharData:
			if current != "" {
				if s := strings.TrimSpace(string(el)); s != "" {
					meta[current] = s
				}
			}
		}
	}
}
