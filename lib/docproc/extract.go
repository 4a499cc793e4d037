// Package docproc turns uploaded bytes into plain text and splits the text
// into overlapping chunks ready for embedding.
package docproc

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

var supportedExtensions = map[string]struct{}{
	".txt":  {},
	".md":   {},
	".pdf":  {},
	".docx": {},
}

// Supported reports whether the filename has an extension we can extract
// text from.
func Supported(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// SupportedExtensions lists the accepted upload extensions.
func SupportedExtensions() []string {
	return []string{".txt", ".md", ".pdf", ".docx"}
}

// ExtractText converts raw file bytes to plain text based on the filename's
// extension. It is a pure function of its inputs.
func ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md":
		return strings.TrimSpace(string(data)), nil
	case ".pdf":
		return extractPDF(ctx, data)
	case ".docx":
		return extractDocx(data)
	default:
		return "", harborseal.Ef(harborseal.KindValidation, "unsupported file type %q", filepath.Ext(filename))
	}
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	loader := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data)))
	pages, err := loader.Load(ctx)
	if err != nil {
		return "", harborseal.Wrap(harborseal.KindExtraction, "parse pdf", err)
	}
	var sb strings.Builder
	for _, page := range pages {
		sb.WriteString(page.PageContent)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

// extractDocx pulls the text runs out of word/document.xml. DOCX is a zip
// of XML parts, so this needs no third-party format library.
func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", harborseal.Wrap(harborseal.KindExtraction, "open docx archive", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", harborseal.E(harborseal.KindExtraction, "docx missing word/document.xml")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", harborseal.Wrap(harborseal.KindExtraction, "open docx document part", err)
	}
	defer rc.Close()

	var sb strings.Builder
	decoder := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", harborseal.Wrap(harborseal.KindExtraction, "parse docx xml", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
