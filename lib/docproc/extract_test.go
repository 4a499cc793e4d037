package docproc

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harborseal "github.com/holmes89/harbor-seal/lib"
)

func TestSupported(t *testing.T) {
	assert.True(t, Supported("report.pdf"))
	assert.True(t, Supported("notes.TXT"))
	assert.True(t, Supported("memo.docx"))
	assert.True(t, Supported("readme.md"))
	assert.False(t, Supported("archive.zip"))
	assert.False(t, Supported("noextension"))
}

func TestExtractTextPlain(t *testing.T) {
	text, err := ExtractText(context.Background(), []byte("  hello seal\n"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello seal", text)
}

func TestExtractTextUnsupported(t *testing.T) {
	_, err := ExtractText(context.Background(), []byte("x"), "img.png")
	assert.True(t, harborseal.IsKind(err, harborseal.KindValidation))
}

func TestExtractDocx(t *testing.T) {
	docXML := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(docXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	text, err := ExtractText(context.Background(), buf.Bytes(), "memo.docx")
	require.NoError(t, err)
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second paragraph.")
}

func TestExtractDocxNotAnArchive(t *testing.T) {
	_, err := ExtractText(context.Background(), []byte("not a zip"), "memo.docx")
	assert.True(t, harborseal.IsKind(err, harborseal.KindExtraction))
}

func TestExtractDocxMissingDocumentPart(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/styles.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<styles/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ExtractText(context.Background(), buf.Bytes(), "memo.docx")
	assert.True(t, harborseal.IsKind(err, harborseal.KindExtraction))
}
