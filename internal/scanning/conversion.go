package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptTranscribePrompt is the shared prompt used by all LLM providers to read receipts
const receiptTranscribePrompt = `You are reading a photographed or scanned receipt or invoice. Transcribe every line of text exactly as printed, top to bottom.

Rules:
- Keep one printed line per output line, preserving the original order
- Keep amounts exactly as printed, including the decimal point (e.g. 42.75)
- Keep labels such as TOTAL, TAX, SUBTOTAL, AMOUNT DUE and Date exactly as printed
- Keep the merchant name on its own line, in the case it was printed
- Do not summarise, translate, correct or explain anything
- Do not wrap the output in markdown code blocks
- If the image contains no readable text, return an empty response`

// ErrUnsupportedFormat is returned for uploads that are neither a PDF nor a decodable image
var ErrUnsupportedFormat = errors.New("unsupported file format, supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF")

// fileKind classifies an upload by MIME type first and magic bytes second
type fileKind int

const (
	kindImage fileKind = iota
	kindPNG
	kindPDF
	kindHEIC
)

func detectKind(data []byte, contentType string) fileKind {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-")):
		return kindPDF
	case strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") || hasHEICBrand(data):
		return kindHEIC
	case mimeType == "image/png":
		return kindPNG
	default:
		return kindImage
	}
}

// hasHEICBrand looks for an ISO-BMFF ftyp box carrying a HEIC/HEIF brand
func hasHEICBrand(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// toPNG normalizes any supported upload to PNG bytes, the only format the
// vision models are sent. PDFs are rendered from their first page.
func toPNG(data []byte, contentType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	switch detectKind(data, contentType) {
	case kindPNG:
		return data, nil
	case kindPDF:
		img, err = renderFirstPage(data)
	case kindHEIC:
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedFormat
		}
		if err != nil {
			err = fmt.Errorf("decoding image: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func renderFirstPage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are single page in practice
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// cleanTranscript strips markdown fences some models add despite the prompt
func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
