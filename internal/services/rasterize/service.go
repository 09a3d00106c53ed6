// -----------------------------------------------------------------------
// Rasterizer Service - Split PDF uploads into per-page images + text
// Uses pdfcpu for Go-native PDF processing
// -----------------------------------------------------------------------

package rasterize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tabula/internal/interfaces"
)

// Service implements interfaces.Rasterizer on pdfcpu. It does not
// render: each page's largest embedded image is lifted as the page
// raster, which is the right reading for scanned documents (one
// full-page scan per page). Render hints in the options are ignored.
type Service struct {
	logger  arbor.ILogger
	tempDir string
}

// Compile-time interface assertion
var _ interfaces.Rasterizer = (*Service)(nil)

// NewService creates a rasterizer working under the system temp dir.
func NewService(logger arbor.ILogger) *Service {
	tempDir := filepath.Join(os.TempDir(), "tabula-raster")
	os.MkdirAll(tempDir, 0755)

	return &Service{
		logger:  logger,
		tempDir: tempDir,
	}
}

// Rasterize splits a PDF into one entry per page, in page order. Pages
// without an embedded image come back with nil ImageData; pages without
// a text layer come back with empty Text. Callers decide what a missing
// raster means for them.
func (s *Service) Rasterize(ctx context.Context, pdf []byte, opts interfaces.RasterizeOptions) ([]interfaces.RasterizedPage, error) {
	if len(pdf) == 0 {
		return nil, fmt.Errorf("empty pdf input")
	}

	workDir, err := os.MkdirTemp(s.tempDir, "raster-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	tempFile := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(tempFile, pdf, 0644); err != nil {
		return nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount
	if pageCount == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	images := s.extractPageImages(tempFile, workDir, conf)
	texts := s.extractPageTexts(tempFile, workDir, conf)

	pages := make([]interfaces.RasterizedPage, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		page := interfaces.RasterizedPage{
			PageNumber: pageNum,
			Text:       texts[pageNum],
		}
		if img, ok := images[pageNum]; ok {
			page.ImageData = img.data
			page.MimeType = img.mime
		}
		pages = append(pages, page)
	}

	s.logger.Debug().
		Int("page_count", pageCount).
		Int("pages_with_image", len(images)).
		Int("pages_with_text", len(texts)).
		Msg("Rasterized PDF")

	return pages, nil
}

type pageImage struct {
	data []byte
	mime string
}

// Extracted image files are named input_<page>_<resource>.<ext>.
var imageFilePattern = regexp.MustCompile(`^input_(\d+)_`)

// Extracted content files are named input_Content_page_<page>.txt.
var contentFilePattern = regexp.MustCompile(`Content_page_(\d+)\.txt$`)

// extractPageImages pulls every embedded image out of the PDF and keeps
// the largest one per page. Extraction failures degrade to no images;
// the caller still gets the page list.
func (s *Service) extractPageImages(pdfFile, workDir string, conf *model.Configuration) map[int]pageImage {
	outDir := filepath.Join(workDir, "images")
	os.MkdirAll(outDir, 0755)

	if err := api.ExtractImagesFile(pdfFile, outDir, nil, conf); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to extract embedded images from PDF")
		return nil
	}

	images := make(map[int]pageImage)
	entries, _ := os.ReadDir(outDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := imageFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		pageNum, err := strconv.Atoi(match[1])
		if err != nil || pageNum < 1 {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil || len(data) == 0 {
			continue
		}
		// Scanned pages carry one full-page scan plus the occasional
		// small artifact; the largest image is the page raster.
		if existing, ok := images[pageNum]; ok && len(existing.data) >= len(data) {
			continue
		}
		images[pageNum] = pageImage{
			data: data,
			mime: mimeFromExt(filepath.Ext(entry.Name())),
		}
	}
	return images
}

// extractPageTexts pulls the decoded content stream of each page and
// harvests its string literals as the page's OCR reference text.
func (s *Service) extractPageTexts(pdfFile, workDir string, conf *model.Configuration) map[int]string {
	outDir := filepath.Join(workDir, "content")
	os.MkdirAll(outDir, 0755)

	if err := api.ExtractContentFile(pdfFile, outDir, nil, conf); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to extract PDF content streams")
		return nil
	}

	texts := make(map[int]string)
	entries, _ := os.ReadDir(outDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := contentFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		pageNum, err := strconv.Atoi(match[1])
		if err != nil || pageNum < 1 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		if text := harvestTextLiterals(raw); text != "" {
			texts[pageNum] = text
		}
	}
	return texts
}

// harvestTextLiterals collects the parenthesized string literals of a
// decoded PDF content stream, which is where text-layer glyphs live
// (Tj/TJ operands). Escapes and balanced nested parens are honored.
// Operators and positioning data are dropped.
func harvestTextLiterals(content []byte) string {
	var parts []string
	var literal strings.Builder
	depth := 0
	escaped := false

	for i := 0; i < len(content); i++ {
		c := content[i]
		if depth == 0 {
			if c == '(' {
				depth = 1
				literal.Reset()
			}
			continue
		}
		if escaped {
			escaped = false
			switch {
			case c == 'n':
				literal.WriteByte('\n')
			case c == 't':
				literal.WriteByte('\t')
			case c == 'r':
				literal.WriteByte('\r')
			case c == '(' || c == ')' || c == '\\':
				literal.WriteByte(c)
			case c >= '0' && c <= '7':
				// Octal escape, up to three digits.
				val := int(c - '0')
				for j := 0; j < 2 && i+1 < len(content); j++ {
					next := content[i+1]
					if next < '0' || next > '7' {
						break
					}
					val = val*8 + int(next-'0')
					i++
				}
				literal.WriteByte(byte(val))
			case c == '\n' || c == '\r':
				// Line continuation.
			default:
				literal.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '(':
			depth++
			literal.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				if text := strings.TrimSpace(literal.String()); text != "" {
					parts = append(parts, text)
				}
			} else {
				literal.WriteByte(c)
			}
		default:
			literal.WriteByte(c)
		}
	}

	return strings.Join(parts, " ")
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tif", "tiff":
		return "image/tiff"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
