// -----------------------------------------------------------------------
// Rasterizer Interface - Split PDF documents into page images + text
// -----------------------------------------------------------------------

package interfaces

import "context"

// RasterizeOptions carry the rendering parameters. The queue core treats
// the output as opaque image binaries.
type RasterizeOptions struct {
	// DPI hints the target resolution for backends that render.
	DPI int `json:"dpi"`
	// Format is the requested output image format ("png", "jpeg").
	Format string `json:"format"`
}

// RasterizedPage is one page of a PDF as an image plus whatever text
// layer the page carried (used as the OCR reference for that page).
type RasterizedPage struct {
	PageNumber int    `json:"page_number"`
	ImageData  []byte `json:"-"`
	MimeType   string `json:"mime_type"`
	Text       string `json:"text,omitempty"`
}

// Rasterizer converts a PDF into per-page images with optional page
// text. Implementations may render pages or, for scanned documents,
// lift the page's embedded scan image directly.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, opts RasterizeOptions) ([]RasterizedPage, error)
}
