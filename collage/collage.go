// Package collage downloads listing photos and composes them into a single
// preview grid.
package collage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxImages is the most photos a collage shows.
	MaxImages = 9
	// TileSize is the edge length of each square tile in pixels.
	TileSize = 300
	// Filename is the attachment name of the rendered collage.
	Filename = "preview.png"

	maxImageBytes = 10 << 20
)

// ErrNoImages is returned when none of the photos could be downloaded.
var ErrNoImages = errors.New("no usable images")

// Renderer fetches images with bounded concurrency and lays them out.
type Renderer struct {
	client      *http.Client
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int
}

// New creates a renderer. timeout applies to each image download.
func New(client *http.Client, timeout time.Duration, concurrency int, logger *slog.Logger) *Renderer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Renderer{
		client:      client,
		logger:      logger,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// Render downloads up to MaxImages of urls and returns the grid as PNG.
// Images that fail to download or decode are skipped.
func (r *Renderer) Render(ctx context.Context, urls []string) ([]byte, error) {
	if len(urls) > MaxImages {
		urls = urls[:MaxImages]
	}

	images := make([]image.Image, len(urls))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			img, err := r.download(ctx, u)
			if err != nil {
				r.logger.Warn("Image download failed", "url", u, "error", err)
				return nil
			}
			images[i] = img
			return nil
		})
	}
	_ = g.Wait() // downloads never return errors

	var tiles []image.Image
	for _, img := range images {
		if img != nil {
			tiles = append(tiles, img)
		}
	}
	if len(tiles) == 0 {
		return nil, ErrNoImages
	}

	grid := Compose(tiles)
	var buf bytes.Buffer
	if err := png.Encode(&buf, grid); err != nil {
		return nil, fmt.Errorf("encode collage: %w", err)
	}

	r.logger.Info("Collage rendered",
		"requested", len(urls),
		"used", len(tiles),
		"bytes", buf.Len())
	return buf.Bytes(), nil
}

// Columns is 3 for more than four tiles, else 2.
func Columns(n int) int {
	if n > 4 {
		return 3
	}
	return 2
}

// Compose scales every image to a TileSize square and places them row by
// row on a white canvas.
func Compose(tiles []image.Image) *image.RGBA {
	cols := Columns(len(tiles))
	rows := (len(tiles) + cols - 1) / cols

	grid := image.NewRGBA(image.Rect(0, 0, cols*TileSize, rows*TileSize))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for i, img := range tiles {
		x := (i % cols) * TileSize
		y := (i / cols) * TileSize
		dst := image.Rect(x, y, x+TileSize, y+TileSize)
		draw.CatmullRom.Scale(grid, dst, img, img.Bounds(), draw.Over, nil)
	}
	return grid
}

func (r *Renderer) download(ctx context.Context, u string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	r.logger.Debug("Image downloaded",
		"url", u,
		"format", format,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())
	return img, nil
}
