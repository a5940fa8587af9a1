package collage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestColumns(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{1, 2}, {2, 2}, {4, 2}, {5, 3}, {9, 3},
	}
	for _, tt := range tests {
		if got := Columns(tt.n); got != tt.want {
			t.Errorf("Columns(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestCompose(t *testing.T) {
	tests := []struct {
		name  string
		count int
		wantW int
		wantH int
	}{
		{"single", 1, 600, 300},
		{"four", 4, 600, 600},
		{"five", 5, 900, 600},
		{"nine", 9, 900, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tiles := make([]image.Image, tt.count)
			for i := range tiles {
				tiles[i] = solid(40, 20, color.RGBA{R: 200, A: 255})
			}
			grid := Compose(tiles)
			if b := grid.Bounds(); b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("Compose() size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestComposeWhiteBackground(t *testing.T) {
	grid := Compose([]image.Image{solid(10, 10, color.Black)})
	// Second column of a single-image grid stays empty.
	r, g, b, _ := grid.At(TileSize+10, 10).RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff {
		t.Errorf("empty cell colour = %d,%d,%d, want white", r, g, b)
	}
	r, _, _, _ = grid.At(150, 150).RGBA()
	if r != 0 {
		t.Errorf("tile colour red = %d, want black tile", r)
	}
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solid(64, 48, color.RGBA{G: 180, A: 255}), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestRender(t *testing.T) {
	photo := encodeJPEG(t)
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		switch r.URL.Path {
		case "/broken":
			http.Error(w, "gone", http.StatusNotFound)
		case "/garbage":
			_, _ = w.Write([]byte("not an image"))
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(photo)
		}
	}))
	defer srv.Close()

	urls := []string{srv.URL + "/broken", srv.URL + "/garbage"}
	for range 10 {
		urls = append(urls, srv.URL+"/ok.jpg")
	}

	r := New(srv.Client(), 2*time.Second, 3, discard())
	data, err := r.Render(context.Background(), urls)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not PNG: %v", err)
	}
	// 9 requested, 2 unusable: 7 tiles in 3 columns, 3 rows.
	if b := img.Bounds(); b.Dx() != 900 || b.Dy() != 900 {
		t.Errorf("collage size = %dx%d, want 900x900", b.Dx(), b.Dy())
	}
	if got := maxInFlight.Load(); got > 3 {
		t.Errorf("max concurrent downloads = %d, want <= 3", got)
	}
}

func TestRenderNoImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(srv.Client(), time.Second, 2, discard())
	if _, err := r.Render(context.Background(), []string{srv.URL + "/a"}); !errors.Is(err, ErrNoImages) {
		t.Errorf("Render() error = %v, want ErrNoImages", err)
	}
	if _, err := r.Render(context.Background(), nil); !errors.Is(err, ErrNoImages) {
		t.Errorf("Render(nil) error = %v, want ErrNoImages", err)
	}
}
