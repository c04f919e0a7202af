package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
	"time"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodePreview(t *testing.T, preview string) image.Image {
	t.Helper()
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(preview, prefix) {
		t.Fatalf("unexpected preview prefix: %.40s", preview)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(preview, prefix))
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestPrepareScalesPreview(t *testing.T) {
	p := NewProcessor(0, 400)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	prep, err := p.Prepare(Upload{Name: "wide.png", Data: pngBytes(t, 800, 600), LastModified: modified})
	if err != nil {
		t.Fatal(err)
	}

	md := prep.Metadata
	if md.Width != 800 || md.Height != 600 {
		t.Errorf("expected 800x600, got %dx%d", md.Width, md.Height)
	}
	if md.MimeType != "image/png" {
		t.Errorf("expected image/png, got %s", md.MimeType)
	}
	if md.OriginalName != "wide.png" || !md.LastModified.Equal(modified) {
		t.Errorf("unexpected metadata: %+v", md)
	}

	b := decodePreview(t, prep.Preview).Bounds()
	if b.Dx() != 400 || b.Dy() != 300 {
		t.Errorf("expected 400x300 preview, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestPrepareDoesNotUpscale(t *testing.T) {
	img := image.NewPaletted(image.Rect(0, 0, 20, 10), []color.Color{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}

	prep, err := NewProcessor(0, 0).Prepare(Upload{Name: "tiny.gif", Data: buf.Bytes()})
	if err != nil {
		t.Fatal(err)
	}
	if prep.Metadata.MimeType != "image/gif" {
		t.Errorf("expected image/gif, got %s", prep.Metadata.MimeType)
	}
	b := decodePreview(t, prep.Preview).Bounds()
	if b.Dx() != 20 || b.Dy() != 10 {
		t.Errorf("expected 20x10 preview, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestValidate(t *testing.T) {
	p := NewProcessor(32, 400)

	cases := map[string]struct {
		upload Upload
		want   string
	}{
		"nothing":     {Upload{}, "no file selected"},
		"empty":       {Upload{Name: "a.png", Data: []byte{}}, "empty file"},
		"unsupported": {Upload{Name: "a.txt", Data: []byte("just some text")}, "unsupported format"},
		"too large":   {Upload{Name: "a.png", Data: pngBytes(t, 50, 50)}, "file too large"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Validate(tc.upload)
			if !errors.Is(err, ErrInvalidImage) {
				t.Fatalf("expected ErrInvalidImage, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestPrepareCorruptImage(t *testing.T) {
	data := pngBytes(t, 10, 10)
	_, err := NewProcessor(0, 0).Prepare(Upload{Name: "broken.png", Data: data[:40]})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestFitWithin(t *testing.T) {
	cases := []struct{ w, h, max, ww, wh int }{
		{800, 600, 400, 400, 300},
		{600, 800, 400, 300, 400},
		{100, 50, 400, 100, 50},
		{4000, 10, 400, 400, 1},
		{0, 0, 400, 1, 1},
	}
	for _, c := range cases {
		w, h := FitWithin(c.w, c.h, c.max)
		if w != c.ww || h != c.wh {
			t.Errorf("FitWithin(%d,%d,%d) = %dx%d, want %dx%d", c.w, c.h, c.max, w, h, c.ww, c.wh)
		}
	}
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		0:        "0 Bytes",
		512:      "512 Bytes",
		1536:     "1.5 KB",
		10 << 20: "10 MB",
	}
	for n, want := range cases {
		if got := FormatSize(n); got != want {
			t.Errorf("FormatSize(%d) = %q, want %q", n, got, want)
		}
	}
}
