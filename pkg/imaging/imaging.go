// Package imaging validates uploaded images and builds the display-sized
// preview stored alongside each classification.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// ErrInvalidImage is returned for uploads that fail validation or decoding.
var ErrInvalidImage = errors.New("invalid image")

// SupportedTypes lists the accepted upload MIME types.
var SupportedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

const (
	DefaultMaxBytes       = 10 << 20
	DefaultMaxDisplaySize = 400
	previewQuality        = 85
)

// Upload is an image as received from a user.
type Upload struct {
	Name         string
	Data         []byte
	LastModified time.Time
}

// Prepared is a decoded, validated upload.
type Prepared struct {
	Image    image.Image
	Preview  string
	Metadata models.ImageMetadata
}

// Processor validates uploads and renders previews.
type Processor struct {
	maxBytes   int64
	maxDisplay int
}

// NewProcessor returns a Processor. Non-positive limits take the defaults.
func NewProcessor(maxBytes int64, maxDisplay int) *Processor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxDisplay <= 0 {
		maxDisplay = DefaultMaxDisplaySize
	}
	return &Processor{maxBytes: maxBytes, maxDisplay: maxDisplay}
}

// Validate checks size and sniffed content type, returning the MIME type.
// All problems are reported together.
func (p *Processor) Validate(u Upload) (string, error) {
	if u.Data == nil && u.Name == "" {
		return "", fmt.Errorf("%w: no file selected", ErrInvalidImage)
	}

	var problems []string
	mtype := mimetype.Detect(u.Data)
	supported := false
	for _, t := range SupportedTypes {
		if mtype.Is(t) {
			supported = true
			break
		}
	}
	if len(u.Data) > 0 && !supported {
		problems = append(problems, "unsupported format, use JPEG, PNG, WebP, or GIF")
	}
	if int64(len(u.Data)) > p.maxBytes {
		problems = append(problems, fmt.Sprintf("file too large, maximum size is %s", FormatSize(p.maxBytes)))
	}
	if len(u.Data) == 0 {
		problems = append(problems, "empty file")
	}
	if len(problems) > 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidImage, strings.Join(problems, "; "))
	}
	return mtype.String(), nil
}

// Prepare validates and decodes u and renders its preview.
func (p *Processor) Prepare(u Upload) (*Prepared, error) {
	mimeType, err := p.Validate(u)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(u.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidImage, u.Name, err)
	}

	preview, err := p.Preview(img)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &Prepared{
		Image:   img,
		Preview: preview,
		Metadata: models.ImageMetadata{
			OriginalName: u.Name,
			ByteSize:     int64(len(u.Data)),
			MimeType:     mimeType,
			Width:        b.Dx(),
			Height:       b.Dy(),
			LastModified: u.LastModified,
		},
	}, nil
}

// Preview scales img to fit the display box and returns it as a JPEG data URL.
func (p *Processor) Preview(img image.Image) (string, error) {
	src := img.Bounds()
	w, h := FitWithin(src.Dx(), src.Dy(), p.maxDisplay)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: previewQuality}); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// FitWithin scales w x h down to fit a max x max box, keeping the aspect
// ratio. Images never grow.
func FitWithin(w, h, max int) (int, int) {
	if w <= 0 || h <= 0 {
		return 1, 1
	}
	scale := math.Min(math.Min(float64(max)/float64(w), float64(max)/float64(h)), 1)
	sw := int(math.Round(float64(w) * scale))
	sh := int(math.Round(float64(h) * scale))
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return sw, sh
}

// FormatSize renders a byte count for people, e.g. "1.5 MB".
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + " " + units[i]
}
