// Package classifier defines the image classifier contract and a model
// backend served over HTTP.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"sort"

	"golang.org/x/image/draw"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// ErrInference is returned when the model cannot produce predictions.
var ErrInference = errors.New("inference failed")

// Classifier maps an image to labels, most probable first.
type Classifier interface {
	Classify(ctx context.Context, img image.Image, topK int) ([]models.Label, error)
}

// Model is a loaded classifier that can describe itself.
type Model interface {
	Classifier
	Info() models.ModelInfo
}

const defaultInputSize = 224

// Descriptor is the JSON document published at a model URL.
type Descriptor struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Endpoint  string `json:"endpoint"`
	InputSize int    `json:"input_size,omitempty"`
}

// Remote is a model whose inference runs behind an HTTP endpoint.
type Remote struct {
	client    *http.Client
	endpoint  string
	inputSize int
	info      models.ModelInfo
}

var _ Model = (*Remote)(nil)

// Load fetches the descriptor at modelURL. A relative endpoint is resolved
// against modelURL.
func Load(ctx context.Context, client *http.Client, modelURL string) (*Remote, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base, err := url.Parse(modelURL)
	if err != nil {
		return nil, fmt.Errorf("invalid model URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model descriptor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch model descriptor: status %d", resp.StatusCode)
	}

	var d Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode model descriptor: %w", err)
	}
	if d.Name == "" || d.Endpoint == "" {
		return nil, errors.New("model descriptor needs name and endpoint")
	}
	ep, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid model endpoint: %w", err)
	}
	if d.InputSize <= 0 {
		d.InputSize = defaultInputSize
	}

	return &Remote{
		client:    client,
		endpoint:  base.ResolveReference(ep).String(),
		inputSize: d.InputSize,
		info:      models.ModelInfo{Name: d.Name, Version: d.Version},
	}, nil
}

// Info returns the model's name and version.
func (r *Remote) Info() models.ModelInfo { return r.info }

// Classify sends img, scaled to the model's input size, and returns at most
// topK labels. topK <= 0 returns every label.
func (r *Remote) Classify(ctx context.Context, img image.Image, topK int) ([]models.Label, error) {
	body, err := r.encode(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrInference, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint returned %d: %s", ErrInference, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var labels []models.Label
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("%w: decode labels: %w", ErrInference, err)
	}
	return TopK(labels, topK), nil
}

func (r *Remote) encode(img image.Image) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, r.inputSize, r.inputSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return buf.Bytes(), nil
}

// TopK sorts labels by probability, highest first, and keeps at most k.
func TopK(labels []models.Label, k int) []models.Label {
	out := append([]models.Label(nil), labels...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Probability > out[j].Probability
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
