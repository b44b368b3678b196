package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ImageMetadata describes a decoded slice. The fields mirror the DICOM
// attributes the decode service surfaces alongside pixel data.
type ImageMetadata struct {
	StudyID           string     `json:"study_id"`
	SeriesDescription string     `json:"series_description,omitempty"`
	StudyDescription  string     `json:"study_description,omitempty"`
	Modality          string     `json:"modality,omitempty"`
	Width             int        `json:"width"`
	Height            int        `json:"height"`
	PixelSpacing      [2]float64 `json:"pixel_spacing,omitempty"`
	WindowCenter      float64    `json:"window_center,omitempty"`
	WindowWidth       float64    `json:"window_width,omitempty"`
	InstanceNumber    int        `json:"instance_number,omitempty"`
}

// Image is a decoded image as returned by the transport.
type Image struct {
	Data     []byte
	Metadata ImageMetadata
}

// Payload is what Load delivers to callers: a decoded buffer plus
// metadata, or a synthetic fallback when the load terminally failed.
// Rendering code handles both through the same path.
type Payload struct {
	Data     []byte
	Metadata ImageMetadata

	// Fallback is true when Data is a placeholder synthesized from a
	// terminal load failure rather than real pixels.
	Fallback bool

	// FallbackKind is the error kind the placeholder encodes.
	FallbackKind ErrorKind
}

// Fetcher resolves an opaque image identifier to decoded bytes. Fetch
// failures carry status, timeout, or transport signals that Classify
// understands. Origin maps an identifier to the failure-isolation bucket
// used by the circuit breaker.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*Image, error)
	Origin(id string) string
}

// wireImage is the JSON envelope the image service emits per slice:
// metadata plus base64-encoded pixel data.
type wireImage struct {
	Metadata ImageMetadata `json:"metadata"`
	Pixels   []byte        `json:"pixels"`
}

// HTTPFetcher fetches images from an HTTP image service.
type HTTPFetcher struct {
	baseURL    string
	origin     string
	userAgent  string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher against the given base URL.
func NewHTTPFetcher(baseURL, userAgent string) (*HTTPFetcher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	origin := u.Host
	if origin == "" {
		origin = "default"
	}

	return &HTTPFetcher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		origin:    origin,
		userAgent: userAgent,
		httpClient: &http.Client{
			// Per-attempt deadlines come from the caller's context; this
			// is only a safety net.
			Timeout: 2 * time.Minute,
		},
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Origin returns the host component of the fetch target.
func (f *HTTPFetcher) Origin(id string) string {
	return f.origin
}

// Fetch retrieves and decodes a single image.
func (f *HTTPFetcher) Fetch(ctx context.Context, id string) (*Image, error) {
	target := f.baseURL + "/" + strings.TrimLeft(id, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var wire wireImage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if len(wire.Pixels) == 0 {
		return nil, fmt.Errorf("%w: empty pixel data", ErrCorruptData)
	}

	return &Image{Data: wire.Pixels, Metadata: wire.Metadata}, nil
}
