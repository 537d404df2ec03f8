package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"time"

	// Decoders for the formats resolvers hand out.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	thumbTimeout  = 10 * time.Second
	thumbMaxBytes = 10 << 20
	thumbQuality  = 85
)

// Thumbnailer downloads a preview image and stores it as a JPEG.
type Thumbnailer struct {
	http *http.Client
	ua   string
}

func NewThumbnailer(userAgent string) *Thumbnailer {
	return &Thumbnailer{http: &http.Client{Timeout: thumbTimeout}, ua: userAgent}
}

// Fetch saves the image at url to dst as JPEG. Transparent areas are flattened
// onto white.
func (t *Thumbnailer) Fetch(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if t.ua != "" {
		req.Header.Set("User-Agent", t.ua)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("thumbnail: status %d", resp.StatusCode)
	}

	src, format, err := image.Decode(io.LimitReader(resp.Body, thumbMaxBytes))
	if err != nil {
		return fmt.Errorf("thumbnail: decode: %w", err)
	}
	return writeJPEG(dst, flatten(src), format)
}

func flatten(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

func writeJPEG(dst string, img image.Image, format string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: thumbQuality}); err != nil {
		f.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("thumbnail: encode %s as jpeg: %w", format, err)
	}
	return f.Close()
}
