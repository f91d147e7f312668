package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const thumbMaxEdge = 400

// SaveThumbnail derives a JPEG thumbnail for an already-stored image key and
// writes it under thumbs/. Video artifacts and undecodable bytes are skipped
// with an error the caller may log and ignore.
func (s *FileStore) SaveThumbnail(ctx context.Context, key string, data []byte) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("storage: decode for thumbnail: %w", err)
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > thumbMaxEdge || h > thumbMaxEdge {
		scale := float64(thumbMaxEdge) / float64(max(w, h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("storage: encode thumbnail: %w", err)
	}
	return s.Write(ctx, "thumbs/"+key+".jpg", buf.Bytes())
}
