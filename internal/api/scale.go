package api

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

type scaleMode int

const (
	scaleExact scaleMode = iota
	scaleAspectFit
	scaleAspectFill
)

func parseScaleMode(s string) (scaleMode, error) {
	switch s {
	case "", "aspect_fit":
		return scaleAspectFit, nil
	case "exact":
		return scaleExact, nil
	case "aspect_fill":
		return scaleAspectFill, nil
	}
	return 0, fmt.Errorf("invalid mode %q: expected 'exact', 'aspect_fit', or 'aspect_fill'", s)
}

// scaleImage resizes img to the target box. Exact ignores aspect ratio;
// aspect_fit shrinks the box to preserve it; aspect_fill grows the box so
// the shorter side matches and the longer side overflows.
func scaleImage(img image.Image, width, height int, mode scaleMode) image.Image {
	b := img.Bounds()
	ow, oh := b.Dx(), b.Dy()
	if ow == 0 || oh == 0 || (ow == width && oh == height) {
		return img
	}

	tw, th := width, height
	if mode != scaleExact {
		// Compare aspect ratios without division: ow/oh > width/height
		// iff ow*height > width*oh.
		wider := ow*height > width*oh
		if mode == scaleAspectFill {
			wider = !wider
		}
		if wider {
			tw = width
			th = width * oh / ow
		} else {
			th = height
			tw = height * ow / oh
		}
		if tw < 1 {
			tw = 1
		}
		if th < 1 {
			th = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
