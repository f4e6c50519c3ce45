package converter

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/ledongthuc/pdf"
)

var errUnsupportedImage = errors.New("unsupported image encoding")

// pageImages decodes the raster XObjects of a page. Images using filters the
// reader cannot decode are skipped.
func pageImages(p pdf.Page) ([]image.Image, []error) {
	xobjects := p.Resources().Key("XObject")
	if xobjects.Kind() != pdf.Dict {
		return nil, nil
	}
	var (
		out  []image.Image
		errs []error
	)
	for _, name := range xobjects.Keys() {
		v := xobjects.Key(name)
		if v.Kind() != pdf.Stream || v.Key("Subtype").Name() != "Image" {
			continue
		}
		img, err := decodeImage(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("xobject %s: %w", name, err))
			continue
		}
		out = append(out, img)
	}
	return out, errs
}

func decodeImage(v pdf.Value) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("decode image: %v", r)
		}
	}()

	if !flateOnly(v.Key("Filter")) {
		return nil, errUnsupportedImage
	}
	if bpc := v.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, errUnsupportedImage
	}
	w, h := int(v.Key("Width").Int64()), int(v.Key("Height").Int64())
	if w <= 0 || h <= 0 {
		return nil, errUnsupportedImage
	}

	var comps int
	switch v.Key("ColorSpace").Name() {
	case "DeviceRGB":
		comps = 3
	case "DeviceGray":
		comps = 1
	default:
		return nil, errUnsupportedImage
	}

	rc := v.Reader()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if len(data) < w*h*comps {
		return nil, fmt.Errorf("image data truncated: %d < %d", len(data), w*h*comps)
	}

	if comps == 1 {
		g := image.NewGray(image.Rect(0, 0, w, h))
		copy(g.Pix, data[:w*h])
		return g, nil
	}
	rgba := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		o := i * 3
		rgba.SetNRGBA(i%w, i/w, color.NRGBA{R: data[o], G: data[o+1], B: data[o+2], A: 0xff})
	}
	return rgba, nil
}

func flateOnly(filter pdf.Value) bool {
	switch filter.Kind() {
	case pdf.Null:
		return true
	case pdf.Name:
		return filter.Name() == "FlateDecode"
	case pdf.Array:
		for i := 0; i < filter.Len(); i++ {
			if filter.Index(i).Name() != "FlateDecode" {
				return false
			}
		}
		return true
	}
	return false
}

// encodePNG renders img as base64-encoded PNG.
func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
