// Package imageio decodes uploaded image bytes into 3-channel RGB images
// and re-encodes them for transport to model servers.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when the bytes are not a readable image.
var ErrDecode = errors.New("could not read image")

// MaxSide bounds the longest edge of images sent to model servers. Vision
// encoders resize to a few hundred pixels anyway so anything bigger is
// wasted bandwidth.
const MaxSide = 1024

// DecodeRGB decodes data and returns an opaque RGB image. Any alpha channel is
// dropped, the colour values underneath are kept as they are.
func DecodeRGB(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrDecode)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	return ToRGB(src), nil
}

// ToRGB converts img to non-premultiplied RGBA with every pixel fully opaque.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		// Copy rows directly, going through draw would premultiply and lose
		// the colour of translucent pixels.
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[i:i+4*b.Dx()])
		}
	} else {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Fit scales img down so that its longest side is at most maxSide. Smaller
// images are returned untouched.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// EncodeJPEG fits img to MaxSide and encodes it as a JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, Fit(img, MaxSide), &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
