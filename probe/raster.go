package probe

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
)

// rasterWidth and rasterHeight fix the offscreen surface geometry. Changing
// them changes every fingerprint, so treat them as frozen.
const (
	rasterWidth  = 240
	rasterHeight = 60
)

// RasterSignature renders a fixed scene to an offscreen RGBA surface and
// hashes the pixel output. The seed inputs (platform and renderer list)
// shift the scene deterministically so that distinct rendering environments
// produce distinct signatures while a single environment stays stable.
func RasterSignature(platform string, renderers []string) string {
	img := image.NewRGBA(image.Rect(0, 0, rasterWidth, rasterHeight))

	seed := rollingHash(platform)
	for _, r := range renderers {
		seed = seed*31 + rollingHash(r)
	}

	// Background fill.
	bg := color.RGBA{R: uint8(seed), G: uint8(seed >> 8), B: 0x60, A: 0xff}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	// Two overlapping rectangles with seed-dependent placement.
	offset := int(seed % 17)
	fg := color.RGBA{R: 0x10, G: uint8(seed >> 16), B: uint8(seed >> 24), A: 0xff}
	draw.Draw(img, image.Rect(10+offset, 8, 120+offset, 40), &image.Uniform{C: fg}, image.Point{}, draw.Over)
	draw.Draw(img, image.Rect(60, 20, 200, 55), &image.Uniform{C: color.RGBA{G: 0xcc, A: 0x80}}, image.Point{}, draw.Over)

	// Diagonal stroke so that the signature is sensitive to per-pixel
	// composition, not just the fill colors.
	for x := 0; x < rasterWidth; x++ {
		y := (x*rasterHeight/rasterWidth + offset) % rasterHeight
		img.Set(x, y, color.RGBA{R: 0xff, G: uint8(x), B: uint8(seed), A: 0xff})
	}

	h := fnv.New64a()
	h.Write(img.Pix)
	return fmt.Sprintf("%016x", h.Sum64())
}
