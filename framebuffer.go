package emuctl

import "image"

// frameBuffer is the client-local copy of the remote screen, stored as
// RGBA. It is single-writer: only the display client's update cycle
// mutates it, and readers take copies.
type frameBuffer struct {
	img *image.RGBA
}

func newFrameBuffer(w, h int) *frameBuffer {
	return &frameBuffer{img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

func (fb *frameBuffer) size() (w, h int) {
	b := fb.img.Bounds()
	return b.Dx(), b.Dy()
}

// resize reallocates the pixel store at the new dimensions. Contents
// are zeroed; the server follows a resize with a full update.
func (fb *frameBuffer) resize(w, h int) {
	fb.img = image.NewRGBA(image.Rect(0, 0, w, h))
}

// growFor widens the framebuffer so the rectangle (x,y,w,h) fits.
// A rectangle beyond the current bounds means the desktop grew under
// us; growing first keeps every blit in bounds.
func (fb *frameBuffer) growFor(x, y, w, h int) {
	cw, ch := fb.size()
	nw, nh := cw, ch
	if x+w > nw {
		nw = x + w
	}
	if y+h > nh {
		nh = y + h
	}
	if nw != cw || nh != ch {
		fb.resize(nw, nh)
	}
}

// blitRaw writes a raw rectangle into the framebuffer at (x,y). The
// data is in the negotiated wire layout: 32bpp little-endian true-color
// with red shift 16, green shift 8, blue shift 0, i.e. B,G,R,X byte
// order. Bounds must already accommodate the rectangle.
func (fb *frameBuffer) blitRaw(x, y, w, h int, data []byte) {
	for row := 0; row < h; row++ {
		src := row * w * 4
		dst := fb.img.PixOffset(x, y+row)
		pix := fb.img.Pix
		for col := 0; col < w; col++ {
			pix[dst+0] = data[src+2] // R
			pix[dst+1] = data[src+1] // G
			pix[dst+2] = data[src+0] // B
			pix[dst+3] = 0xff
			src += 4
			dst += 4
		}
	}
}

// snapshot returns a deep copy of the image for export.
func (fb *frameBuffer) snapshot() *image.RGBA {
	dup := image.NewRGBA(fb.img.Bounds())
	copy(dup.Pix, fb.img.Pix)
	return dup
}

// rawPixels returns a copy of the RGBA pixel store
// (width*height*4 bytes).
func (fb *frameBuffer) rawPixels() []byte {
	out := make([]byte, len(fb.img.Pix))
	copy(out, fb.img.Pix)
	return out
}
