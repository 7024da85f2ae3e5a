// Package img contains routines for manipulating sets of images.
package img

import (
	"image"
	"image/color"
	"image/draw"
)

var (
	GrayModel = color.ModelFunc(grayModel)
	RGBModel  = color.ModelFunc(rgbModel)
)

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image type stores the pixels as float32 values with one plane per channel.
// Within a plane x varies fastest so the data matches a [width, height, channels] column major array.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

var _ draw.Image = (*Image)(nil)

// NewImage allocates a new black image with 1 (gray) or 3 (RGB) channels.
func NewImage(width, height, channels int) *Image {
	if channels != 1 && channels != 3 {
		panic("NewImage: channels must be 1 or 3")
	}
	return &Image{Width: width, Height: height, Channels: channels, Pix: make([]float32, width*height*channels)}
}

func NewImageLike(src *Image) *Image {
	return NewImage(src.Width, src.Height, src.Channels)
}

// Clone returns a deep copy of the image
func (m *Image) Clone() *Image {
	dst := NewImageLike(m)
	copy(dst.Pix, m.Pix)
	return dst
}

func (m *Image) ColorModel() color.Model {
	if m.Channels == 1 {
		return GrayModel
	}
	return RGBModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Image) inside(x, y int) bool {
	return x >= 0 && x < m.Width && y >= 0 && y < m.Height
}

func (m *Image) At(x, y int) color.Color {
	if m.Channels == 1 {
		if !m.inside(x, y) {
			return Gray{}
		}
		return Gray{Y: m.Pix[y*m.Width+x]}
	}
	return m.RGBAt(x, y)
}

func (m *Image) RGBAt(x, y int) RGB {
	if !m.inside(x, y) {
		return RGB{}
	}
	pos, plane := y*m.Width+x, m.Width*m.Height
	if m.Channels == 1 {
		return RGB{R: m.Pix[pos], G: m.Pix[pos], B: m.Pix[pos]}
	}
	return RGB{R: m.Pix[pos], G: m.Pix[pos+plane], B: m.Pix[pos+2*plane]}
}

func (m *Image) Set(x, y int, c color.Color) {
	if !m.inside(x, y) {
		return
	}
	pos, plane := y*m.Width+x, m.Width*m.Height
	if m.Channels == 1 {
		m.Pix[pos] = grayModel(c).(Gray).Y
		return
	}
	rgb := rgbModel(c).(RGB)
	m.Pix[pos] = rgb.R
	m.Pix[pos+plane] = rgb.G
	m.Pix[pos+2*plane] = rgb.B
}

// Pixels returns the data for one colour plane, or all of the data if ch is out of range.
func (m *Image) Pixels(ch int) []float32 {
	if ch >= 0 && ch < m.Channels {
		return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
	}
	return m.Pix
}

// FromImage converts a decoded image to float format, scaling 8 bit values by 1/255.
func FromImage(src image.Image, channels int) *Image {
	b := src.Bounds()
	dst := NewImage(b.Dx(), b.Dy(), channels)
	if n, ok := src.(*image.NRGBA); ok {
		plane := dst.Width * dst.Height
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				off := n.PixOffset(b.Min.X+x, b.Min.Y+y)
				pos := y*dst.Width + x
				if channels == 1 {
					dst.Pix[pos] = float32(n.Pix[off]) / 255
					continue
				}
				for ch := 0; ch < 3; ch++ {
					dst.Pix[pos+ch*plane] = float32(n.Pix[off+ch]) / 255
				}
			}
		}
		return dst
	}
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			dst.Set(x, y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// NRGBA converts to an 8 bit image, values are rounded to the nearest of 256 levels.
func (m *Image) NRGBA() *image.NRGBA {
	dst := image.NewNRGBA(m.Bounds())
	plane := m.Width * m.Height
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			pos := y*m.Width + x
			off := dst.PixOffset(x, y)
			for ch := 0; ch < 3; ch++ {
				v := m.Pix[pos]
				if m.Channels == 3 {
					v = m.Pix[pos+ch*plane]
				}
				dst.Pix[off+ch] = to8bit(v)
			}
			dst.Pix[off+3] = 0xff
		}
	}
	return dst
}

func to8bit(v float32) uint8 {
	return uint8(clamp(v, 0, 1)*255 + 0.5)
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
