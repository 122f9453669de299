package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Face is one box-and-label to draw. Coordinates are pixel corners in the
// frame's coordinate space.
type Face struct {
	Label      string
	Known      bool
	Confidence float64
	X1, Y1     int
	X2, Y2     int
}

// Options controls overlay rendering.
type Options struct {
	// KnownColor overrides the box color for known faces. Zero value
	// means the default green.
	KnownColor color.RGBA
}

var (
	defaultKnown = color.RGBA{0, 255, 0, 255}
	unknownColor = color.RGBA{255, 165, 0, 255}
	labelBG      = color.RGBA{0, 0, 0, 180}
)

// Draw decodes a JPEG frame, draws one box and label per face and re-encodes
// it. On any decode or encode failure the original frame comes back
// untouched; an overlay must never cost a frame.
func Draw(jpegData []byte, faces []Face, opts Options) []byte {
	if len(faces) == 0 {
		return jpegData
	}
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	knownColor := opts.KnownColor
	if knownColor == (color.RGBA{}) {
		knownColor = defaultKnown
	}

	for _, face := range faces {
		boxColor := unknownColor
		if face.Known {
			boxColor = knownColor
		}
		drawBox(rgba, face.X1, face.Y1, face.X2-face.X1, face.Y2-face.Y1, boxColor, 2)

		label := face.Label
		if label == "" {
			label = "Unknown"
		}
		if face.Confidence > 0 {
			label = fmt.Sprintf("%s %.0f%%", label, face.Confidence*100)
		}
		drawLabel(rgba, face.X1, face.Y1-5, label, boxColor)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= 0 && y+t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+t, c)
			}
			if y+h-t >= 0 && y+h-t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+h-t, c)
			}
		}
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= 0 && x+t < bounds.Max.X && j >= 0 {
				img.Set(x+t, j, c)
			}
			if x+w-t >= 0 && x+w-t < bounds.Max.X && j >= 0 {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, labelBG)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
