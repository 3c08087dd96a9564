package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// BoxColor цвет рамок и подписей на снимках
var BoxColor = color.RGBA{R: 255, A: 255}

const (
	lineWidth = 2
	fontSize  = 14
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Mark рамка и подпись для отрисовки
type Mark struct {
	Rect  image.Rectangle
	Label string
}

// Label формирует подпись вида "Pothole 0.87"
func Label(name string, confidence float64) string {
	return fmt.Sprintf("%s %.2f", name, confidence)
}

// Draw рисует рамки с подписями на копии изображения. Исходное изображение не изменяется.
func Draw(img image.Image, marks []Mark) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: fontSize}))
	for _, m := range marks {
		drawRectangle(dc, m.Rect)
		if m.Label == "" {
			continue
		}
		// Подпись над рамкой, а если не помещается - внутри
		y := float64(m.Rect.Min.Y) - 4
		if y < fontSize {
			y = float64(m.Rect.Min.Y) + fontSize
		}
		dc.SetColor(BoxColor)
		dc.DrawString(m.Label, float64(m.Rect.Min.X), y)
	}
	return dc.Image()
}

func drawRectangle(dc *gg.Context, r image.Rectangle) {
	dc.SetColor(BoxColor)
	dc.SetLineWidth(lineWidth)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// EncodeJPEG кодирует изображение в JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
