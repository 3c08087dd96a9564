package annotate

import (
	"image"

	"github.com/disintegration/imaging"
)

// Resize возвращает уменьшенную копию для отображения. Если задана только одна
// сторона, вторая считается по пропорции. Нулевые размеры возвращают исходное изображение.
func Resize(img image.Image, width, height int) image.Image {
	if width <= 0 && height <= 0 {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}
