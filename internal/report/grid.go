package report

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"lenet-forge/internal/dataset"
)

// gridScale enlarges each tile so 28px digits stay legible.
const gridScale = 4

// SampleGrid tiles the images of batch into rows of cols tiles. Each tile is
// min-max scaled to the full gray range.
func SampleGrid(path string, batch dataset.Batch, cols int) error {
	n := batch.Len()
	if n == 0 || batch.Images == nil {
		return errors.New("report: empty batch")
	}
	if cols <= 0 {
		return errors.Errorf("report: cols must be > 0 (got %d)", cols)
	}
	if batch.Images.Rank() != 4 || batch.Images.Dim(1) != 1 {
		return errors.Errorf("report: want [N,1,H,W] images, got %s", batch.Images.Shape)
	}
	h, w := batch.Images.Dim(2), batch.Images.Dim(3)
	cols = min(cols, n)
	rows := (n + cols - 1) / cols

	canvas := imaging.New(cols*(w+1)+1, rows*(h+1)+1, color.Gray{Y: 96})
	for i := 0; i < n; i++ {
		tile := grayTile(batch.Images.Row(i), w, h)
		canvas = imaging.Paste(canvas, tile, image.Pt(1+(i%cols)*(w+1), 1+(i/cols)*(h+1)))
	}
	out := imaging.Resize(canvas, canvas.Bounds().Dx()*gridScale, canvas.Bounds().Dy()*gridScale, imaging.NearestNeighbor)
	return errors.Wrapf(imaging.Save(out, path), "report: save grid")
}

func grayTile(data []float64, w, h int) *image.Gray {
	lo, hi := data[0], data[0]
	for _, v := range data {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range data {
		var y uint8
		if span > 0 {
			y = uint8((v - lo) / span * 255)
		}
		img.Pix[i] = y
	}
	return img
}
