package detection

import (
	"github.com/menta2k/hwassist/pkg/types"
)

// Normalize converts a pixel-space detection box into unit-interval coordinates.
// It reports false while the image size is unknown or when the box cannot be
// resolved into corners. Coordinates are not clamped: a box reported outside
// the frame stays outside [0,1].
func Normalize(d types.Detection, size types.ImageSize) (types.NormalizedBox, bool) {
	if !size.Known() {
		return types.NormalizedBox{}, false
	}

	corners, ok := d.Box.Corners()
	if !ok {
		return types.NormalizedBox{}, false
	}

	w, h := float64(size.Width), float64(size.Height)
	return types.NormalizedBox{
		Box: types.CornerBox{
			X1: corners.X1 / w,
			Y1: corners.Y1 / h,
			X2: corners.X2 / w,
			Y2: corners.Y2 / h,
		},
		Label:       d.Label,
		ProductName: d.ProductName,
	}, true
}

// NormalizeAll normalizes every detection, skipping those that cannot be normalized.
// It returns nil when the size is unknown.
func NormalizeAll(dets []types.Detection, size types.ImageSize) []types.NormalizedBox {
	if !size.Known() {
		return nil
	}
	boxes := make([]types.NormalizedBox, 0, len(dets))
	for _, d := range dets {
		if nb, ok := Normalize(d, size); ok {
			boxes = append(boxes, nb)
		}
	}
	return boxes
}
