// Package detect is the boundary between the pipeline and object detectors.
//
// Whatever a detector returns is turned into a typed []mot.Detection once, by Normalize,
// so the rest of the pipeline never deals with malformed results.
package detect

import (
	"context"
	"image"

	"github.com/LdDl/streamtrack/mot"
)

// Detector finds objects on a frame. An instance is owned by a single worker
// and is not required to be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]mot.Detection, error)
}

// Func adapts a function to Detector
type Func func(ctx context.Context, img image.Image) ([]mot.Detection, error)

// Detect implements Detector
func (f Func) Detect(ctx context.Context, img image.Image) ([]mot.Detection, error) {
	return f(ctx, img)
}

// Factory builds a private detector for a camera
type Factory func(cameraID string) (Detector, error)

// Nop never finds anything. Useful to run tracking pipelines without an inference backend.
var Nop Detector = Func(func(ctx context.Context, img image.Image) ([]mot.Detection, error) {
	return nil, nil
})
