// Package detector defines the presence classifier boundary. Implementations
// wrap a pretrained object detector and only report how many people-shaped
// regions they found.
package detector

import "errors"

var (
	// ErrNoFrame means the camera returned no frame; callers retry shortly.
	ErrNoFrame = errors.New("no frame available")

	// ErrDecode means uploaded bytes are not a decodable image.
	ErrDecode = errors.New("could not decode image")
)

// Detection holds per-cascade hit counts for one image
type Detection struct {
	Faces       int `json:"faces"`
	UpperBodies int `json:"upper_bodies"`
	FullBodies  int `json:"full_bodies"`
}

// Detected reports whether any cascade fired
func (d Detection) Detected() bool {
	return d.Faces > 0 || d.UpperBodies > 0 || d.FullBodies > 0
}

// Classifier classifies encoded (JPEG/PNG) images such as browser uploads
type Classifier interface {
	ClassifyImage(data []byte) (Detection, error)
}

// Camera grabs one frame from a local capture device and classifies it
type Camera interface {
	Capture() (Detection, error)
	Close() error
}
