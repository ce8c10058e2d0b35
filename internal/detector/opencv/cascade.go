// Package opencv implements the detector interfaces with OpenCV Haar
// cascades through gocv.
package opencv

import (
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/saaga0h/jeeves-presence/internal/detector"
)

// Cascade file names shipped with OpenCV
const (
	FaceCascadeFile      = "haarcascade_frontalface_default.xml"
	UpperBodyCascadeFile = "haarcascade_upperbody.xml"
	FullBodyCascadeFile  = "haarcascade_fullbody.xml"
)

type cascadeParams struct {
	file         string
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
}

var (
	faceParams      = cascadeParams{FaceCascadeFile, 1.1, 5, image.Pt(30, 30)}
	upperBodyParams = cascadeParams{UpperBodyCascadeFile, 1.1, 3, image.Pt(50, 50)}
	fullBodyParams  = cascadeParams{FullBodyCascadeFile, 1.1, 3, image.Pt(80, 80)}
)

type cascade struct {
	params     cascadeParams
	classifier gocv.CascadeClassifier
}

func (c *cascade) count(gray gocv.Mat) int {
	rects := c.classifier.DetectMultiScaleWithParams(gray,
		c.params.scaleFactor, c.params.minNeighbors, 0, c.params.minSize, image.Point{})
	return len(rects)
}

// CascadeSet runs face, upper body and (optionally) full body cascades over
// an image. gocv classifiers are not safe for concurrent use, so detection is
// serialised.
type CascadeSet struct {
	mu        sync.Mutex
	face      *cascade
	upperBody *cascade
	fullBody  *cascade
	logger    *slog.Logger
}

// NewCascadeSet loads cascades from dir. withFullBody adds the slower full
// body cascade.
func NewCascadeSet(dir string, withFullBody bool, logger *slog.Logger) (*CascadeSet, error) {
	set := &CascadeSet{logger: logger}

	var err error
	if set.face, err = loadCascade(dir, faceParams); err != nil {
		return nil, err
	}
	if set.upperBody, err = loadCascade(dir, upperBodyParams); err != nil {
		set.Close()
		return nil, err
	}
	if withFullBody {
		if set.fullBody, err = loadCascade(dir, fullBodyParams); err != nil {
			set.Close()
			return nil, err
		}
	}

	logger.Info("Loaded Haar cascades", "dir", dir, "full_body", withFullBody)
	return set, nil
}

func loadCascade(dir string, params cascadeParams) (*cascade, error) {
	path := filepath.Join(dir, params.file)
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier %s", path)
	}
	return &cascade{params: params, classifier: classifier}, nil
}

// Detect runs the loaded cascades over a BGR image
func (s *CascadeSet) Detect(img gocv.Mat) detector.Detection {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	s.mu.Lock()
	defer s.mu.Unlock()

	var d detector.Detection
	d.Faces = s.face.count(gray)
	d.UpperBodies = s.upperBody.count(gray)
	if s.fullBody != nil {
		d.FullBodies = s.fullBody.count(gray)
	}
	return d
}

// ClassifyImage decodes an uploaded image and classifies it
func (s *CascadeSet) ClassifyImage(data []byte) (detector.Detection, error) {
	if len(data) == 0 {
		return detector.Detection{}, detector.ErrDecode
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return detector.Detection{}, fmt.Errorf("%w: %v", detector.ErrDecode, err)
	}
	defer img.Close()

	if img.Empty() {
		return detector.Detection{}, detector.ErrDecode
	}

	d := s.Detect(img)
	s.logger.Debug("Classified uploaded image",
		"faces", d.Faces,
		"upper_bodies", d.UpperBodies,
		"full_bodies", d.FullBodies)
	return d, nil
}

// Close releases the native classifiers
func (s *CascadeSet) Close() error {
	for _, c := range []*cascade{s.face, s.upperBody, s.fullBody} {
		if c != nil {
			c.classifier.Close()
		}
	}
	return nil
}
