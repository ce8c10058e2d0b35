package opencv

import (
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/saaga0h/jeeves-presence/internal/detector"
)

// Camera reads frames from a local capture device and classifies them
type Camera struct {
	capture  *gocv.VideoCapture
	cascades *CascadeSet
	frame    gocv.Mat
	logger   *slog.Logger
}

// OpenCamera opens a capture device. The camera owns the cascade set and
// closes it with the device.
func OpenCamera(deviceID int, cascades *CascadeSet, logger *slog.Logger) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("opening capture device %d: %w", deviceID, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("capture device %d is not available", deviceID)
	}

	logger.Info("Camera initialized", "device", deviceID)

	return &Camera{
		capture:  capture,
		cascades: cascades,
		frame:    gocv.NewMat(),
		logger:   logger,
	}, nil
}

// Capture grabs one frame and classifies it
func (c *Camera) Capture() (detector.Detection, error) {
	if ok := c.capture.Read(&c.frame); !ok || c.frame.Empty() {
		return detector.Detection{}, detector.ErrNoFrame
	}
	return c.cascades.Detect(c.frame), nil
}

// Close releases the capture device, frame buffer and cascades
func (c *Camera) Close() error {
	c.logger.Info("Releasing camera")
	c.frame.Close()
	c.cascades.Close()
	return c.capture.Close()
}

var _ detector.Camera = (*Camera)(nil)
var _ detector.Classifier = (*CascadeSet)(nil)
