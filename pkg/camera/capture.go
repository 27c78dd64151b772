package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rerobots/hardshare/pkg/types"
)

// Capturer yields encoded JPEG frames from a camera device. The production
// backend shells out to ffmpeg; tests substitute a synthetic source.
type Capturer interface {
	Open(ctx context.Context) error
	// Frame blocks until the next JPEG frame is available.
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

// DefaultFrameRate is the capture target in frames per second.
const DefaultFrameRate = 5

// FFmpegCapturer reads MJPEG from ffmpeg attached to a V4L device.
type FFmpegCapturer struct {
	Device string
	Width  int
	Height int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	frames chan []byte
	errs   chan error
}

// NewFFmpegCapturer builds a capturer for the device; width/height of 0
// keep the camera's native format.
func NewFFmpegCapturer(device string, width, height int) *FFmpegCapturer {
	return &FFmpegCapturer{Device: device, Width: width, Height: height}
}

func (c *FFmpegCapturer) Open(ctx context.Context) error {
	args := []string{
		"-loglevel", "error",
		"-f", "v4l2",
		"-i", c.Device,
		"-vf", fmt.Sprintf("fps=%d", DefaultFrameRate),
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-s", strconv.Itoa(c.Width)+"x"+strconv.Itoa(c.Height))
	}
	args = append(args, "-c:v", "mjpeg", "-q:v", "5", "-f", "mjpeg", "pipe:1")

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: ffmpeg not installed", types.ErrCaptureOpenFailed)
		}
		return fmt.Errorf("%w: %v", types.ErrCaptureOpenFailed, err)
	}

	c.cmd = cmd
	c.stdout = stdout
	c.frames = make(chan []byte, 4)
	c.errs = make(chan error, 1)
	go c.split()
	return nil
}

// split scans the MJPEG byte stream for SOI/EOI markers and emits whole
// JPEG frames.
func (c *FFmpegCapturer) split() {
	defer close(c.frames)
	reader := bufio.NewReaderSize(c.stdout, 1<<20)
	var buf bytes.Buffer
	inFrame := false
	var prev byte

	for {
		b, err := reader.ReadByte()
		if err != nil {
			c.errs <- fmt.Errorf("%w: %v", types.ErrCameraDown, err)
			return
		}
		if !inFrame {
			if prev == 0xFF && b == 0xD8 {
				inFrame = true
				buf.Reset()
				buf.WriteByte(0xFF)
				buf.WriteByte(0xD8)
			}
			prev = b
			continue
		}

		buf.WriteByte(b)
		if prev == 0xFF && b == 0xD9 {
			frame := make([]byte, buf.Len())
			copy(frame, buf.Bytes())
			select {
			case c.frames <- frame:
			default:
				// Consumer is behind; drop this newest frame and keep the queued ones.
			}
			inFrame = false
			prev = 0
			continue
		}
		prev = b
	}
}

func (c *FFmpegCapturer) Frame(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			select {
			case err := <-c.errs:
				return nil, err
			default:
				return nil, types.ErrCameraDown
			}
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FFmpegCapturer) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	c.cmd.Process.Signal(syscall.SIGINT)
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.cmd.Process.Kill()
		<-done
	}
	c.cmd = nil
	return nil
}
