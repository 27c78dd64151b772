package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/types"
)

// Crop is the per-WD rectangle cut from each captured frame.
type Crop struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Gate answers whether frames may be published for a WD right now: the WD
// must have a READY instance and the cam add-on.
type Gate func(wdid string) bool

// Publisher delivers one cropped frame for a WD to the upstream ingest.
type Publisher interface {
	Publish(wdid string, jpegData []byte) error
	Close() error
}

// maxReadRetries bounds transient capture failures before the pipeline
// surfaces CameraDown.
const maxReadRetries = 5

// retryBackoffBase scales the capture retry backoff; tests shrink it.
var retryBackoffBase = time.Second

// Pipeline runs a single capture loop feeding the crops of many WDs.
type Pipeline struct {
	CameraID string

	capturer  Capturer
	publisher Publisher
	gate      Gate
	onDown    func(error)

	mu    sync.RWMutex
	crops map[string]Crop

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	once    sync.Once
}

// NewPipeline assembles a pipeline. onDown is called once if capture fails
// past the retry cap; it may be nil.
func NewPipeline(cameraID string, capturer Capturer, publisher Publisher, gate Gate, crops map[string]Crop, onDown func(error)) *Pipeline {
	cp := make(map[string]Crop, len(crops))
	for k, v := range crops {
		cp[k] = v
	}
	return &Pipeline{
		CameraID:  cameraID,
		capturer:  capturer,
		publisher: publisher,
		gate:      gate,
		onDown:    onDown,
		crops:     cp,
		done:      make(chan struct{}),
	}
}

// SetCrop adds or replaces the rectangle for a WD while running.
func (p *Pipeline) SetCrop(wdid string, crop Crop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crops[wdid] = crop
}

// WDIDs returns the WDs this pipeline feeds.
func (p *Pipeline) WDIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.crops))
	for wdid := range p.crops {
		out = append(out, wdid)
	}
	return out
}

// Start opens the capturer and begins the capture/crop/publish loop.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := p.capturer.Open(runCtx); err != nil {
		cancel()
		return err
	}
	p.cancel = cancel
	p.started = true
	go p.run(runCtx)
	return nil
}

// Stop halts capture and closes the publisher. Idempotent.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.started {
			<-p.done
		}
		p.capturer.Close()
		p.publisher.Close()
	})
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	logger := log.For("camera")
	retries := 0

	for ctx.Err() == nil {
		frame, err := p.capturer.Frame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retries++
			if retries > maxReadRetries {
				logger.Error().Err(err).Str("camera", p.CameraID).Msg("capture failed repeatedly; camera down")
				if p.onDown != nil {
					p.onDown(types.ErrCameraDown)
				}
				return
			}
			logger.Warn().Err(err).Int("retry", retries).Msg("capture read failed; backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(retries) * retryBackoffBase):
			}
			continue
		}
		retries = 0

		p.mu.RLock()
		crops := make(map[string]Crop, len(p.crops))
		for k, v := range p.crops {
			crops[k] = v
		}
		p.mu.RUnlock()

		var decoded image.Image
		for wdid, crop := range crops {
			if p.gate != nil && !p.gate(wdid) {
				continue
			}

			out := frame
			if !crop.zero() {
				if decoded == nil {
					img, err := jpeg.Decode(bytes.NewReader(frame))
					if err != nil {
						logger.Warn().Err(err).Msg("frame decode failed; dropping")
						break
					}
					decoded = img
				}
				cropped, err := cropImage(decoded, crop)
				if err != nil {
					logger.Warn().Err(err).Str("wdid", wdid).Msg("crop failed; dropping")
					continue
				}
				out = cropped
			}

			if err := p.publisher.Publish(wdid, out); err != nil {
				metrics.CamFramesDropped.Inc()
				logger.Debug().Err(err).Str("wdid", wdid).Msg("frame publish failed; dropped")
				continue
			}
			metrics.CamFramesPublished.WithLabelValues(wdid).Inc()
		}
	}
}

func (c Crop) zero() bool {
	return c.X0 == 0 && c.Y0 == 0 && c.X1 == 0 && c.Y1 == 0
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func cropImage(img image.Image, crop Crop) ([]byte, error) {
	rect := image.Rect(crop.X0, crop.Y0, crop.X1, crop.Y1).Intersect(img.Bounds())
	si, ok := img.(subImager)
	var region image.Image
	if ok {
		region = si.SubImage(rect)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		for y := 0; y < rect.Dy(); y++ {
			for x := 0; x < rect.Dx(); x++ {
				dst.Set(x, y, img.At(rect.Min.X+x, rect.Min.Y+y))
			}
		}
		region = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, region, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL renders a frame the way the upstream ingest expects it.
func DataURL(jpegData []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
}
