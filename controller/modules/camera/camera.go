package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"github.com/robfig/cron/v3"

	"github.com/cja-skyfarms/skyfarm-pi/controller"
)

const (
	Bucket      = "camera"
	ImageBucket = "camera_images"
)

const captureTimeout = 30 * time.Second

type Config struct {
	ID     string `json:"id"`
	Enable bool   `json:"enable"`

	Device    string `json:"device"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	PeriodSec int    `json:"period_sec"`

	// ThumbWidth is the pixel width of generated thumbnails.
	ThumbWidth uint `json:"thumb_width"`

	// KeepCount caps how many captures (and their thumbnails) are retained.
	KeepCount int `json:"keep_count"`

	ImageDir string `json:"image_dir"`
}

func DefaultConfig() Config {
	return Config{
		ID:         "default",
		Device:     "/dev/video0",
		Width:      1280,
		Height:     720,
		PeriodSec:  3600,
		ThumbWidth: 320,
		KeepCount:  168,
	}
}

// Image is one stored capture.
type Image struct {
	ID    string `json:"id"`
	Time  string `json:"time"`
	Path  string `json:"path"`
	Thumb string `json:"thumb"`
}

func (i Image) EID() string   { return i.ID }
func (i Image) EName() string { return i.Time }

// Controller periodically grabs grow-room stills for remote inspection and
// timelapse assembly.
type Controller struct {
	c controller.Controller

	mu     sync.Mutex
	runner *cron.Cron

	// capture grabs one frame into path; swapped for a generator in tests
	// and dev mode.
	capture func(cfg Config, path string) error
}

func New(c controller.Controller) (*Controller, error) {
	for _, b := range []string{Bucket, ImageBucket} {
		if err := c.Store().CreateBucket(b); err != nil {
			return nil, err
		}
	}
	m := &Controller{c: c}
	if c.Opts().DevMode {
		m.capture = generateFrame
	} else {
		m.capture = fswebcamCapture
	}
	return m, nil
}

func (m *Controller) Setup() error {
	var cfg Config
	if err := m.c.Store().Get(Bucket, "default", &cfg); err != nil {
		return m.c.Store().CreateWithID(Bucket, "default", DefaultConfig())
	}
	return nil
}

func (m *Controller) GetConfig() (Config, error) {
	var cfg Config
	return cfg, m.c.Store().Get(Bucket, "default", &cfg)
}

func (m *Controller) setConfig(cfg Config) error {
	cfg.ID = "default"
	return m.c.Store().Update(Bucket, "default", &cfg)
}

func (m *Controller) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runner != nil {
		return
	}
	cfg, err := m.GetConfig()
	if err != nil {
		m.c.LogError("camera", "failed to load config: "+err.Error())
		return
	}
	if !cfg.Enable {
		return
	}
	m.runner = cron.New()
	spec := fmt.Sprintf("@every %ds", cfg.PeriodSec)
	if _, err := m.runner.AddFunc(spec, func() {
		if _, err := m.Shoot(); err != nil {
			m.c.LogError("camera", "capture failed: "+err.Error())
		}
	}); err != nil {
		m.c.LogError("camera", "failed to schedule capture: "+err.Error())
		m.runner = nil
		return
	}
	m.runner.Start()
}

func (m *Controller) Stop() {
	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
}

func (m *Controller) imageDir(cfg Config) string {
	if cfg.ImageDir != "" {
		return cfg.ImageDir
	}
	return filepath.Join(m.c.Opts().DataDir, "images")
}

// Shoot captures one frame, writes its thumbnail, records it and applies
// retention.
func (m *Controller) Shoot() (Image, error) {
	cfg, err := m.GetConfig()
	if err != nil {
		return Image{}, err
	}
	dir := m.imageDir(cfg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Image{}, err
	}
	now := time.Now()
	name := now.Format("20060102-150405.000") + ".jpg"
	path := filepath.Join(dir, name)
	if err := m.capture(cfg, path); err != nil {
		return Image{}, err
	}

	thumb := filepath.Join(dir, "thumb-"+name)
	if err := writeThumbnail(path, thumb, cfg.ThumbWidth); err != nil {
		m.c.LogError("camera", "thumbnail failed: "+err.Error())
		thumb = ""
	}

	img := Image{Time: now.Format("2006-01-02 15:04:05"), Path: path, Thumb: thumb}
	fn := func(id string) interface{} {
		img.ID = id
		return &img
	}
	if err := m.c.Store().Create(ImageBucket, fn); err != nil {
		return Image{}, err
	}
	m.c.Telemetry().EmitMetric("camera", "captures", 1)
	if err := m.applyRetention(cfg); err != nil {
		m.c.LogError("camera", "retention failed: "+err.Error())
	}
	return img, nil
}

// applyRetention deletes the oldest captures beyond KeepCount, files
// included.
func (m *Controller) applyRetention(cfg Config) error {
	if cfg.KeepCount <= 0 {
		return nil
	}
	images, err := m.List()
	if err != nil {
		return err
	}
	if len(images) <= cfg.KeepCount {
		return nil
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Time < images[j].Time })
	for _, old := range images[:len(images)-cfg.KeepCount] {
		if err := m.c.Store().Delete(ImageBucket, old.ID); err != nil {
			return err
		}
		os.Remove(old.Path)
		if old.Thumb != "" {
			os.Remove(old.Thumb)
		}
	}
	return nil
}

func (m *Controller) List() ([]Image, error) {
	images := []Image{}
	err := m.c.Store().List(ImageBucket, func(_ string, v []byte) error {
		var img Image
		if err := json.Unmarshal(v, &img); err != nil {
			return err
		}
		images = append(images, img)
		return nil
	})
	return images, err
}

// Latest returns the most recent capture.
func (m *Controller) Latest() (Image, error) {
	images, err := m.List()
	if err != nil {
		return Image{}, err
	}
	if len(images) == 0 {
		return Image{}, fmt.Errorf("no captures yet")
	}
	latest := images[0]
	for _, img := range images[1:] {
		if img.Time > latest.Time {
			latest = img
		}
	}
	return latest, nil
}

// On toggles periodic capture.
func (m *Controller) On(id string, b bool) error {
	cfg, err := m.GetConfig()
	if err != nil {
		return err
	}
	cfg.Enable = b
	if err := m.setConfig(cfg); err != nil {
		return err
	}
	m.Stop()
	m.Start()
	return nil
}

func (m *Controller) InUse(depType, id string) ([]string, error) {
	return []string{}, nil
}

func (m *Controller) GetEntity(id string) (controller.Entity, error) {
	var img Image
	return img, m.c.Store().Get(ImageBucket, id, &img)
}

// fswebcamCapture shells out to fswebcam, the standard V4L2 still grabber.
func fswebcamCapture(cfg Config, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	args := []string{
		"-d", cfg.Device,
		"-r", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"--no-banner",
		"-D", "1",
		path,
	}
	out, err := exec.CommandContext(ctx, "fswebcam", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("fswebcam: %v (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}

// generateFrame writes a synthetic gradient frame so dev-mode machines
// without a camera still exercise the full pipeline.
func generateFrame(cfg Config, path string) error {
	w, h := cfg.Width, cfg.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 128,
				A: 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: 85})
}

func writeThumbnail(src, dst string, width uint) error {
	if width == 0 {
		width = 320
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return err
	}
	thumb := resize.Resize(width, 0, img, resize.Lanczos3)
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	return jpeg.Encode(out, thumb, &jpeg.Options{Quality: 80})
}
