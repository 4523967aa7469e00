package simcam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/parker-ryan1/photo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	volumeRef   photo.ItemRef = "/"
	dcimDir                   = "/DCIM"
	filesPerDir               = 9999
)

var ErrSessionClosed = errors.New("simcam: no open session")

// Options controls the simulated camera. Failure counters apply to the first
// N calls of each kind.
type Options struct {
	// Card backs the removable storage; defaults to an in-memory filesystem.
	Card      afero.Fs
	FrameSize int
	// Preload places this many images on the card before the first session.
	Preload int

	OpenFailures     int
	CaptureFailures  int
	DownloadFailures int
	FormatFailures   int
}

// Camera implements photo.Device over an afero filesystem laid out like a
// camera card (/DCIM/100CANON/IMG_0001.JPG). Captures queue item-created
// events that are delivered on the next PollEvents.
type Camera struct {
	card      afero.Fs
	frameSize int

	mu          sync.Mutex
	session     photo.SessionHandle
	sessions    int
	shots       int
	saveTo      uint32
	pending     []photo.ItemRef
	subscribers map[int]func(photo.ItemRef)
	nextSub     int

	openFailures     int
	captureFailures  int
	downloadFailures int
	formatFailures   int
}

// New builds a simulated camera.
func New(opts Options) (*Camera, error) {
	card := opts.Card
	if card == nil {
		card = afero.NewMemMapFs()
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = 256 << 10
	}
	c := &Camera{
		card:             card,
		frameSize:        opts.FrameSize,
		subscribers:      make(map[int]func(photo.ItemRef)),
		openFailures:     opts.OpenFailures,
		captureFailures:  opts.CaptureFailures,
		downloadFailures: opts.DownloadFailures,
		formatFailures:   opts.FormatFailures,
	}
	if err := card.MkdirAll(c.folderFor(1), 0o755); err != nil {
		return nil, errors.Wrap(err, "simcam: prepare card")
	}
	for i := 0; i < opts.Preload; i++ {
		if _, err := c.writeShot(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Card exposes the simulated storage for inspection.
func (c *Camera) Card() afero.Fs { return c.card }

// Shots is the number of frames the shutter has fired.
func (c *Camera) Shots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shots
}

func (c *Camera) folderFor(n int) string {
	return path.Join(dcimDir, fmt.Sprintf("%03dCANON", 100+(n-1)/filesPerDir))
}

// writeShot stores the next frame; callers hold c.mu or own c exclusively.
func (c *Camera) writeShot() (photo.ItemRef, error) {
	c.shots++
	dir := c.folderFor(c.shots)
	if err := c.card.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "simcam: create folder")
	}
	name := path.Join(dir, fmt.Sprintf("IMG_%04d.JPG", (c.shots-1)%filesPerDir+1))
	data := bytes.Repeat([]byte{byte(c.shots)}, c.frameSize)
	if err := afero.WriteFile(c.card, name, data, 0o644); err != nil {
		return "", errors.Wrap(err, "simcam: write frame")
	}
	return photo.ItemRef(name), nil
}

func (c *Camera) checkHandle(handle photo.SessionHandle) error {
	if c.session == "" || handle != c.session {
		return ErrSessionClosed
	}
	return nil
}

func (c *Camera) OpenSession(ctx context.Context) (photo.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openFailures > 0 {
		c.openFailures--
		return "", errors.New("simcam: device busy")
	}
	c.sessions++
	c.session = photo.SessionHandle(fmt.Sprintf("simcam-%d", c.sessions))
	log.Debug().Str("component", "simcam").Str("handle", string(c.session)).Msg("session opened")
	return c.session, nil
}

func (c *Camera) CloseSession(ctx context.Context, handle photo.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkHandle(handle); err != nil {
		return err
	}
	c.session = ""
	return nil
}

func (c *Camera) SendCommand(ctx context.Context, handle photo.SessionHandle, cmd photo.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkHandle(handle); err != nil {
		return err
	}
	if cmd != photo.CommandTakePicture {
		return errors.Errorf("simcam: unsupported command %#x", uint32(cmd))
	}
	if c.captureFailures > 0 {
		c.captureFailures--
		return errors.New("simcam: shutter busy")
	}
	ref, err := c.writeShot()
	if err != nil {
		return err
	}
	c.pending = append(c.pending, ref)
	return nil
}

func (c *Camera) SetProperty(ctx context.Context, handle photo.SessionHandle, prop photo.PropertyID, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkHandle(handle); err != nil {
		return err
	}
	if prop != photo.PropertySaveTo {
		return errors.Errorf("simcam: unsupported property %#x", uint32(prop))
	}
	c.saveTo = value
	return nil
}

func (c *Camera) EnumerateVolumes(ctx context.Context, handle photo.SessionHandle) ([]photo.ItemRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkHandle(handle); err != nil {
		return nil, err
	}
	return []photo.ItemRef{volumeRef}, nil
}

// EnumerateChildren lists a folder in name order, which for camera folders
// is also creation order.
func (c *Camera) EnumerateChildren(ctx context.Context, ref photo.ItemRef) ([]photo.ItemRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := afero.ReadDir(c.card, string(ref))
	if err != nil {
		return nil, errors.Wrapf(err, "simcam: list %s", ref)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	out := make([]photo.ItemRef, 0, len(entries))
	for _, e := range entries {
		out = append(out, photo.ItemRef(path.Join(string(ref), e.Name())))
	}
	return out, nil
}

func (c *Camera) GetItemInfo(ctx context.Context, ref photo.ItemRef) (photo.ItemInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, err := c.card.Stat(string(ref))
	if err != nil {
		return photo.ItemInfo{}, errors.Wrapf(err, "simcam: stat %s", ref)
	}
	return photo.ItemInfo{Name: info.Name(), Size: uint64(info.Size()), IsFolder: info.IsDir()}, nil
}

func (c *Camera) Download(ctx context.Context, ref photo.ItemRef, size uint64, dst io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" {
		return ErrSessionClosed
	}
	f, err := c.card.Open(string(ref))
	if err != nil {
		return errors.Wrapf(err, "simcam: open %s", ref)
	}
	defer f.Close()
	if c.downloadFailures > 0 {
		c.downloadFailures--
		_, _ = io.CopyN(dst, f, int64(size/2))
		return errors.New("simcam: transfer interrupted")
	}
	if _, err := io.CopyN(dst, f, int64(size)); err != nil {
		return errors.Wrapf(err, "simcam: read %s", ref)
	}
	return nil
}

func (c *Camera) CompleteDownload(ctx context.Context, ref photo.ItemRef) error {
	return nil
}

func (c *Camera) DeleteItem(ctx context.Context, ref photo.ItemRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" {
		return ErrSessionClosed
	}
	if err := c.card.Remove(string(ref)); err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf("simcam: %s not on card", ref)
		}
		return errors.Wrapf(err, "simcam: delete %s", ref)
	}
	return nil
}

// FormatVolume empties the card but keeps the current folder, like the
// camera does; the file counter carries on.
func (c *Camera) FormatVolume(ctx context.Context, volume photo.ItemRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" {
		return ErrSessionClosed
	}
	if volume != volumeRef {
		return errors.Errorf("simcam: unknown volume %s", volume)
	}
	if c.formatFailures > 0 {
		c.formatFailures--
		return errors.New("simcam: format rejected")
	}
	if err := c.card.RemoveAll(dcimDir); err != nil {
		return errors.Wrap(err, "simcam: format")
	}
	c.pending = nil
	return c.card.MkdirAll(c.folderFor(c.shots+1), 0o755)
}

// PollEvents delivers queued item-created events. Subscribers run on the
// caller's goroutine after the camera's own lock is released.
func (c *Camera) PollEvents(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	subs := make([]func(photo.ItemRef), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	open := c.session != ""
	c.mu.Unlock()

	if !open {
		return ErrSessionClosed
	}
	for _, ref := range pending {
		for _, fn := range subs {
			fn(ref)
		}
	}
	return nil
}

func (c *Camera) OnItemCreated(fn func(photo.ItemRef)) (func(), error) {
	if fn == nil {
		return nil, errors.New("simcam: nil subscriber")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subscribers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}, nil
}

// Subscribers reports how many notification subscribers are registered.
func (c *Camera) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Files lists the image paths currently on the card.
func (c *Camera) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	_ = afero.Walk(c.card, dcimDir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(strings.ToUpper(p), ".JPG") {
			out = append(out, p)
		}
		return nil
	})
	sort.Strings(out)
	return out
}
