package photo

import (
	"context"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
)

// SessionHandle identifies one open connection on a Device. Its contents are
// owned by the Device implementation.
type SessionHandle string

// ItemRef references a volume, folder or file on the device's removable
// storage. Refs are only meaningful to the Device that returned them.
type ItemRef string

// Command is a device command code.
type Command uint32

const (
	CommandTakePicture Command = 0x00000000
)

// PropertyID is a device property code.
type PropertyID uint32

const (
	PropertySaveTo PropertyID = 0x00000001
)

// SaveToCard directs captures to the camera's removable storage.
const SaveToCard uint32 = 1

// ItemInfo describes one directory item on the device.
type ItemInfo struct {
	Name     string
	Size     uint64
	IsFolder bool
}

// Device is the narrow capability surface the engine needs from a vendor SDK
// adapter. Calls are blocking; the engine never issues two at once on the
// same handle.
type Device interface {
	OpenSession(ctx context.Context) (SessionHandle, error)
	CloseSession(ctx context.Context, handle SessionHandle) error
	SendCommand(ctx context.Context, handle SessionHandle, cmd Command) error
	SetProperty(ctx context.Context, handle SessionHandle, prop PropertyID, value uint32) error

	EnumerateVolumes(ctx context.Context, handle SessionHandle) ([]ItemRef, error)
	EnumerateChildren(ctx context.Context, ref ItemRef) ([]ItemRef, error)
	GetItemInfo(ctx context.Context, ref ItemRef) (ItemInfo, error)

	// Download streams exactly size bytes of ref into dst.
	Download(ctx context.Context, ref ItemRef, size uint64, dst io.Writer) error
	CompleteDownload(ctx context.Context, ref ItemRef) error
	DeleteItem(ctx context.Context, ref ItemRef) error
	FormatVolume(ctx context.Context, volume ItemRef) error

	// PollEvents lets the device deliver pending notifications. Registered
	// callbacks may run inside this call.
	PollEvents(ctx context.Context) error
	// OnItemCreated registers fn for device-originated item creation events
	// and returns the matching unregister function.
	OnItemCreated(fn func(ItemRef)) (unregister func(), err error)
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".cr2":  {},
	".cr3":  {},
	".raw":  {},
}

// IsImageName reports whether name carries one of the recognised image
// extensions (case-insensitive).
func IsImageName(name string) bool {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	_, ok := imageExtensions[ext]
	return ok
}

// FileRecord is one item observed on removable storage.
type FileRecord struct {
	Ref    ItemRef
	Name   string
	Size   uint64
	Folder ItemRef
}

// IsImage reports whether the record is classified as an image.
func (f FileRecord) IsImage() bool {
	return IsImageName(f.Name)
}

// DedupKey identifies the item well enough to avoid downloading it twice.
func (f FileRecord) DedupKey() string {
	return dedupKey(f.Name, f.Size)
}

func dedupKey(name string, size uint64) string {
	return name + "_" + strconv.FormatUint(size, 10)
}

// lockedDevice serialises every capability call behind one I/O lock. The lock
// is held for the duration of a single call only.
type lockedDevice struct {
	mu    sync.Mutex
	inner Device
}

func newLockedDevice(inner Device) *lockedDevice {
	return &lockedDevice{inner: inner}
}

func (d *lockedDevice) OpenSession(ctx context.Context) (SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.OpenSession(ctx)
}

func (d *lockedDevice) CloseSession(ctx context.Context, handle SessionHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.CloseSession(ctx, handle)
}

func (d *lockedDevice) SendCommand(ctx context.Context, handle SessionHandle, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.SendCommand(ctx, handle, cmd)
}

func (d *lockedDevice) SetProperty(ctx context.Context, handle SessionHandle, prop PropertyID, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.SetProperty(ctx, handle, prop, value)
}

func (d *lockedDevice) EnumerateVolumes(ctx context.Context, handle SessionHandle) ([]ItemRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.EnumerateVolumes(ctx, handle)
}

func (d *lockedDevice) EnumerateChildren(ctx context.Context, ref ItemRef) ([]ItemRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.EnumerateChildren(ctx, ref)
}

func (d *lockedDevice) GetItemInfo(ctx context.Context, ref ItemRef) (ItemInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.GetItemInfo(ctx, ref)
}

func (d *lockedDevice) Download(ctx context.Context, ref ItemRef, size uint64, dst io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.Download(ctx, ref, size, dst)
}

func (d *lockedDevice) CompleteDownload(ctx context.Context, ref ItemRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.CompleteDownload(ctx, ref)
}

func (d *lockedDevice) DeleteItem(ctx context.Context, ref ItemRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.DeleteItem(ctx, ref)
}

func (d *lockedDevice) FormatVolume(ctx context.Context, volume ItemRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.FormatVolume(ctx, volume)
}

// PollEvents holds the lock while the device delivers notifications, so
// callbacks must not call back into the device synchronously.
func (d *lockedDevice) PollEvents(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.PollEvents(ctx)
}

func (d *lockedDevice) OnItemCreated(fn func(ItemRef)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner.OnItemCreated(fn)
}
