package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

type stubItem struct {
	name     string
	size     uint64
	folder   bool
	children []ItemRef
}

// stubDevice is an in-memory Device with per-call failure injection.
type stubDevice struct {
	mu sync.Mutex

	items   map[ItemRef]*stubItem
	volumes []ItemRef
	nextID  int

	openErrs     []error
	openCalls    int
	closeCalls   int
	setPropErr   error
	setPropCalls int

	captureErrs     []error
	captureCalls    int
	captureAddsFile bool
	captureFolder   ItemRef

	downloadErrs  map[string][]error
	downloadCalls map[string]int
	shortBy       uint64

	deleteErr   error
	deleted     []string
	formatErr   error
	formatCalls int
	enumErr     error

	callbacks    map[int]func(ItemRef)
	registerErrs []error
	pending      []ItemRef
	pollErrs     []error
	pollCalls    int
	events       []string
}

func newStubDevice() *stubDevice {
	d := &stubDevice{
		items:         make(map[ItemRef]*stubItem),
		downloadErrs:  make(map[string][]error),
		downloadCalls: make(map[string]int),
		callbacks:     make(map[int]func(ItemRef)),
	}
	d.volumes = []ItemRef{d.addItem("", &stubItem{name: "SD", folder: true})}
	dcim := d.addItem(d.volumes[0], &stubItem{name: "DCIM", folder: true})
	d.captureFolder = d.addItem(dcim, &stubItem{name: "100CANON", folder: true})
	return d
}

func (d *stubDevice) addItem(parent ItemRef, it *stubItem) ItemRef {
	d.nextID++
	ref := ItemRef(fmt.Sprintf("item-%d", d.nextID))
	d.items[ref] = it
	if parent != "" {
		p := d.items[parent]
		p.children = append(p.children, ref)
	}
	return ref
}

func (d *stubDevice) addFolder(name string) ItemRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	dcim := d.items[d.volumes[0]].children[0]
	return d.addItem(dcim, &stubItem{name: name, folder: true})
}

func (d *stubDevice) addFile(folder ItemRef, name string, size uint64) ItemRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addItem(folder, &stubItem{name: name, size: size})
}

func (d *stubDevice) downloads(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloadCalls[name]
}

func (d *stubDevice) deletedNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

func (d *stubDevice) log(event string) {
	d.events = append(d.events, event)
}

func (d *stubDevice) eventLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (d *stubDevice) OpenSession(ctx context.Context) (SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	d.log("open")
	if err := popErr(&d.openErrs); err != nil {
		return "", err
	}
	return SessionHandle(fmt.Sprintf("session-%d", d.openCalls)), nil
}

func (d *stubDevice) CloseSession(ctx context.Context, handle SessionHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	d.log("close")
	return nil
}

func (d *stubDevice) SendCommand(ctx context.Context, handle SessionHandle, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureCalls++
	d.log("capture")
	if err := popErr(&d.captureErrs); err != nil {
		return err
	}
	if d.captureAddsFile {
		name := fmt.Sprintf("IMG_%04d.JPG", d.captureCalls)
		ref := d.addItem(d.captureFolder, &stubItem{name: name, size: 64})
		d.pending = append(d.pending, ref)
	}
	return nil
}

func (d *stubDevice) SetProperty(ctx context.Context, handle SessionHandle, prop PropertyID, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setPropCalls++
	d.log("set_property")
	return d.setPropErr
}

func (d *stubDevice) EnumerateVolumes(ctx context.Context, handle SessionHandle) ([]ItemRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enumErr != nil {
		return nil, d.enumErr
	}
	return append([]ItemRef(nil), d.volumes...), nil
}

func (d *stubDevice) EnumerateChildren(ctx context.Context, ref ItemRef) ([]ItemRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[ref]
	if !ok {
		return nil, errors.New("no such item")
	}
	return append([]ItemRef(nil), it.children...), nil
}

func (d *stubDevice) GetItemInfo(ctx context.Context, ref ItemRef) (ItemInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[ref]
	if !ok {
		return ItemInfo{}, errors.New("no such item")
	}
	return ItemInfo{Name: it.name, Size: it.size, IsFolder: it.folder}, nil
}

func (d *stubDevice) Download(ctx context.Context, ref ItemRef, size uint64, dst io.Writer) error {
	d.mu.Lock()
	it, ok := d.items[ref]
	if !ok {
		d.mu.Unlock()
		return errors.New("no such item")
	}
	d.downloadCalls[it.name]++
	errs := d.downloadErrs[it.name]
	err := popErr(&errs)
	d.downloadErrs[it.name] = errs
	n := size - d.shortBy
	d.mu.Unlock()

	if err != nil {
		_, _ = dst.Write(bytes.Repeat([]byte{0xAB}, int(size/2)))
		return err
	}
	_, werr := dst.Write(bytes.Repeat([]byte{0xFF}, int(n)))
	return werr
}

func (d *stubDevice) CompleteDownload(ctx context.Context, ref ItemRef) error {
	return nil
}

func (d *stubDevice) DeleteItem(ctx context.Context, ref ItemRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	it, ok := d.items[ref]
	if !ok {
		return errors.New("no such item")
	}
	d.deleted = append(d.deleted, it.name)
	d.log("delete " + it.name)
	delete(d.items, ref)
	for _, parent := range d.items {
		for i, child := range parent.children {
			if child == ref {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (d *stubDevice) FormatVolume(ctx context.Context, volume ItemRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formatCalls++
	d.log("format")
	if d.formatErr != nil {
		return d.formatErr
	}
	// Formatting keeps the folder skeleton and drops files.
	for _, it := range d.items {
		if !it.folder {
			continue
		}
		var kept []ItemRef
		for _, child := range it.children {
			if d.items[child].folder {
				kept = append(kept, child)
			}
		}
		it.children = kept
	}
	for ref, it := range d.items {
		if !it.folder {
			delete(d.items, ref)
		}
	}
	return nil
}

func (d *stubDevice) PollEvents(ctx context.Context) error {
	d.mu.Lock()
	d.pollCalls++
	if err := popErr(&d.pollErrs); err != nil {
		d.mu.Unlock()
		return err
	}
	pending := d.pending
	d.pending = nil
	callbacks := make([]func(ItemRef), 0, len(d.callbacks))
	for _, cb := range d.callbacks {
		callbacks = append(callbacks, cb)
	}
	d.mu.Unlock()
	for _, ref := range pending {
		for _, cb := range callbacks {
			cb(ref)
		}
	}
	return nil
}

func (d *stubDevice) OnItemCreated(fn func(ItemRef)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := popErr(&d.registerErrs); err != nil {
		return nil, err
	}
	d.nextID++
	id := d.nextID
	d.callbacks[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.callbacks, id)
		d.mu.Unlock()
	}, nil
}

func (d *stubDevice) polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollCalls
}

func (d *stubDevice) closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

func (d *stubDevice) subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.callbacks)
}

// sleepRecorder replaces real sleeps in tests.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// readySession initializes a SessionManager over dev without real waits.
func readySession(dev Device) (*SessionManager, error) {
	m := NewSessionManager(dev, DefaultTimings(), nil)
	m.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	if err := m.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

type memRecorder struct {
	mu        sync.Mutex
	downloads []DownloadRecord
	sequences []SequenceRecord
}

func (r *memRecorder) RecordDownload(ctx context.Context, rec DownloadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads = append(r.downloads, rec)
	return nil
}

func (r *memRecorder) RecordSequence(ctx context.Context, rec SequenceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequences = append(r.sequences, rec)
	return nil
}
