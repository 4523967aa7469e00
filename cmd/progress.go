package main

import (
	"io"
	"sync"
	"time"

	"github.com/parker-ryan1/photo"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// pullProgress renders one bar per transfer.
type pullProgress struct {
	p     *mpb.Progress
	style mpb.BarStyleComposer

	mu   sync.Mutex
	bars map[string]*mpb.Bar
}

func newPullProgress(out io.Writer) *pullProgress {
	return &pullProgress{
		p:     mpb.New(mpb.WithWidth(64), mpb.WithOutput(out), mpb.WithRefreshRate(100*time.Millisecond)),
		style: mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟"),
		bars:  make(map[string]*mpb.Bar),
	}
}

func (pp *pullProgress) Started(f photo.FileRecord) io.Writer {
	bar := pp.p.New(int64(f.Size),
		pp.style,
		mpb.PrependDecorators(
			decor.Name(f.Name, decor.WC{W: len(f.Name) + 1, C: decor.DindentRight}),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
		),
	)
	pp.mu.Lock()
	pp.bars[f.DedupKey()] = bar
	pp.mu.Unlock()
	return barWriter{bar: bar}
}

func (pp *pullProgress) Finished(f photo.FileRecord, err error) {
	pp.mu.Lock()
	bar := pp.bars[f.DedupKey()]
	delete(pp.bars, f.DedupKey())
	pp.mu.Unlock()
	if bar == nil {
		return
	}
	if err != nil {
		bar.Abort(false)
		return
	}
	bar.SetTotal(-1, true)
}

// Wait flushes the remaining bars.
func (pp *pullProgress) Wait() {
	pp.p.Wait()
}

type barWriter struct {
	bar *mpb.Bar
}

func (w barWriter) Write(p []byte) (int, error) {
	w.bar.IncrBy(len(p))
	return len(p), nil
}
