package stream

import (
	"bytes"
	"fmt"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"video-adapter/media"
)

// captureRequest is the single outstanding snapshot request of an adapter.
// The loop marks it taken and hands back the worker's result channel.
type captureRequest struct {
	taken     atomic.Bool
	submitted chan (<-chan bool)
}

func newCaptureRequest() *captureRequest {
	return &captureRequest{submitted: make(chan (<-chan bool), 1)}
}

// settle reports an immediate result without going through the worker.
func (r *captureRequest) settle(ok bool) {
	res := make(chan bool, 1)
	res <- ok
	r.submitted <- res
}

type captureJob struct {
	frame  media.Frame
	dir    string
	result chan bool
}

// captureWorker renders frame clones to PNG files on a single goroutine.
type captureWorker struct {
	jobs    chan captureJob
	release func(media.Frame)
	now     func() time.Time
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func newCaptureWorker(release func(media.Frame), now func() time.Time, logger *zap.Logger) *captureWorker {
	w := &captureWorker{
		jobs:    make(chan captureJob, 1),
		release: release,
		now:     now,
		logger:  logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// submit queues a job without blocking. The clone is released here when the
// worker is busy.
func (w *captureWorker) submit(frame media.Frame, dir string) (<-chan bool, bool) {
	job := captureJob{frame: frame, dir: dir, result: make(chan bool, 1)}
	select {
	case w.jobs <- job:
		return job.result, true
	default:
		w.release(frame)
		return nil, false
	}
}

func (w *captureWorker) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		job.result <- w.capture(job)
	}
}

func (w *captureWorker) capture(job captureJob) bool {
	defer w.release(job.frame)

	path, err := freeCapturePath(job.dir, w.now())
	if err != nil {
		w.logger.Error("Capture failed", zap.Error(err))
		return false
	}
	if err := writePNG(job.frame, path); err != nil {
		w.logger.Error("Capture failed", zap.String("path", path), zap.Error(err))
		return false
	}

	w.logger.Info("Capture written", zap.String("path", path))
	return true
}

// close stops the worker after pending jobs finish. No submit may follow.
func (w *captureWorker) close() {
	close(w.jobs)
	w.wg.Wait()
}

func writePNG(f media.Frame, path string) error {
	img, err := f.Image()
	if err != nil {
		return fmt.Errorf("failed to render frame: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
