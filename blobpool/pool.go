// Package blobpool downloads a manifest's config and layer blobs with a
// bounded pool of worker goroutines, handing each completed download to
// a single consumer in manifest order. It is grounded on
// original_source/src/unpacker/layers.rs (Download, AliveTracker,
// run_download), with golang.org/x/sync/errgroup standing in for that
// file's thread::scope the way google/go-containerregistry and
// bazel-contrib/rules_img use errgroup for bounded, joined fan-out.
package blobpool

import (
	"bufio"
	"container/list"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/labtable/oci-unpack-go/digestverify"
	"github.com/labtable/oci-unpack-go/manifest"
	"github.com/labtable/oci-unpack-go/rootfs"
)

// maxWorkers is the upper bound on concurrent blob downloads.
const maxWorkers = 8

// configFile is the name the config blob is stored under, directly in
// the target root.
const configFile = "config.json"

// blobFileMode is the permission downloaded blobs are created with;
// 0600 regardless of the task, matching §6's on-disk layout note.
const blobFileMode = 0o600

// downloadChunk is the buffer size used when copying a blob body into
// its scratch file, matching the 8 KiB chunking the event sink reports
// progress at.
const downloadChunk = 8 * 1024

// Downloader fetches a verified blob stream. ociclient.Client satisfies
// this directly.
type Downloader interface {
	DownloadBlob(digest digestverify.Digest) (io.ReadCloser, error)
}

// EventSink receives best-effort progress notifications. All methods
// are optional; embed NoopEventSink to satisfy the interface with
// no-ops.
type EventSink interface {
	DownloadStart(layerCount int, totalBytes int64)
	DownloadProgressBytes(n int)
}

// NoopEventSink implements EventSink with no-op methods.
type NoopEventSink struct{}

func (NoopEventSink) DownloadStart(int, int64)  {}
func (NoopEventSink) DownloadProgressBytes(int) {}

// ErrInterrupted is returned to a worker's caller when the pool's
// liveness flag is cleared mid-download, the same cooperative
// cancellation original_source's run_download implements by polling
// its AtomicBool.
var ErrInterrupted = fmt.Errorf("blobpool: interrupted")

// Task is one blob to fetch: the config blob (named, stored at
// configFile) or a layer (anonymous, O_TMPFILE).
type Task struct {
	Blob     manifest.Blob
	Filename string // "" for an anonymous layer temp file

	mu     sync.Mutex
	cond   *sync.Cond
	done   bool
	file   *os.File
	err    error
}

func newTask(blob manifest.Blob, filename string) *Task {
	t := &Task{Blob: blob, Filename: filename}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// complete stores this task's result and wakes its single waiter. It is
// called exactly once per task, by whichever worker popped it.
func (t *Task) complete(file *os.File, err error) {
	t.mu.Lock()
	t.file, t.err, t.done = file, err, true
	t.mu.Unlock()
	t.cond.Signal()
}

// Get blocks until the task's download has completed, then returns its
// result. It must be called exactly once per task.
func (t *Task) Get() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.done {
		t.cond.Wait()
	}
	return t.file, t.err
}

// Consume receives one downloaded blob, in manifest order, as soon as
// its download completes. isConfig is true exactly for the task stored
// at configFile; it is task identity, not a digest comparison, that
// distinguishes the config blob from a layer. Consume owns file and
// must close it.
type Consume func(blob manifest.Blob, isConfig bool, file *os.File) error

// Fetch downloads manifest's config and layer blobs into target using
// up to maxWorkers concurrent goroutines, handing each one to consume
// in manifest order (config first, then each layer) as soon as it is
// ready, so extraction can proceed while later layers are still being
// fetched. Fetch returns once every blob has been both downloaded and
// consumed, or the first error encountered.
func Fetch(downloader Downloader, target *rootfs.Directory, man manifest.Manifest, events EventSink, consume Consume) error {
	if events == nil {
		events = NoopEventSink{}
	}

	tasks := buildTasks(man)

	totalBytes := man.Config.Size
	for _, l := range man.Layers {
		totalBytes += l.Size
	}
	events.DownloadStart(len(man.Layers), totalBytes)

	var isAlive atomic.Bool
	isAlive.Store(true)
	defer isAlive.Store(false)

	pending := newQueue(tasks)

	var group errgroup.Group
	workers := min(maxWorkers, len(tasks))
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			for {
				task, ok := pending.pop()
				if !ok {
					return nil
				}
				runDownload(target, task, downloader, events, &isAlive)
			}
		})
	}

	// The first error clears the liveness flag right away, so workers
	// still downloading later blobs stop with ErrInterrupted instead of
	// running to completion.
	var consumeErr error
	for _, task := range tasks {
		file, err := task.Get()
		if err != nil {
			if consumeErr == nil {
				consumeErr = err
				isAlive.Store(false)
			}
			continue
		}
		if consumeErr == nil {
			if err := consume(task.Blob, task.Filename == configFile, file); err != nil {
				consumeErr = err
				isAlive.Store(false)
			}
		} else {
			file.Close()
		}
	}

	if err := group.Wait(); err != nil && consumeErr == nil {
		consumeErr = err
	}
	return consumeErr
}

func buildTasks(man manifest.Manifest) []*Task {
	tasks := make([]*Task, 0, len(man.Layers)+1)
	tasks = append(tasks, newTask(man.Config, configFile))
	for _, l := range man.Layers {
		tasks = append(tasks, newTask(l, ""))
	}
	return tasks
}

// queue is a FIFO of pending tasks guarded by a mutex, matching
// original_source's Mutex<VecDeque<_>>.
type queue struct {
	mu    sync.Mutex
	items *list.List
}

func newQueue(tasks []*Task) *queue {
	q := &queue{items: list.New()}
	for _, t := range tasks {
		q.items.PushBack(t)
	}
	return q
}

func (q *queue) pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(*Task), true
}

// runDownload performs one task's download and stores the result (an
// open, rewound-for-reading file, or an error) in its completion slot.
func runDownload(target *rootfs.Directory, task *Task, downloader Downloader, events EventSink, isAlive *atomic.Bool) {
	body, err := downloader.DownloadBlob(task.Blob.Digest)
	if err != nil {
		task.complete(nil, err)
		return
	}
	defer body.Close()

	var file *os.File
	if task.Filename != "" {
		file, err = target.Create(task.Filename, blobFileMode)
	} else {
		file, err = target.Tmpfile(blobFileMode)
	}
	if err != nil {
		task.complete(nil, fmt.Errorf("blobpool: %s: %w", task.Blob.Digest, err))
		return
	}

	writer := bufio.NewWriter(file)
	buf := make([]byte, downloadChunk)

	for {
		if !isAlive.Load() {
			file.Close()
			task.complete(nil, ErrInterrupted)
			return
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			events.DownloadProgressBytes(n)
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				file.Close()
				task.complete(nil, fmt.Errorf("blobpool: %s: %w", task.Blob.Digest, writeErr))
				return
			}
		}

		if readErr == io.EOF {
			if err := writer.Flush(); err != nil {
				file.Close()
				task.complete(nil, fmt.Errorf("blobpool: %s: %w", task.Blob.Digest, err))
				return
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				file.Close()
				task.complete(nil, fmt.Errorf("blobpool: %s: %w", task.Blob.Digest, err))
				return
			}
			task.complete(file, nil)
			return
		}
		if readErr != nil {
			file.Close()
			task.complete(nil, fmt.Errorf("blobpool: %s: %w", task.Blob.Digest, readErr))
			return
		}
	}
}
