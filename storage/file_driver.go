package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vsrdb/vsr/internal"
)

// FileDriver is the production Driver: one *os.File per replica, addressed
// by Layout-derived zone offsets. Completions are delivered synchronously
// from the calling goroutine's perspective but through the same fn
// callback shape as the simulated driver, so replica code never has to
// know which Driver it was given.
type FileDriver struct {
	f      *os.File
	layout Layout
}

// OpenFileDriver opens (creating if necessary) the data file at path, sized
// to fit layout, and returns a Driver backed by it.
func OpenFileDriver(path string, layout Layout) (*FileDriver, error) {
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	if fi.Size() < layout.TotalSize() {
		if err := f.Truncate(layout.TotalSize()); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate data file: %w", err)
		}
	}

	// A freshly created file's directory entry is not durable until the
	// directory itself is fsynced; without this a crash right after format
	// can lose the file even though its contents were flushed.
	if created {
		if err := internal.Sync(filepath.Dir(path)); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync data directory: %w", err)
		}
	}

	return &FileDriver{f: f, layout: layout}, nil
}

func (d *FileDriver) Size() int64 { return d.layout.TotalSize() }

func (d *FileDriver) Close() error { return d.f.Close() }

func (d *FileDriver) ReadAt(ctx context.Context, zone Zone, offset int64, buf []byte, fn func(Completion)) {
	_, err := d.f.ReadAt(buf, d.layout.Offset(zone)+offset)
	if err != nil {
		fn(Completion{Fault: FaultRead, Err: err})
		return
	}
	fn(Completion{})
}

func (d *FileDriver) WriteAt(ctx context.Context, zone Zone, offset int64, buf []byte, fn func(Completion)) {
	_, err := d.f.WriteAt(buf, d.layout.Offset(zone)+offset)
	if err != nil {
		fn(Completion{Fault: FaultWrite, Err: err})
		return
	}
	fn(Completion{})
}

func (d *FileDriver) Sync(ctx context.Context, zone Zone, fn func(Completion)) {
	if err := d.f.Sync(); err != nil {
		fn(Completion{Fault: FaultWrite, Err: err})
		return
	}
	fn(Completion{})
}
