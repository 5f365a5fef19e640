package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"

	"github.com/bhaskarbora2/llfs/alloc"
	"github.com/bhaskarbora2/llfs/cache"
	"github.com/bhaskarbora2/llfs/logdev"
	"github.com/bhaskarbora2/llfs/pagedev"
	"github.com/bhaskarbora2/llfs/pageid"
	"github.com/bhaskarbora2/llfs/recycler"
	"github.com/bhaskarbora2/llfs/storage"
	"github.com/bhaskarbora2/llfs/volume"
)

const (
	manifestName = "manifest.json"
	volumeLog    = "volume.log"
	allocLog     = "alloc-0.log"
	recyclerLog  = "recycler.log"
	pagesFile    = "pages-0.dat"

	ctrlOverhead = 1024 // two logdev control blocks
)

// manifest pins a volume directory's geometry and identities.
type manifest struct {
	PageSize       uint64    `json:"page_size"`
	PageCount      uint32    `json:"page_count"`
	LogCapacity    uint64    `json:"log_capacity"`
	RecyclerClient uuid.UUID `json:"recycler_client"`
	MaxBranching   int       `json:"max_branching"`
	MaxDepth       int       `json:"max_depth"`
}

func readManifest(dir string) (manifest, error) {
	var m manifest
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return m, pkgerrors.Wrap(err, "read manifest")
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, pkgerrors.Wrap(err, "parse manifest")
	}
	return m, nil
}

func writeManifest(dir string, m manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), b, 0o644)
}

// world is an assembled volume directory.
type world struct {
	m manifest

	volLog *logdev.LogDevice
	alcLog *logdev.LogDevice
	recLog *logdev.LogDevice

	alc *alloc.Allocator
	dev *pagedev.PageDevice
	rec *recycler.Recycler
	vol *volume.Volume
}

// createWorld formats a fresh volume directory.
func createWorld(dir string, m manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeManifest(dir, m); err != nil {
		return err
	}
	for _, name := range []string{volumeLog, allocLog, recyclerLog} {
		s, err := storage.CreateFileLog(filepath.Join(dir, name), int64(m.LogCapacity+ctrlOverhead))
		if err != nil {
			return err
		}
		d, err := logdev.Init(s, logdev.Config{Capacity: m.LogCapacity})
		if err != nil {
			s.Close()
			return err
		}
		if err := d.Shutdown(); err != nil {
			return err
		}
	}
	ps, err := storage.CreateFilePages(filepath.Join(dir, pagesFile), m.PageSize, m.PageCount)
	if err != nil {
		return err
	}
	return ps.Close()
}

// openWorld recovers every component of a volume directory.
func openWorld(ctx context.Context, dir string) (*world, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	w := &world{m: m}

	openLog := func(name string) (*logdev.LogDevice, error) {
		s, err := storage.OpenFileLog(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		return logdev.Open(s)
	}
	if w.volLog, err = openLog(volumeLog); err != nil {
		return nil, err
	}
	if w.alcLog, err = openLog(allocLog); err != nil {
		return nil, err
	}
	if w.recLog, err = openLog(recyclerLog); err != nil {
		return nil, err
	}

	if w.alc, err = alloc.Open(w.alcLog, alloc.Config{DeviceIndex: 0, PageCount: m.PageCount}); err != nil {
		return nil, err
	}
	ps, err := storage.OpenFilePages(filepath.Join(dir, pagesFile), m.PageSize)
	if err != nil {
		return nil, err
	}
	w.dev = pagedev.MkPageDevice(0, ps)

	allocs := map[pageid.DeviceIndex]*alloc.Allocator{0: w.alc}
	devs := map[pageid.DeviceIndex]*pagedev.PageDevice{0: w.dev}
	w.rec, err = recycler.Open(ctx, w.recLog, recycler.Config{
		Client:       m.RecyclerClient,
		MaxBranching: m.MaxBranching,
		MaxDepth:     m.MaxDepth,
	}, allocs, devs)
	if err != nil {
		return nil, err
	}

	w.vol, err = volume.Open(ctx, volume.Params{
		Log:        w.volLog,
		Allocators: allocs,
		Devices:    devs,
		Recycler:   w.rec,
		Cache:      cache.MkPageCache(cache.Config{}, devs),
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (w *world) close() error {
	var merr *multierror.Error
	merr = multierror.Append(merr, w.rec.Shutdown())
	merr = multierror.Append(merr, w.alcLog.Shutdown())
	merr = multierror.Append(merr, w.vol.Close())
	merr = multierror.Append(merr, w.dev.Close())
	return merr.ErrorOrNil()
}
