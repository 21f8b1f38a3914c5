// Package zfsvol implements the ZFS Facade (spec.md §4.2) and destination
// preparation (spec.md §4.3) on top of git.dolansoft.org/lorenz/go-zfs/ioctl,
// a pure-Go binding of the ZFS ioctl interface - no cgo libzfs, no shelling
// out to the zfs(8) CLI.
package zfsvol

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"git.dolansoft.org/lorenz/go-zfs/ioctl"
	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
)

// Snapshot is the subset of a ZFS snapshot's identity the backup engine
// needs: its short name (the part after '@') and creation time, used to
// order the destination's snapshot history (spec.md §3).
type Snapshot struct {
	FullName string
	Created  time.Time
}

// ShortName returns the substring after '@' (spec.md §4.2).
func (s Snapshot) ShortName() string {
	idx := strings.LastIndexByte(s.FullName, '@')
	if idx < 0 {
		return s.FullName
	}
	return s.FullName[idx+1:]
}

// Context is a pool-scoped destination root: spec.md §3's "a ZFS dataset
// located at {base}" against which per-image datasets {base}/{image_name}
// are resolved.
type Context struct {
	Base string // full ZFS path of the base dataset
}

// LookupBase resolves the pool-scoped destination root at path, failing
// fatally if it does not exist or cannot be read - unlike a per-image child
// dataset, the base dataset is never created on demand (spec.md §4.6 step
// 2, "look up the ZFS base dataset").
func LookupBase(path string) (*Context, error) {
	if _, err := ioctl.ObjsetStats(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("zfs base dataset %s does not exist", path)
		}
		return nil, fmt.Errorf("looking up zfs base dataset %s: %w", path, err)
	}
	return &Context{Base: path}, nil
}

// Child looks up the dataset named {base}/{name} and reports whether it
// exists.
func (c *Context) Child(name string) (*Dataset, bool, error) {
	full := c.Base + "/" + name
	props, err := ioctl.ObjsetStats(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("looking up dataset %s: %w", full, err)
	}
	return &Dataset{FullName: full, props: props}, true, nil
}

// CreateChildVolume creates a sparse zvol at {base}/{name} with the given
// declared size (spec.md §4.2). A zvol is sparse by simply never setting a
// "refreservation" at creation time: reservation defaults to none unless
// requested, so omitting the property is the whole of the request - there is
// no separate boolean property that asks for sparseness.
func (c *Context) CreateChildVolume(name string, sizeBytes uint64) (*Dataset, error) {
	full := c.Base + "/" + name
	props := ioctl.DatasetProps{
		"volsize": sizeBytes,
	}
	if err := ioctl.Create(full, ioctl.ObjectTypeVolume, &props); err != nil {
		return nil, fmt.Errorf("creating zvol %s: %w", full, err)
	}
	ds, ok, err := c.Child(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("zvol %s reported created but not found", full)
	}
	return ds, nil
}

// Dataset is a single ZFS dataset handle (spec.md §3's Destination dataset).
type Dataset struct {
	FullName string
	props    ioctl.DatasetPropsWithSource
}

// IsVolume reports whether the dataset's "type" property is VOLUME.
func (d *Dataset) IsVolume() bool {
	t, ok := d.props["type"]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", t.Value) == "volume" || fmt.Sprintf("%v", t.Value) == "VOLUME"
}

// VolSize returns the dataset's currently declared volsize property.
func (d *Dataset) VolSize() (uint64, error) {
	p, ok := d.props["volsize"]
	if !ok {
		return 0, fmt.Errorf("dataset %s has no volsize property", d.FullName)
	}
	return toUint64(p.Value)
}

func toUint64(v interface{}) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case int64:
		return uint64(t), nil
	case string:
		return strconv.ParseUint(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected property value type %T", v)
	}
}

// SetVolSize grows (never shrinks) the dataset's volsize. Callers must
// check the current size first; this method does not enforce grow-only by
// itself (spec.md §4.2 contract: "shrinking volsize is never attempted" is
// upheld by the caller, prepare()).
func (d *Dataset) SetVolSize(sizeBytes uint64) error {
	props := map[string]interface{}{"volsize": sizeBytes}
	if err := ioctl.SetProp(d.FullName, props, ioctl.PropSourceLocal); err != nil {
		return fmt.Errorf("growing volsize of %s to %d: %w", d.FullName, sizeBytes, err)
	}
	return nil
}

// Snapshots returns the dataset's child snapshots sorted by creation time
// ascending (spec.md §3, Destination dataset).
func (d *Dataset) Snapshots() ([]Snapshot, error) {
	var out []Snapshot
	var cursor uint64
	for {
		var props ioctl.DatasetPropsWithSource
		name, next, _, err := ioctl.SnapshotListNext(d.FullName, cursor, &props)
		if err != nil {
			if os.IsNotExist(err) || isEndOfList(err) {
				break
			}
			return nil, fmt.Errorf("listing snapshots of %s: %w", d.FullName, err)
		}
		if name == "" {
			break
		}
		created := time.Time{}
		if p, ok := props["creation"]; ok {
			if secs, err := toUint64(p.Value); err == nil {
				created = time.Unix(int64(secs), 0).UTC()
			}
		}
		out = append(out, Snapshot{FullName: name, Created: created})
		if next == cursor {
			break
		}
		cursor = next
	}
	sortSnapshotsByCreation(out)
	return out, nil
}

func isEndOfList(err error) bool {
	return strings.Contains(err.Error(), "no such") || strings.Contains(err.Error(), "ESRCH")
}

func sortSnapshotsByCreation(snaps []Snapshot) {
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j].Created.Before(snaps[j-1].Created); j-- {
			snaps[j], snaps[j-1] = snaps[j-1], snaps[j]
		}
	}
}

// SnapshotByName returns the snapshot named shortName, or an error if none
// matches (spec.md §4.2).
func (d *Dataset) SnapshotByName(shortName string) (Snapshot, error) {
	snaps, err := d.Snapshots()
	if err != nil {
		return Snapshot{}, err
	}
	for _, s := range snaps {
		if s.ShortName() == shortName {
			return s, nil
		}
	}
	return Snapshot{}, fmt.Errorf("dataset %s has no snapshot named %q", d.FullName, shortName)
}

// CreateSnapshot creates {FullName}@{shortName} (spec.md §4.2).
func (d *Dataset) CreateSnapshot(shortName string) error {
	full := d.FullName + "@" + shortName
	pool := d.FullName
	if idx := strings.IndexByte(pool, '/'); idx >= 0 {
		pool = pool[:idx]
	}
	if err := ioctl.Snapshot([]string{full}, pool, nil); err != nil {
		return fmt.Errorf("creating snapshot %s: %w", full, err)
	}
	return nil
}

// Rollback discards any writes newer than snap (spec.md §4.2, §4.3 step 4).
func Rollback(snap Snapshot) error {
	if _, err := ioctl.Rollback(datasetOf(snap.FullName), snap.ShortName()); err != nil {
		return fmt.Errorf("rolling back to %s: %w", snap.FullName, err)
	}
	return nil
}

func datasetOf(snapshotFullName string) string {
	idx := strings.LastIndexByte(snapshotFullName, '@')
	if idx < 0 {
		return snapshotFullName
	}
	return snapshotFullName[:idx]
}

// DeviceNode returns the OS path of the zvol's block device
// (/dev/zvol/{dataset_full_name}, spec.md §3).
func DeviceNode(datasetFullName string) string {
	return "/dev/zvol/" + datasetFullName
}

// WaitForDeviceNode polls for the device node's appearance at 500ms
// intervals with no upper bound (spec.md §4.3 step 2, §5: "no upper bound").
// Rican7/retry's constant-wait strategy with no Limit strategy attached
// retries forever until the action returns nil.
func WaitForDeviceNode(path string) error {
	return retry.Retry(func(attempt uint) error {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		return fmt.Errorf("device node %s does not exist yet", path)
	}, strategy.Wait(500*time.Millisecond))
}
