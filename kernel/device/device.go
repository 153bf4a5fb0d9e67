// Package device implements the process-wide device registry: a global
// table from device ID to shared device handle, staged so registration can
// happen before the VFS exists and device files are created once it does.
package device

import (
	"coreos/kernel"
	"coreos/kernel/sync"
	"coreos/kernel/vfs"
)

// Kind distinguishes block from character devices.
type Kind uint8

const (
	Block Kind = iota
	Char
)

// FileType returns the vfs.FileType a device file of this kind should
// report in its Stat.
func (k Kind) FileType() vfs.FileType {
	if k == Block {
		return vfs.FileTypeBlockDevice
	}
	return vfs.FileTypeCharDevice
}

// ID names a device uniquely by (kind, major, minor).
type ID struct {
	Kind  Kind
	Major uint32
	Minor uint32
}

// IO is the device I/O handle contract: block-granular read/write plus an
// ioctl escape hatch. Implementations must treat read/write offsets as
// block counts, not bytes, and may return short counts.
type IO interface {
	BlockSize() uint64
	BlocksCount() uint64
	Read(offsetBlocks uint64, buf []byte) (int, *kernel.Error)
	Write(offsetBlocks uint64, buf []byte) (int, *kernel.Error)
	Ioctl(request uint32, arg uintptr) (uint32, *kernel.Error)
}

var (
	errBadBlockLen  = kernel.NewError("device", "buffer length is not a multiple of the device's block size", kernel.EINVAL)
	errDuplicateID  = kernel.NewError("device", "a device with this ID is already registered", kernel.EEXIST)
	errNoSuchDevice = kernel.NewError("device", "no device registered with this ID", kernel.ENODEV)
)

// Device is a registered device: its ID, the path its device file should
// live at, the file mode to create it with, and its I/O handle.
type Device struct {
	id   ID
	path string
	mode uint32
	io   IO
}

// New builds a device ready for Register. It does not touch the VFS itself;
// Register (or a later Stage2 transition) does, once files management is
// live.
func New(id ID, path string, mode uint32, io IO) *Device {
	return &Device{id: id, path: path, mode: mode, io: io}
}

// ID returns the device's identity.
func (d *Device) ID() ID { return d.id }

// Path returns the device file's path under /dev.
func (d *Device) Path() string { return d.path }

// IO returns the device's I/O handle.
func (d *Device) IO() IO { return d.io }

// Read rejects buffers that are not a whole number of blocks before
// delegating to the I/O handle.
func (d *Device) Read(offsetBlocks uint64, buf []byte) (int, *kernel.Error) {
	if uint64(len(buf))%d.io.BlockSize() != 0 {
		return 0, errBadBlockLen
	}
	return d.io.Read(offsetBlocks, buf)
}

// Write rejects buffers that are not a whole number of blocks before
// delegating to the I/O handle.
func (d *Device) Write(offsetBlocks uint64, buf []byte) (int, *kernel.Error) {
	if uint64(len(buf))%d.io.BlockSize() != 0 {
		return 0, errBadBlockLen
	}
	return d.io.Write(offsetBlocks, buf)
}

// Phase is the two-stage lifecycle of the registry: values are monotonic
// and never regress.
type Phase uint8

const (
	// Stage1 defers device-file creation; registration only updates the
	// in-memory table.
	Stage1 Phase = iota
	// Stage2 auto-creates a device file on every registration, and was
	// entered by creating files for every device already registered.
	Stage2
)

// FileCreator is the narrow slice of VFS functionality the registry needs to
// materialize/remove device files, satisfied by whichever filesystem is
// mounted at /dev.
type FileCreator interface {
	CreateDeviceFile(path string, stat vfs.Stat) *kernel.Error
	RemoveDeviceFile(path string) *kernel.Error
}

// Registry is the process-wide device table.
type Registry struct {
	lock    sync.Spinlock
	devices map[ID]*Device
	phase   Phase
	fc      FileCreator
}

// NewRegistry returns an empty, stage-1 registry. fc may be nil until files
// management initializes; SetFileCreator installs it before Stage2 runs.
func NewRegistry(fc FileCreator) *Registry {
	return &Registry{devices: make(map[ID]*Device), fc: fc}
}

// global holds the process-wide registry installed once at boot; access
// before Init panics.
var global sync.Cell

// Init installs the process-wide registry. It must be called exactly once,
// during early boot, before any driver registers a device.
func Init(fc FileCreator) *Registry {
	r := NewRegistry(fc)
	global.Set(r)
	return r
}

// Global returns the registry installed by Init.
func Global() *Registry {
	return global.Get().(*Registry)
}

// SetFileCreator installs (or replaces) the VFS hook used to create/remove
// device files.
func (r *Registry) SetFileCreator(fc FileCreator) {
	r.lock.Acquire()
	r.fc = fc
	r.lock.Release()
}

// deviceStat builds the vfs.Stat a device file should carry.
func deviceStat(d *Device) vfs.Stat {
	return vfs.Stat{
		FileType: d.id.Kind.FileType(),
		Mode:     d.mode,
		DevMajor: d.id.Major,
		DevMinor: d.id.Minor,
	}
}

// Register inserts device into the table, failing with EEXIST if its ID is
// already taken. If the registry is past stage 1, it also creates the
// device file.
func (r *Registry) Register(d *Device) *kernel.Error {
	r.lock.Acquire()

	if _, exists := r.devices[d.id]; exists {
		r.lock.Release()
		return errDuplicateID
	}
	r.devices[d.id] = d
	phase, fc := r.phase, r.fc
	r.lock.Release()

	if phase == Stage2 && fc != nil {
		return fc.CreateDeviceFile(d.path, deviceStat(d))
	}
	return nil
}

// Unregister removes the device with the given ID, also removing its device
// file if one was created. Unregistering an unknown ID is a no-op.
func (r *Registry) Unregister(id ID) *kernel.Error {
	r.lock.Acquire()
	d, ok := r.devices[id]
	if !ok {
		r.lock.Release()
		return nil
	}
	delete(r.devices, id)
	phase, fc := r.phase, r.fc
	r.lock.Release()

	if phase == Stage2 && fc != nil {
		// Unregister is the explicit removal path, so it propagates
		// the file-removal error rather than swallowing it.
		return fc.RemoveDeviceFile(d.path)
	}
	return nil
}

// Get looks up a device by ID.
func (r *Registry) Get(id ID) (*Device, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	d, ok := r.devices[id]
	if !ok {
		return nil, errNoSuchDevice
	}
	return d, nil
}

// Stage2 transitions the registry to stage 2 and creates device files for
// every device already registered. The registry lock is released around the
// file-creation calls: creating a device file re-enters the VFS, which may
// itself need to lock a device (e.g. to read its backing filesystem's
// superblock), and holding the registry lock across that call would invert
// the system lock order (process, FD table, open-file, file, filesystem,
// device, allocator). Snapshotting every (path, stat) pair up front avoids
// that.
func (r *Registry) Stage2() *kernel.Error {
	r.lock.Acquire()
	r.phase = Stage2
	fc := r.fc

	type pending struct {
		path string
		stat vfs.Stat
	}
	snapshot := make([]pending, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot = append(snapshot, pending{path: d.path, stat: deviceStat(d)})
	}
	r.lock.Release()

	if fc == nil {
		return nil
	}

	for _, p := range snapshot {
		if err := fc.CreateDeviceFile(p.path, p.stat); err != nil {
			return err
		}
	}
	return nil
}

// Phase reports the registry's current lifecycle stage.
func (r *Registry) Phase() Phase {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.phase
}
