package device

import (
	"coreos/kernel"
	"coreos/kernel/vfs"
	"testing"
)

type fakeIO struct {
	blockSize uint64
	blocks    uint64
}

func (f *fakeIO) BlockSize() uint64                                 { return f.blockSize }
func (f *fakeIO) BlocksCount() uint64                               { return f.blocks }
func (f *fakeIO) Read(off uint64, buf []byte) (int, *kernel.Error)  { return len(buf), nil }
func (f *fakeIO) Write(off uint64, buf []byte) (int, *kernel.Error) { return len(buf), nil }
func (f *fakeIO) Ioctl(request uint32, arg uintptr) (uint32, *kernel.Error) {
	return 0, kernel.NewError("device", "no ioctl handled", kernel.EINVAL)
}

type fakeFileCreator struct {
	created map[string]vfs.Stat
	removed []string
}

func newFakeFileCreator() *fakeFileCreator {
	return &fakeFileCreator{created: make(map[string]vfs.Stat)}
}

func (f *fakeFileCreator) CreateDeviceFile(path string, stat vfs.Stat) *kernel.Error {
	f.created[path] = stat
	return nil
}

func (f *fakeFileCreator) RemoveDeviceFile(path string) *kernel.Error {
	f.removed = append(f.removed, path)
	delete(f.created, path)
	return nil
}

func TestRegisterDuplicateIDFails(t *testing.T) {
	r := NewRegistry(nil)
	d1 := New(ID{Kind: Block, Major: 8, Minor: 0}, "/dev/sda", 0o600, &fakeIO{blockSize: 512, blocks: 1024})
	d2 := New(ID{Kind: Block, Major: 8, Minor: 0}, "/dev/sda2", 0o600, &fakeIO{blockSize: 512, blocks: 1024})

	if err := r.Register(d1); err != nil {
		t.Fatalf("unexpected error registering first device: %v", err)
	}
	if err := r.Register(d2); err == nil {
		t.Fatal("expected registering a duplicate device ID to fail")
	}
}

func TestStage1DoesNotCreateFile(t *testing.T) {
	fc := newFakeFileCreator()
	r := NewRegistry(fc)

	d := New(ID{Kind: Block, Major: 8, Minor: 0}, "/dev/sda", 0o600, &fakeIO{blockSize: 512, blocks: 1024})
	if err := r.Register(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fc.created) != 0 {
		t.Fatal("expected no device file to be created while in stage 1")
	}
}

func TestStage2CreatesFilesForAlreadyRegisteredDevices(t *testing.T) {
	fc := newFakeFileCreator()
	r := NewRegistry(fc)

	id := ID{Kind: Block, Major: 8, Minor: 0}
	d := New(id, "/dev/sda", 0o600, &fakeIO{blockSize: 512, blocks: 1024})
	if err := r.Register(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Stage2(); err != nil {
		t.Fatalf("unexpected error transitioning to stage 2: %v", err)
	}

	stat, ok := fc.created["/dev/sda"]
	if !ok {
		t.Fatal("expected a device file to exist after Stage2")
	}
	if stat.FileType != vfs.FileTypeBlockDevice {
		t.Fatalf("expected block device file type; got %v", stat.FileType)
	}
	if stat.DevMajor != 8 || stat.DevMinor != 0 {
		t.Fatalf("unexpected dev_major/dev_minor: %d/%d", stat.DevMajor, stat.DevMinor)
	}
}

func TestRegisterAfterStage2CreatesFileImmediately(t *testing.T) {
	fc := newFakeFileCreator()
	r := NewRegistry(fc)
	if err := r.Stage2(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := New(ID{Kind: Char, Major: 4, Minor: 1}, "/dev/tty1", 0o620, &fakeIO{blockSize: 1, blocks: 0})
	if err := r.Register(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := fc.created["/dev/tty1"]; !ok {
		t.Fatal("expected device file to be created immediately once past stage 1")
	}
}

func TestUnregisterRemovesFile(t *testing.T) {
	fc := newFakeFileCreator()
	r := NewRegistry(fc)
	if err := r.Stage2(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id := ID{Kind: Char, Major: 4, Minor: 1}
	d := New(id, "/dev/tty1", 0o620, &fakeIO{blockSize: 1, blocks: 0})
	if err := r.Register(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Unregister(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r.Get(id); ok == nil {
		t.Fatal("expected Get to fail for an unregistered device")
	}
	if _, ok := fc.created["/dev/tty1"]; ok {
		t.Fatal("expected device file to be removed")
	}
}

func TestDeviceReadWriteRejectsMisalignedBuffers(t *testing.T) {
	d := New(ID{Kind: Block, Major: 8, Minor: 0}, "/dev/sda", 0o600, &fakeIO{blockSize: 512, blocks: 10})

	if _, err := d.Read(0, make([]byte, 511)); err == nil {
		t.Fatal("expected a non-block-aligned read to fail")
	}
	if _, err := d.Write(0, make([]byte, 1024)); err != nil {
		t.Fatalf("unexpected error on aligned write: %v", err)
	}
}

func TestGlobalRegistrySingleton(t *testing.T) {
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected Global before Init to panic")
			}
		}()
		Global()
	}()

	r := Init(nil)
	if Global() != r {
		t.Fatal("expected Global to return the registry installed by Init")
	}
}
