package syscall

import (
	"coreos/kernel"
	"coreos/kernel/vfs"
)

// Socket domains and types understood by this layer. Protocol numbers are
// passed through unchecked; the network stack behind the socket buffer is
// out of scope.
const (
	DomainUnix = 1
	DomainInet = 2

	TypeStream = 1
	TypeDgram  = 2
)

// socketCapacity is the buffer size backing a freshly created socket.
const socketCapacity = 65536

// Socket creates an unconnected socket descriptor, open for read and write.
// Writing before a peer is attached fails with EDESTADDRREQ.
func (c *Context) Socket(domain, typ, protocol int) (int, *kernel.Error) {
	if domain != DomainUnix && domain != DomainInet {
		return 0, errBadDomain
	}
	if typ != TypeStream && typ != TypeDgram {
		return 0, errBadDomain
	}

	file := vfs.NewSocket(vfs.Location{}, socketCapacity)
	return c.FDs.Create(0, vfs.Open(file, vfs.OpenReadWrite))
}
