package mcs

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
)

// ServerNetworkData is the SC_NET block carried in the GCC Conference
// Create Response (proto/gcc re-exports it). The MITM reads the real
// server's copy to learn the primary I/O channel id, then rewrites
// ChannelCount/ChannelIdArray to zero before the block reaches the
// client (spec §3's channel-list collapse).
// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-rdpbcgr/89fa11de-5275-4106-9cf1-e5aa7709436c
type ServerNetworkData struct {
	McsChannelId   uint16
	ChannelCount   uint16
	ChannelIdArray []uint16
}

func (d *ServerNetworkData) Read(r io.Reader) {
	core.ReadLE(r, &d.McsChannelId)
	core.ReadLE(r, &d.ChannelCount)
	d.ChannelIdArray = make([]uint16, d.ChannelCount)
	core.ReadLE(r, d.ChannelIdArray)
	glog.Debugf("server network data: %+v", d)
}

func (d *ServerNetworkData) Write(w io.Writer) {
	core.WriteLE(w, d.McsChannelId)
	core.WriteLE(w, d.ChannelCount)
	core.WriteLE(w, d.ChannelIdArray)
}
