// Package pcapfile reads and writes capture files holding raw USB 2.0
// packets, the on-disk format used for saved analyzer captures.
package pcapfile

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeUSB20 is LINKTYPE_USB_2_0: raw USB 2.0 packets starting with a
// PID, as produced by a hardware analyzer.
const LinkTypeUSB20 = layers.LinkType(288)

// snapLen is the largest packet a capture file can carry. Packets on the
// wire are bounded by their 16-bit length prefix.
const snapLen = 0xffff

// Writer appends captured packets to a pcap file.
type Writer struct {
	pw *pcapgo.Writer
}

// NewWriter writes a pcap file header for USB 2.0 captures to w and
// returns a Writer appending packets after it.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeUSB20); err != nil {
		return nil, fmt.Errorf("pcapfile: writing file header: %w", err)
	}
	return &Writer{pw: pw}, nil
}

// WritePacket appends one captured packet with the given timestamp.
func (w *Writer) WritePacket(ts time.Time, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := w.pw.WritePacket(ci, data); err != nil {
		return fmt.Errorf("pcapfile: writing packet: %w", err)
	}
	return nil
}

// Reader reads packets back from a saved capture file.
type Reader struct {
	pr *pcapgo.Reader
}

// NewReader opens a pcap stream and verifies it holds a USB 2.0 capture.
func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcapfile: reading file header: %w", err)
	}
	if pr.LinkType() != LinkTypeUSB20 {
		return nil, fmt.Errorf("pcapfile: not a USB 2.0 capture (link type %d)", pr.LinkType())
	}
	return &Reader{pr: pr}, nil
}

// Next returns the next packet and its timestamp, or io.EOF at the end of
// the file.
func (r *Reader) Next() ([]byte, time.Time, error) {
	data, ci, err := r.pr.ReadPacketData()
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, ci.Timestamp, nil
}
