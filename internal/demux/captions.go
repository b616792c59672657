package demux

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/avkit/internal/framer"
	"github.com/zsiec/avkit/internal/media"
)

// captionExtractor decodes CEA-608 and CEA-708 captions carried in the SEI
// NAL units of the selected video stream.
type captionExtractor struct {
	codec  string
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte
	emit   func(*ccx.CaptionFrame)
	stats  StatsRecorder

	units int64

	// CEA-608 control codes are sent twice; the repeat is dropped.
	lastCtrl     [2][2]byte
	lastWasCtrl  [2]bool
	lastCtrlUnit [2]int64
}

func newCaptionExtractor(codecName string, emit func(*ccx.CaptionFrame), stats StatsRecorder) *captionExtractor {
	c := &captionExtractor{
		codec:  codecName,
		cea608: make(map[int]*ccx.CEA608Decoder),
		cea708: make(map[int]*ccx.CEA708Service),
		emit:   emit,
		stats:  stats,
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	return c
}

// unit scans one coded video unit. pts is in the stream time base.
func (c *captionExtractor) unit(u *media.CodedUnit) {
	c.units++
	switch c.codec {
	case media.CodecH264:
		for _, nal := range framer.ParseAnnexB(u.Data) {
			if nal.Type == framer.NALTypeSEI {
				c.sei(nal.Data, u.PTS)
			}
		}
	case media.CodecHEVC:
		for _, nal := range framer.ParseAnnexBHEVC(u.Data) {
			if nal.Type == framer.HEVCNALSEIPrefix && len(nal.Data) > 2 {
				c.sei(nal.Data, u.PTS)
			}
		}
	}
}

func (c *captionExtractor) sei(nal []byte, pts int64) {
	cd := ccx.ExtractCaptions(nal)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.lastWasCtrl[f] && c.lastCtrl[f] == cp && c.units-c.lastCtrlUnit[f] <= 2 {
				c.lastWasCtrl[f] = false
				continue
			}
			c.lastCtrl[f], c.lastWasCtrl[f], c.lastCtrlUnit[f] = cp, true, c.units
		} else {
			c.lastWasCtrl[f] = false
		}

		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			c.deliver(frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			c.drainDTVCC(pts)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
}

// drainDTVCC processes the buffered DTVCC packet once it is complete.
func (c *captionExtractor) drainDTVCC(pts int64) {
	if len(c.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			// CEA-708 services follow the four CEA-608 channels plus the
			// two text channels.
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			c.deliver(frame)
		}
	}
	c.dtvcc = c.dtvcc[size:]
}

// flush emits a DTVCC packet still buffered at end of input.
func (c *captionExtractor) flush(pts int64) {
	c.drainDTVCC(pts)
	c.dtvcc = c.dtvcc[:0]
}

func (c *captionExtractor) deliver(frame *ccx.CaptionFrame) {
	if c.stats != nil {
		c.stats.RecordCaption(frame.Channel)
	}
	c.emit(frame)
}
