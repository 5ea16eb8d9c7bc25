package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/asticode/go-astits"

	"github.com/jmylchreest/pitx/internal/codec"
)

// ProbedStream is one elementary stream seen by Probe.
type ProbedStream struct {
	PID        uint16
	StreamType uint8
	Kind       Kind
	Video      codec.Video
	Audio      codec.Audio
	Packets    int
	// Whether the MPEG-TS reader hands out the stream's frames.
	Demuxable bool
	// First and last PTS in microseconds, -1 when none was seen.
	FirstPTS int64
	LastPTS  int64
}

// Duration returns the PTS span of the stream.
func (s ProbedStream) Duration() time.Duration {
	if s.FirstPTS < 0 || s.LastPTS < s.FirstPTS {
		return 0
	}
	return time.Duration(s.LastPTS-s.FirstPTS) * time.Microsecond
}

// Decodable reports whether the hardware has a decoder for the stream.
func (s ProbedStream) Decodable() bool {
	if s.Kind != KindVideo {
		return false
	}
	_, err := codec.HardwareCoding(s.Video)
	return err == nil
}

// ProbeResult summarises a transport stream.
type ProbeResult struct {
	Programs []uint16
	Streams  []ProbedStream
	PES      int
}

// Video returns the first video stream.
func (r ProbeResult) Video() (ProbedStream, bool) {
	for _, s := range r.Streams {
		if s.Kind == KindVideo {
			return s, true
		}
	}
	return ProbedStream{}, false
}

// Probe walks the program tables and PES headers of a transport stream
// with the astits demuxer, without decoding any payload. maxPES bounds the
// number of PES packets read; zero reads to the end.
func Probe(ctx context.Context, r io.Reader, maxPES int) (ProbeResult, error) {
	dmx := astits.NewDemuxer(ctx, r)
	streams := make(map[uint16]*ProbedStream)
	programs := make(map[uint16]bool)
	var res ProbeResult

	for maxPES <= 0 || res.PES < maxPES {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("probing transport stream: %w", err)
		}

		switch {
		case d.PMT != nil:
			programs[d.PMT.ProgramNumber] = true
			for _, es := range d.PMT.ElementaryStreams {
				if _, ok := streams[es.ElementaryPID]; ok {
					continue
				}
				st := uint8(es.StreamType)
				ps := &ProbedStream{PID: es.ElementaryPID, StreamType: st, Kind: KindOther, FirstPTS: -1, LastPTS: -1}
				if v, ok := codec.VideoFromStreamType(st); ok {
					ps.Kind, ps.Video, ps.Demuxable = KindVideo, v, v.IsDemuxable()
				} else if a, ok := codec.AudioFromStreamType(st); ok {
					ps.Kind, ps.Audio, ps.Demuxable = KindAudio, a, a.IsDemuxable()
				}
				streams[es.ElementaryPID] = ps
			}
		case d.PES != nil:
			res.PES++
			ps, ok := streams[d.PID]
			if !ok {
				continue
			}
			ps.Packets++
			if oh := d.PES.Header.OptionalHeader; oh != nil && oh.PTS != nil {
				pts := fromMPEGTS(oh.PTS.Base)
				if ps.FirstPTS < 0 {
					ps.FirstPTS = pts
				}
				ps.LastPTS = pts
			}
		}
	}

	for p := range programs {
		res.Programs = append(res.Programs, p)
	}
	sort.Slice(res.Programs, func(i, j int) bool { return res.Programs[i] < res.Programs[j] })
	for _, ps := range streams {
		res.Streams = append(res.Streams, *ps)
	}
	sort.Slice(res.Streams, func(i, j int) bool { return res.Streams[i].PID < res.Streams[j].PID })
	return res, nil
}
