package muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// H.264 NAL unit types
const (
	NALUnitTypeIDR = 5
	NALUnitTypeSPS = 7
	NALUnitTypePPS = 8
)

// FLV video tag constants
const (
	flvCodecAVC          = 7
	flvFrameKey          = 1
	flvAVCSequenceHeader = 0
	flvAVCNALU           = 1
)

// StartCode is the 4-byte Annex-B start code
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// ErrNotAVC is returned for FLV video tags that do not carry H.264
var ErrNotAVC = errors.New("not an H.264/AVC video tag")

// AVCConfig is the AVCDecoderConfigurationRecord sent as the first video tag of
// an RTMP/FLV stream. It carries the parameter sets and the NALU length size.
type AVCConfig struct {
	Profile        uint8
	Compatibility  uint8
	Level          uint8
	NALULengthSize int
	SPS            [][]byte
	PPS            [][]byte
}

// ParseAVCConfig parses an AVCDecoderConfigurationRecord
func ParseAVCConfig(data []byte) (*AVCConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("avc config too short: %d bytes", len(data))
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("unsupported avc config version %d", data[0])
	}

	cfg := &AVCConfig{
		Profile:        data[1],
		Compatibility:  data[2],
		Level:          data[3],
		NALULengthSize: int(data[4]&0x03) + 1,
	}

	r := bytes.NewReader(data[5:])

	numSPS, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read SPS count: %w", err)
	}
	if cfg.SPS, err = readParameterSets(r, int(numSPS&0x1f)); err != nil {
		return nil, fmt.Errorf("read SPS: %w", err)
	}

	numPPS, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read PPS count: %w", err)
	}
	if cfg.PPS, err = readParameterSets(r, int(numPPS)); err != nil {
		return nil, fmt.Errorf("read PPS: %w", err)
	}

	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return nil, errors.New("avc config has no SPS or PPS")
	}
	return cfg, nil
}

func readParameterSets(r *bytes.Reader, n int) ([][]byte, error) {
	sets := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var size uint16
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, err
		}
		ps := make([]byte, size)
		if _, err := io.ReadFull(r, ps); err != nil {
			return nil, fmt.Errorf("truncated parameter set: %w", err)
		}
		sets = append(sets, ps)
	}
	return sets, nil
}

// FLVVideo is a parsed FLV video tag body
type FLVVideo struct {
	KeyFrame        bool
	SequenceHeader  bool
	CompositionTime int32 // milliseconds, PTS = DTS + CompositionTime
	Data            []byte
}

// ParseFLVVideo splits an FLV video tag body into its header fields and AVC payload
func ParseFLVVideo(data []byte) (FLVVideo, error) {
	if len(data) < 5 {
		return FLVVideo{}, fmt.Errorf("video tag too short: %d bytes", len(data))
	}
	if data[0]&0x0f != flvCodecAVC {
		return FLVVideo{}, fmt.Errorf("%w: codec id %d", ErrNotAVC, data[0]&0x0f)
	}

	// 24-bit signed composition time
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8

	v := FLVVideo{
		KeyFrame:        data[0]>>4 == flvFrameKey,
		SequenceHeader:  data[1] == flvAVCSequenceHeader,
		CompositionTime: cts,
		Data:            data[5:],
	}
	if !v.SequenceHeader && data[1] != flvAVCNALU {
		// end of sequence
		v.Data = nil
	}
	return v, nil
}

// AVCCToAnnexB converts length-prefixed NAL units into start-code-prefixed ones
func AVCCToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("invalid NALU length size %d", lengthSize)
	}

	out := make([]byte, 0, len(data)+16)
	count := 0
	for off := 0; off < len(data); {
		if off+lengthSize > len(data) {
			return nil, fmt.Errorf("truncated NALU length at offset %d", off)
		}
		var size int
		for i := 0; i < lengthSize; i++ {
			size = size<<8 | int(data[off+i])
		}
		off += lengthSize
		if size == 0 {
			continue
		}
		if off+size > len(data) {
			return nil, fmt.Errorf("NALU size %d at offset %d exceeds buffer", size, off-lengthSize)
		}
		out = append(out, StartCode...)
		out = append(out, data[off:off+size]...)
		off += size
		count++
	}

	if count == 0 {
		return nil, errors.New("no NAL units found")
	}
	return out, nil
}

// AnnexBFrame converts an AVCC access unit to Annex-B, prefixing keyframes with
// the stream's parameter sets so a decoder can start from any keyframe.
func AnnexBFrame(cfg *AVCConfig, avcc []byte, keyFrame bool) ([]byte, error) {
	body, err := AVCCToAnnexB(avcc, cfg.NALULengthSize)
	if err != nil {
		return nil, err
	}
	if !keyFrame {
		return body, nil
	}

	var buf bytes.Buffer
	for _, ps := range cfg.SPS {
		buf.Write(StartCode)
		buf.Write(ps)
	}
	for _, ps := range cfg.PPS {
		buf.Write(StartCode)
		buf.Write(ps)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// NALTypes lists the NAL unit types present in an Annex-B buffer
func NALTypes(annexB []byte) []uint8 {
	var types []uint8
	for i := 0; i+3 < len(annexB); i++ {
		if annexB[i] == 0 && annexB[i+1] == 0 && annexB[i+2] == 1 {
			types = append(types, annexB[i+3]&0x1f)
			i += 3
		}
	}
	return types
}
