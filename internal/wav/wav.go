// Package wav builds the canonical 44-byte RIFF/WAVE header the
// orchestrator wraps around a speech segment before handing it to the STT
// adapter (spec §6.5). Grounded on
// team-hashing-lokutor-orchestrator/pkg/audio/wav.go, generalized from a
// hardcoded mono/16-bit header to a configurable channel count.
package wav

import (
	"encoding/binary"
)

// Frame prepends a canonical WAV header to pcm (little-endian int16
// samples) for the given channel count and sample rate, 16 bits/sample.
func Frame(pcm []byte, sampleRate, channels int) []byte {
	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * 2)
	blockAlign := uint16(channels * 2)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], 16) // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	out := make([]byte, 0, len(header)+len(pcm))
	out = append(out, header...)
	out = append(out, pcm...)
	return out
}

// Header describes the decoded fields of a WAV header, used by tests to
// verify round-tripping (spec P12).
type Header struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// Decode parses the 44-byte canonical header produced by Frame.
func Decode(data []byte) Header {
	return Header{
		Format:        binary.LittleEndian.Uint16(data[20:22]),
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
		DataSize:      binary.LittleEndian.Uint32(data[40:44]),
	}
}
