package voiceprint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wavAudio is decoded 16-bit PCM audio, downmixed to mono float32 samples
// in [-1, 1].
type wavAudio struct {
	samples    []float32
	sampleRate int
}

// Chunk size ceilings. Sizes come straight from the file header, so a
// corrupt or hostile file could otherwise demand a 4 GiB allocation before
// the read even starts. 512 MiB of PCM16 is over four hours of 16 kHz
// stereo audio, well past any run this system ingests.
const (
	maxFmtChunkSize  = 1 << 16
	maxDataChunkSize = 512 << 20
)

// decodeWAV parses a RIFF/WAVE stream containing 16-bit PCM data. Other
// codecs and bit depths are rejected: the ingestion pipeline only produces
// PCM16 WAV, and a wrong guess here would feed garbage to the model.
func decodeWAV(r io.Reader) (wavAudio, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return wavAudio{}, fmt.Errorf("read riff header: %w", err)
	}
	if !bytes.Equal(header[0:4], []byte("RIFF")) || !bytes.Equal(header[8:12], []byte("WAVE")) {
		return wavAudio{}, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		sampleRate int
		channels   int
		haveFmt    bool
	)

	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return wavAudio{}, fmt.Errorf("no data chunk found")
			}
			return wavAudio{}, fmt.Errorf("read chunk header: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return wavAudio{}, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if chunkSize > maxFmtChunkSize {
				return wavAudio{}, fmt.Errorf("fmt chunk too large: %d bytes", chunkSize)
			}
			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return wavAudio{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bits := binary.LittleEndian.Uint16(buf[14:16])
			if format != 1 || bits != 16 {
				return wavAudio{}, fmt.Errorf("unsupported encoding: format %d, %d bits (want PCM16)", format, bits)
			}
			if channels < 1 || sampleRate <= 0 {
				return wavAudio{}, fmt.Errorf("invalid fmt chunk: %d channels at %d Hz", channels, sampleRate)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return wavAudio{}, fmt.Errorf("data chunk before fmt chunk")
			}
			if chunkSize > maxDataChunkSize {
				return wavAudio{}, fmt.Errorf("data chunk too large: %d bytes", chunkSize)
			}
			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return wavAudio{}, fmt.Errorf("read data chunk: %w", err)
			}
			return wavAudio{
				samples:    pcm16ToMonoFloat32(buf, channels),
				sampleRate: sampleRate,
			}, nil

		default:
			// Skip ancillary chunks (LIST, fact, …). Chunks are word-aligned.
			skip := int64(chunkSize)
			if chunkSize%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return wavAudio{}, fmt.Errorf("skip %q chunk: %w", chunkID, err)
			}
		}
	}
}

// pcm16ToMonoFloat32 converts interleaved 16-bit little-endian PCM to mono
// float32 samples in [-1, 1], averaging channels.
func pcm16ToMonoFloat32(data []byte, channels int) []float32 {
	frameBytes := 2 * channels
	frames := len(data) / frameBytes
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := i*frameBytes + c*2
			sum += float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
		}
		samples[i] = sum / float32(channels)
	}
	return samples
}

// slice returns the samples covering [start, end) seconds, clamped to the
// available audio. An inverted or fully out-of-range window yields nil.
func (a wavAudio) slice(start, end float64) []float32 {
	if end <= start {
		return nil
	}
	lo := int(start * float64(a.sampleRate))
	hi := int(end * float64(a.sampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(a.samples) {
		hi = len(a.samples)
	}
	if lo >= hi {
		return nil
	}
	return a.samples[lo:hi]
}

// encodeWAV renders mono float32 samples as a PCM16 WAV file. Used by model
// clients that upload clips and by tests that fabricate audio fixtures.
func encodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := len(samples) * 2
	byteRate := sampleRate * channels * bitsPerSample / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataLen))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.Write(buf, binary.LittleEndian, int16(s*32767))
	}
	return buf.Bytes()
}

// EncodeWAV is the exported form of encodeWAV for model clients and test
// fixtures outside this package.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	return encodeWAV(samples, sampleRate)
}
