// Package audio holds the PCM buffer helpers shared by the synthesis
// pipeline: WAV encode/decode, PCM16LE conversion and ordered concatenation.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BitDepth is the sample depth of every artifact written by the pipeline.
const BitDepth = 16

var ErrFormatMismatch = errors.New("audio format mismatch")

// NewBuffer wraps mono 16-bit samples.
func NewBuffer(sampleRate int, samples []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: BitDepth,
	}
}

// FromPCM16LE decodes little-endian signed 16-bit PCM.
func FromPCM16LE(pcm []byte, sampleRate, channels int) (*goaudio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: BitDepth,
	}, nil
}

// Concat joins buffers along the time axis in argument order. All buffers
// must share sample rate and channel count.
func Concat(buffers ...*goaudio.IntBuffer) (*goaudio.IntBuffer, error) {
	if len(buffers) == 0 {
		return nil, errors.New("no buffers to concatenate")
	}
	first := buffers[0]
	if first == nil || first.Format == nil {
		return nil, errors.New("buffer 0 has no format")
	}
	total := 0
	for i, buf := range buffers {
		if buf == nil || buf.Format == nil {
			return nil, fmt.Errorf("buffer %d has no format", i)
		}
		if buf.Format.SampleRate != first.Format.SampleRate || buf.Format.NumChannels != first.Format.NumChannels {
			return nil, fmt.Errorf("%w: buffer %d is %d Hz/%d ch, want %d Hz/%d ch", ErrFormatMismatch, i,
				buf.Format.SampleRate, buf.Format.NumChannels, first.Format.SampleRate, first.Format.NumChannels)
		}
		total += len(buf.Data)
	}
	data := make([]int, 0, total)
	for _, buf := range buffers {
		data = append(data, buf.Data...)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: first.Format.NumChannels, SampleRate: first.Format.SampleRate},
		Data:           data,
		SourceBitDepth: BitDepth,
	}, nil
}

// Duration reports the playback length of buf.
func Duration(buf *goaudio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return 0
	}
	frames := len(buf.Data) / buf.Format.NumChannels
	return time.Duration(frames) * time.Second / time.Duration(buf.Format.SampleRate)
}

// WriteFile stores buf as a 16-bit PCM WAV file at path.
func WriteFile(path string, buf *goaudio.IntBuffer) error {
	if buf == nil || buf.Format == nil {
		return errors.New("write wav: buffer has no format")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	enc := wav.NewEncoder(file, buf.Format.SampleRate, BitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadFile loads a PCM WAV file fully into memory.
func ReadFile(path string) (*goaudio.IntBuffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("open wav: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return buf, nil
}
