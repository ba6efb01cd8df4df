package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// LoadMP3 decodes an mp3 file into ADC readings at sampleRate. The stereo
// stream is mixed to mono, decimated by nearest sample and scaled to the
// adcBits range. At most limit readings are kept; zero keeps the whole file.
func LoadMP3(path string, sampleRate, adcBits, limit int) (*SliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3 file: %w", err)
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}

	// decoded output is always 16-bit little endian stereo
	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode error: %w", err)
	}

	readings := fromPCM(pcm, decoder.SampleRate(), sampleRate, adcBits, limit)
	if len(readings) == 0 {
		return nil, fmt.Errorf("mp3 file %s contains no audio", path)
	}
	return NewSliceSource(readings), nil
}

func fromPCM(pcm []byte, srcRate, dstRate, adcBits, limit int) []uint16 {
	frames := len(pcm) / 4
	if frames == 0 || srcRate <= 0 || dstRate <= 0 {
		return nil
	}

	count := int(int64(frames) * int64(dstRate) / int64(srcRate))
	if limit > 0 && count > limit {
		count = limit
	}

	shift := 16 - adcBits
	readings := make([]uint16, count)
	for i := range readings {
		frame := int(int64(i) * int64(srcRate) / int64(dstRate))
		left := int32(int16(binary.LittleEndian.Uint16(pcm[frame*4:])))
		right := int32(int16(binary.LittleEndian.Uint16(pcm[frame*4+2:])))
		mono := (left + right) / 2
		readings[i] = uint16(mono+32768) >> shift
	}
	return readings
}
