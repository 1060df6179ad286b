package discord

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/narrator/pkg/audio"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms frames.
const (
	frameMs = 20
	// frameSamples is the number of samples per channel in one frame.
	frameSamples = audio.SampleRate * frameMs / 1000 // 960
	// frameBytes is the s16le PCM input for one frame.
	frameBytes = frameSamples * audio.Channels * 2 // 3840
	// maxOpusBytes bounds a single encoded packet.
	maxOpusBytes = frameBytes
)

// opusEncoder wraps a gopus encoder. One encoder serves one clip at a time.
type opusEncoder struct {
	enc     *gopus.Encoder
	samples []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, samples: make([]int16, frameSamples*audio.Channels)}, nil
}

// encode turns exactly one frame of s16le PCM into an Opus packet.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	for i := range e.samples {
		e.samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	pkt, err := e.enc.Encode(e.samples, frameSamples, maxOpusBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return pkt, nil
}
