// Package ffmpeg shells out to the ffmpeg binary to decode synthesized clips
// into PCM and to render the earcon tone.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/narrator/pkg/audio"
)

var _ audio.Decoder = (*Transcoder)(nil)

// ErrNoOutput is returned by [Transcoder.Tone] when ffmpeg exits cleanly
// without writing anything.
var ErrNoOutput = errors.New("ffmpeg: no output")

// Transcoder runs ffmpeg subprocesses. The zero value uses "ffmpeg" from PATH.
type Transcoder struct {
	// Path is the ffmpeg executable. Default: "ffmpeg".
	Path string
}

// New returns a Transcoder using the executable at path.
func New(path string) *Transcoder {
	return &Transcoder{Path: path}
}

func (t *Transcoder) bin() string {
	if t == nil || t.Path == "" {
		return "ffmpeg"
	}
	return t.Path
}

// Decode pipes clip through ffmpeg and returns s16le 48 kHz stereo PCM.
// Closing the reader or cancelling ctx kills the subprocess.
func (t *Transcoder) Decode(ctx context.Context, clip []byte) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, t.bin(),
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(clip)
	stderr := &limitedBuffer{max: 2048}
	cmd.Stderr = stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}
	return &process{cmd: cmd, out: out, stderr: stderr}, nil
}

// Tone renders a sine wave of freqHz lasting d as a 32 kbps Ogg/Opus clip.
func (t *Transcoder) Tone(ctx context.Context, freqHz float64, d time.Duration) ([]byte, error) {
	src := fmt.Sprintf("sine=frequency=%s:duration=%s",
		strconv.FormatFloat(freqHz, 'f', -1, 64),
		strconv.FormatFloat(d.Seconds(), 'f', -1, 64))

	cmd := exec.CommandContext(ctx, t.bin(),
		"-hide_banner",
		"-loglevel", "error",
		"-f", "lavfi",
		"-i", src,
		"-c:a", "libopus",
		"-b:a", "32k",
		"-f", "ogg",
		"pipe:1",
	)
	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: 2048}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: tone: %w%s", err, stderr.suffix())
	}
	if stdout.Len() == 0 {
		return nil, ErrNoOutput
	}
	return stdout.Bytes(), nil
}

// process is the PCM stream of a running ffmpeg.
type process struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr *limitedBuffer

	once    sync.Once
	waitErr error
}

// Read returns PCM. At end of stream it reports ffmpeg's exit status: io.EOF
// on success, otherwise the failure with ffmpeg's stderr attached.
func (p *process) Read(b []byte) (int, error) {
	n, err := p.out.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, fmt.Errorf("ffmpeg: decode: %w%s", werr, p.stderr.suffix())
		}
	}
	return n, err
}

func (p *process) Close() error {
	_ = p.out.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
	return nil
}

func (p *process) wait() error {
	p.once.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.max - l.buf.Len(); room > 0 {
		l.buf.Write(b[:min(room, len(b))])
	}
	return len(b), nil
}

// suffix formats the captured output for appending to an error message.
func (l *limitedBuffer) suffix() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := strings.TrimSpace(l.buf.String())
	if s == "" {
		return ""
	}
	return ": " + s
}
