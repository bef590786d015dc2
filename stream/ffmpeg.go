package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mode selects how the origin is consumed
type Mode string

const (
	// ModeLive is for live origins (RTSP, HTTP, V4L2): frames as fast as the origin produces them
	ModeLive Mode = "live"
	// ModeFile is for file playback: ffmpeg paces frames at native rate
	ModeFile Mode = "file"
)

// FFmpegDialer opens origins through an ffmpeg child process which emits an MJPEG image2pipe.
type FFmpegDialer struct {
	// Binary is ffmpeg executable. Default is "ffmpeg"
	Binary string
	// Mode of the origin
	Mode Mode
	// FPS limits output rate when positive
	FPS int
	// OpenTimeout bounds waiting for the first frame. Default is 10s
	OpenTimeout time.Duration
}

// Args builds ffmpeg arguments for address
func (d FFmpegDialer) Args(address string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch {
	case strings.HasPrefix(address, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp", "-i", address)
	case strings.HasPrefix(address, "http://"), strings.HasPrefix(address, "https://"):
		args = append(args, "-i", address)
	case strings.HasPrefix(address, "/dev/video"):
		// V4L2 device (USB camera)
		args = append(args, "-f", "v4l2", "-i", address)
	default:
		if d.Mode == ModeFile {
			args = append(args, "-re")
		}
		args = append(args, "-i", address)
	}
	args = append(args, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5")
	if d.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", d.FPS))
	}
	return append(args, "-")
}

// Dial starts ffmpeg and waits for the first decoded frame, so a returned Conn is known to produce frames.
func (d FFmpegDialer) Dial(ctx context.Context, address string) (Conn, error) {
	binary := d.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	openTimeout := d.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}

	cmd := exec.Command(binary, d.Args(address)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "Can't create stdout pipe")
	}
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "Can't start %s", binary)
	}

	conn := &ffmpegConn{
		cmd:    cmd,
		stderr: stderr,
		reader: newJPEGSplitter(stdout),
	}

	type firstFrame struct {
		img image.Image
		err error
	}
	first := make(chan firstFrame, 1)
	go func() {
		img, err := conn.ReadFrame()
		first <- firstFrame{img: img, err: err}
	}()

	timer := time.NewTimer(openTimeout)
	defer timer.Stop()
	select {
	case res := <-first:
		if res.err != nil {
			conn.Close()
			return nil, errors.Wrapf(res.err, "Can't open %s: %s", address, stderr.String())
		}
		conn.pending = res.img
		return conn, nil
	case <-timer.C:
		conn.Close()
		<-first
		return nil, errors.Errorf("Can't open %s: no frame within %s", address, openTimeout)
	case <-ctx.Done():
		conn.Close()
		<-first
		return nil, ctx.Err()
	}
}

// ffmpegConn is a running ffmpeg process
type ffmpegConn struct {
	cmd       *exec.Cmd
	stderr    *tailBuffer
	reader    *jpegSplitter
	pending   image.Image
	closeOnce sync.Once
	closeErr  error
}

// ReadFrame implements Conn
func (c *ffmpegConn) ReadFrame() (image.Image, error) {
	if c.pending != nil {
		img := c.pending
		c.pending = nil
		return img, nil
	}
	data, err := c.reader.Next()
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "Can't decode frame")
	}
	return img, nil
}

// Close kills ffmpeg and reaps it
func (c *ffmpegConn) Close() error {
	c.closeOnce.Do(func() {
		if c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil {
				c.closeErr = errors.Wrap(err, "Can't kill ffmpeg")
			}
		}
		// Killed process exits with a signal error, which is expected
		_ = c.cmd.Wait()
	})
	return c.closeErr
}

const (
	jpegMarker = 0xFF
	jpegSOI    = 0xD8
	jpegEOI    = 0xD9
)

// jpegSplitter extracts complete JPEG images from a concatenated MJPEG byte stream
type jpegSplitter struct {
	reader *bufio.Reader
	buffer []byte
}

func newJPEGSplitter(r io.Reader) *jpegSplitter {
	return &jpegSplitter{
		reader: bufio.NewReaderSize(r, 64*1024),
		buffer: make([]byte, 0, 1024*1024),
	}
}

// Next returns the next complete image (SOI..EOI). Bytes before SOI are skipped.
func (s *jpegSplitter) Next() ([]byte, error) {
	s.buffer = s.buffer[:0]
	inImage := false
	var prev byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			if err == io.EOF && inImage {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if !inImage {
			if prev == jpegMarker && b == jpegSOI {
				inImage = true
				s.buffer = append(s.buffer, jpegMarker, jpegSOI)
				prev = 0
				continue
			}
			prev = b
			continue
		}
		s.buffer = append(s.buffer, b)
		if prev == jpegMarker && b == jpegEOI {
			frame := make([]byte, len(s.buffer))
			copy(frame, s.buffer)
			return frame, nil
		}
		prev = b
	}
}

// tailBuffer keeps the last bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data))
}
