package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegCamera captures JPEG frames from a local capture device or a stream
// URL by piping FFmpeg's image2pipe/mjpeg output. It implements
// verify.Camera: Acquire starts the pipeline, Frame hands out the freshest
// decoded frame, Release tears the process down.
type FFmpegCamera struct {
	source string
	fps    int
	width  int

	mu     sync.Mutex
	cancel context.CancelFunc
	cmd    *exec.Cmd

	frameMu sync.Mutex
	frameCh chan []byte
}

func NewFFmpegCamera(source string, fps, width int) *FFmpegCamera {
	if fps <= 0 {
		fps = 5
	}
	if width <= 0 {
		width = 640
	}
	return &FFmpegCamera{source: source, fps: fps, width: width}
}

// Acquire starts FFmpeg and begins buffering frames. Calling Acquire while
// already held is an error; the capture hardware is exclusive.
func (c *FFmpegCamera) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("camera already acquired")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	switch {
	case strings.HasPrefix(c.source, "/dev/video"):
		args = append(args, "-f", "v4l2")
	case strings.HasPrefix(c.source, "rtsp://"), strings.HasPrefix(c.source, "rtsps://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000",
			"-timeout", "5000000",
		)
	case strings.HasPrefix(c.source, "http://"), strings.HasPrefix(c.source, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000",
		)
	}

	args = append(args,
		"-i", c.source,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-1", c.fps, c.width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	c.cancel = cancel
	c.cmd = cmd
	// Capacity 1 and drop-oldest below: Frame always sees the newest frame,
	// never a stale backlog.
	c.frameCh = make(chan []byte, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	go func() {
		if err := c.readFrames(runCtx, stdout); err != nil && runCtx.Err() == nil {
			slog.Error("camera frame reader stopped", "error", err)
		}
		_ = cmd.Wait()
	}()

	return nil
}

// Frame returns the next captured frame, waiting up to the context deadline.
func (c *FFmpegCamera) Frame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	ch := c.frameCh
	c.mu.Unlock()

	if ch == nil {
		return nil, fmt.Errorf("camera not acquired")
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("camera stream ended")
		}
		return frame, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for frame: %w", ctx.Err())
	}
}

// Release terminates FFmpeg. Safe to call when not held.
func (c *FFmpegCamera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.cancel = nil
	c.cmd = nil
	c.frameCh = nil
}

// readFrames reads concatenated JPEG images from the pipe and publishes each
// one, dropping the previous unconsumed frame. Tolerates initial EOF while
// ffmpeg is still opening the source (up to 5 seconds).
func (c *FFmpegCamera) readFrames(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0
	const maxStartupRetries = 50
	startupRetries := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := findJPEGStart(reader)
		if err != nil {
			if err == io.EOF {
				if framesRead == 0 && startupRetries < maxStartupRetries {
					startupRetries++
					time.Sleep(100 * time.Millisecond)
					continue
				}
				if framesRead > 0 {
					return nil
				}
				return fmt.Errorf("no frames received from ffmpeg (waited %.1fs)", float64(startupRetries)*0.1)
			}
			return err
		}

		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF && framesRead > 0 {
				return nil
			}
			return err
		}

		if len(frameData) > 0 {
			framesRead++
			c.publish(frameData)
		}
	}
}

func (c *FFmpegCamera) publish(frame []byte) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	c.mu.Lock()
	ch := c.frameCh
	c.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- frame:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		// Safety: max 10MB per frame
		if len(data) > 10*1024*1024 {
			return nil, fmt.Errorf("jpeg frame too large: %s bytes", strconv.Itoa(len(data)))
		}
	}
}
