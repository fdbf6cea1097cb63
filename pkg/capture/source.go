package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/pool"
)

// Config describes a raw frame stream.
type Config struct {
	// Path is a file or FIFO of concatenated frames; "-" is stdin.
	Path   string
	Width  int
	Height int
	// FPS paces reads; 0 reads as fast as the input allows.
	FPS int
	// Loop restarts a regular file at EOF.
	Loop bool
}

// FrameSize is the byte size of one frame.
func (c Config) FrameSize() int {
	return c.Width * c.Height * BytesPerPixel
}

// Source reads fixed-size BGRA frames from a byte stream.
type Source struct {
	cfg    Config
	pool   *pool.FramePool
	open   func() (io.ReadCloser, error)
	logger *log.Logger

	seq uint64
}

// NewSource creates a source for cfg.
func NewSource(cfg Config) (*Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, herrors.New(herrors.ErrCaptureSource, fmt.Sprintf("invalid frame size %dx%d", cfg.Width, cfg.Height))
	}
	if cfg.Path == "-" || cfg.Path == "" {
		cfg.Loop = false
	}
	open := func() (io.ReadCloser, error) {
		if cfg.Path == "-" || cfg.Path == "" {
			return io.NopCloser(os.Stdin), nil
		}
		return os.Open(cfg.Path)
	}
	return NewSourceFrom(cfg, open), nil
}

// NewSourceFrom creates a source reading from whatever open returns.
func NewSourceFrom(cfg Config, open func() (io.ReadCloser, error)) *Source {
	return &Source{
		cfg:    cfg,
		pool:   pool.NewFramePool(cfg.FrameSize()),
		open:   open,
		logger: log.GetLogger("capture"),
	}
}

// Pool returns the frame buffer pool.
func (s *Source) Pool() *pool.FramePool {
	return s.pool
}

// Run reads frames and passes each to sink, which takes over the frame's
// reference, until the input ends or ctx is done. A clean EOF returns nil;
// a truncated last frame is an error unless looping.
func (s *Source) Run(ctx context.Context, sink func(*Frame)) error {
	var tick <-chan time.Time
	if s.cfg.FPS > 0 {
		t := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
		defer t.Stop()
		tick = t.C
	}

	for {
		r, err := s.open()
		if err != nil {
			return herrors.Wrap(err, herrors.ErrCaptureSource, "open frame source").SetContext("path", s.cfg.Path)
		}
		start := s.seq
		err = s.readAll(ctx, r, tick, sink)
		r.Close()

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && !(s.cfg.Loop && errors.Is(err, io.ErrUnexpectedEOF)):
			return err
		case !s.cfg.Loop:
			return nil
		case s.seq == start:
			return herrors.New(herrors.ErrCaptureSource, "looped source holds no complete frame").SetContext("path", s.cfg.Path)
		}
		s.logger.Debug("restarting %s at frame %d", s.cfg.Path, s.seq)
	}
}

func (s *Source) readAll(ctx context.Context, r io.Reader, tick <-chan time.Time, sink func(*Frame)) error {
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		buf := s.pool.Get()
		if _, err := io.ReadFull(r, buf); err != nil {
			s.pool.Put(buf)
			if err == io.EOF {
				return nil
			}
			return herrors.Wrap(err, herrors.ErrCaptureSource, "read frame").SetContext("seq", s.seq)
		}
		s.seq++
		sink(NewFrame(s.seq, s.cfg.Width, s.cfg.Height, buf, s.pool))
	}
}
