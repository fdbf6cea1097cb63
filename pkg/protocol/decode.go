package protocol

import (
    "bufio"
    "errors"
    "io"
)

var (
    ErrShortFrame  = errors.New("protocol: frame shorter than 19 bytes")
    ErrBadHeader   = errors.New("protocol: missing FA AF sync header")
    ErrBadChecksum = errors.New("protocol: checksum mismatch")
)

// Frame is a decoded controller frame.
type Frame struct {
    Native   [FRAME_PAYLOAD_MAX]byte
    Checksum byte
}

// Percent returns the payload mapped back to 0..100. The mapping is lossy:
// Percent(ScalePercent(v)) may be v-1.
func (f Frame) Percent() [FRAME_PAYLOAD_MAX]byte {
    var out [FRAME_PAYLOAD_MAX]byte
    for i, v := range f.Native {
        out[i] = byte(int(v) * PERCENT_MAX / NATIVE_MAX)
    }
    return out
}

// Active returns how many payload slots are non-zero.
func (f Frame) Active() int {
    n := 0
    for _, v := range f.Native {
        if v != 0 {
            n++
        }
    }
    return n
}

// DecodeFrame validates and decodes the first FRAME_LEN bytes of buf.
func DecodeFrame(buf []byte) (Frame, error) {
    var f Frame
    if len(buf) < FRAME_LEN {
        return f, ErrShortFrame
    }
    if buf[0] != FRAME_SYNC0 || buf[1] != FRAME_SYNC1 {
        return f, ErrBadHeader
    }
    copy(f.Native[:], buf[FRAME_POS_PAYLOAD:FRAME_POS_SUM])
    f.Checksum = buf[FRAME_POS_SUM]
    if Sum8(buf[:FRAME_POS_SUM]) != f.Checksum {
        return f, ErrBadChecksum
    }
    return f, nil
}

// FrameReader pulls frames out of a byte stream, resynchronising on the
// sync header after garbage or a bad checksum.
type FrameReader struct {
    r         *bufio.Reader
    Skipped   int // bytes discarded while hunting for a header
    BadFrames int // frames dropped for checksum mismatch
}

func NewFrameReader(r io.Reader) *FrameReader {
    return &FrameReader{r: bufio.NewReaderSize(r, 4*FRAME_LEN)}
}

// Next blocks until a valid frame arrives or the reader fails.
func (fr *FrameReader) Next() (Frame, error) {
    for {
        b, err := fr.r.ReadByte()
        if err != nil {
            return Frame{}, err
        }
        if b != FRAME_SYNC0 {
            fr.Skipped++
            continue
        }
        next, err := fr.r.Peek(1)
        if err != nil {
            return Frame{}, err
        }
        if next[0] != FRAME_SYNC1 {
            fr.Skipped++
            continue
        }
        rest, err := fr.r.Peek(FRAME_LEN - 1)
        if err != nil {
            if errors.Is(err, io.EOF) {
                return Frame{}, io.ErrUnexpectedEOF
            }
            return Frame{}, err
        }
        var raw [FRAME_LEN]byte
        raw[0] = b
        copy(raw[1:], rest)
        f, err := DecodeFrame(raw[:])
        if err != nil {
            // Leave the rest in the buffer; a real header may start inside it.
            fr.BadFrames++
            continue
        }
        fr.r.Discard(FRAME_LEN - 1)
        return f, nil
    }
}
