// Package protocol implements the rotor controller wire format: fixed 19-byte
// frames with a two byte sync header, 16 intensity bytes and an additive
// checksum trailer.
package protocol

import "errors"

const (
    FRAME_LEN         = 19
    FRAME_HEADER_SIZE = 2
    FRAME_PAYLOAD_MAX = 16
    FRAME_SYNC0       = 0xfa
    FRAME_SYNC1       = 0xaf
    FRAME_POS_PAYLOAD = 2
    FRAME_POS_SUM     = FRAME_LEN - 1

    // Intensities arrive as percentages and go out in the device range.
    PERCENT_MAX = 100
    NATIVE_MAX  = 255
)

var ErrTooManyActuators = errors.New("protocol: more than 16 intensities in one frame")

// ScalePercent converts a 0..100 intensity to the device's 0..255 range,
// floor(v*255/100). Values above 100 are clamped first.
func ScalePercent(v byte) byte {
    if v > PERCENT_MAX {
        v = PERCENT_MAX
    }
    return byte(int(v) * NATIVE_MAX / PERCENT_MAX)
}

// EncodeFrame builds one frame from percentage intensities. Unused payload
// bytes are zero; the last byte is Sum8 of the first 18.
func EncodeFrame(intensities []byte) ([FRAME_LEN]byte, error) {
    var out [FRAME_LEN]byte
    if len(intensities) > FRAME_PAYLOAD_MAX {
        return out, ErrTooManyActuators
    }
    out[0] = FRAME_SYNC0
    out[1] = FRAME_SYNC1
    for i, v := range intensities {
        out[FRAME_POS_PAYLOAD+i] = ScalePercent(v)
    }
    out[FRAME_POS_SUM] = Sum8(out[:FRAME_POS_SUM])
    return out, nil
}
