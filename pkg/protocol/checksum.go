package protocol

// Sum8 is the frame checksum: the unsigned 8-bit sum of buf.
func Sum8(buf []byte) byte {
    var sum byte
    for _, b := range buf {
        sum += b
    }
    return sum
}
