//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

// setSpeed stores the speed in both places the kernel may read it from.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}

// drain is tcdrain(3): TCSBRK with a non-zero argument waits for output
// without sending a break.
func drain(fd int) error {
	return unix.IoctlSetInt(fd, unix.TCSBRK, 1)
}
