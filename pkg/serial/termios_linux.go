//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

// setSpeed stores the line rate. Linux keeps it in the CBAUD bits of Cflag
// as well as in the speed fields.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}
