//go:build linux

// Package asyncsafe provides last-resort diagnostics for the thread
// bootstrap core.
//
// Failures in thread setup happen in contexts where the usual logging
// machinery may not be usable: partially initialized threads, failure paths
// that are about to unmap the memory they stand on, or teardown after the
// runtime of the new thread never came up. Messages here are formatted into
// a fixed stack buffer and handed to write(2) on stderr in a single call,
// without fmt and without heap-backed buffers.
//
// The formatter understands a deliberately small verb set: %s, %d, %x and
// %%. Anything else renders as %!. Output is truncated at the buffer size
// rather than split across writes.
package asyncsafe

import "golang.org/x/sys/unix"

// bufSize bounds one log line including prefix and newline.
const bufSize = 256

// sink receives each completed line. Nil means stderr. Swapped out by
// tests; production code never touches it.
var sink func(line []byte)

// SetSink redirects log lines to fn, or back to stderr when fn is nil.
// Primarily used in tests. Not safe to call concurrently with logging.
func SetSink(fn func(line []byte)) {
	sink = fn
}

// Warnf reports a recoverable setup problem, such as an auxiliary stack
// that could not be installed.
func Warnf(format string, args ...interface{}) {
	logf("pthread: warning: ", format, args)
}

// Errorf reports a setup failure that aborts the operation in progress.
func Errorf(format string, args ...interface{}) {
	logf("pthread: error: ", format, args)
}

// Fatalf reports an unrecoverable condition and panics. It is reserved for
// states no caller can continue from, such as failing to map the one page
// of early-bootstrap storage a thread cannot run without.
func Fatalf(format string, args ...interface{}) {
	logf("pthread: fatal: ", format, args)
	panic("pthread: fatal error during thread setup")
}

func logf(prefix, format string, args []interface{}) {
	var buf [bufSize]byte
	n := copy(buf[:], prefix)
	n = appendFormat(buf[:], n, format, args)
	if n < len(buf) {
		buf[n] = '\n'
		n++
	} else {
		buf[n-1] = '\n'
	}
	if sink != nil {
		sink(buf[:n])
		return
	}
	// Error deliberately dropped: there is no one left to tell.
	_, _ = unix.Write(2, buf[:n])
}

func appendFormat(buf []byte, n int, format string, args []interface{}) int {
	arg := 0
	for i := 0; i < len(format) && n < len(buf); i++ {
		c := format[i]
		if c != '%' {
			buf[n] = c
			n++
			continue
		}
		i++
		if i >= len(format) {
			break
		}
		switch format[i] {
		case '%':
			buf[n] = '%'
			n++
		case 's':
			n = appendString(buf, n, stringArg(args, arg))
			arg++
		case 'd':
			v, neg := intArg(args, arg)
			arg++
			if neg {
				if n < len(buf) {
					buf[n] = '-'
					n++
				}
			}
			n = appendUint(buf, n, v, 10)
		case 'x':
			v, _ := intArg(args, arg)
			arg++
			n = appendUint(buf, n, v, 16)
		default:
			n = appendString(buf, n, "%!")
		}
	}
	return n
}

func stringArg(args []interface{}, i int) string {
	if i >= len(args) {
		return "%!(missing)"
	}
	switch v := args[i].(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return "%!(badtype)"
	}
}

// intArg widens any supported integer argument to a magnitude plus sign.
func intArg(args []interface{}, i int) (mag uint64, neg bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case int:
		if v < 0 {
			return uint64(-int64(v)), true
		}
		return uint64(v), false
	case int32:
		if v < 0 {
			return uint64(-int64(v)), true
		}
		return uint64(v), false
	case int64:
		if v < 0 {
			return uint64(-v), true
		}
		return uint64(v), false
	case uint32:
		return uint64(v), false
	case uint64:
		return v, false
	case uintptr:
		return uint64(v), false
	case unix.Errno:
		return uint64(v), false
	default:
		return 0, false
	}
}

func appendString(buf []byte, n int, s string) int {
	return n + copy(buf[n:], s)
}

const digits = "0123456789abcdef"

func appendUint(buf []byte, n int, v uint64, base uint64) int {
	// Render backwards into a scratch array, then copy forward.
	var tmp [20]byte
	p := len(tmp)
	for {
		p--
		tmp[p] = digits[v%base]
		v /= base
		if v == 0 {
			break
		}
	}
	return n + copy(buf[n:], tmp[p:])
}

// ErrnoName renders err the way kernel documentation spells it (ENOMEM,
// EAGAIN, ...), falling back to the numeric value for unknown errors. It
// accepts arbitrary errors so call sites can pass whatever the syscall
// layer returned.
func ErrnoName(err error) string {
	errno, ok := err.(unix.Errno)
	if !ok {
		if err == nil {
			return "OK"
		}
		return err.Error()
	}
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return errno.Error()
}
