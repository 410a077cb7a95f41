package scp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	ackOK      byte = 0
	ackWarning byte = 1
	ackFatal   byte = 2

	// MaxLineLength is the longest protocol line accepted from the remote side.
	MaxLineLength = 8192

	// DefaultMode is sent in the C line when no publish mode is configured.
	DefaultMode = "0600"

	modeLength = 4
	bufferSize = 64 * 1024
)

// FileInfo is the file description carried by the T and C lines.
type FileInfo struct {
	Name   string
	Length int64
	// LastModified is in seconds since the epoch. Zero when the remote sent no T line.
	LastModified int64
}

func (fi *FileInfo) ModTime() time.Time {
	if fi.LastModified == 0 {
		return time.Time{}
	}
	return time.Unix(fi.LastModified, 0)
}

// ValidateMode checks that mode is a four digit string such as "0644".
func ValidateMode(mode string) error {
	if len(mode) != modeLength {
		return &ModeError{Mode: mode}
	}
	for i := 0; i < len(mode); i++ {
		if mode[i] < '0' || mode[i] > '9' {
			return &ModeError{Mode: mode}
		}
	}
	return nil
}

// EncodeCLine renders the file descriptor line, terminator included.
func EncodeCLine(mode string, length int64, name string) string {
	return "C" + mode + " " + strconv.FormatInt(length, 10) + " " + name + "\n"
}

// ParseCLine decodes the body of a C line (without the leading 'C' and the
// newline): "<mode> <length> <name>".
func ParseCLine(line string) (FileInfo, error) {
	// shortest valid body is "xxxx y z"
	if len(line) < modeLength+4 {
		return FileInfo{}, protocolError("malformed C line, line too short")
	}
	if line[modeLength] != ' ' || line[modeLength+1] == ' ' {
		return FileInfo{}, protocolError("malformed C line: %q", line)
	}
	if err := ValidateMode(line[:modeLength]); err != nil {
		return FileInfo{}, protocolError("malformed C line, bad mode: %q", line)
	}

	rest := line[modeLength+1:]
	sep := strings.IndexByte(rest, ' ')
	if sep <= 0 || sep == len(rest)-1 {
		return FileInfo{}, protocolError("malformed C line: %q", line)
	}

	length, err := strconv.ParseInt(rest[:sep], 10, 64)
	if err != nil {
		return FileInfo{}, protocolError("malformed C line, cannot parse file length: %q", line)
	}
	if length < 0 {
		return FileInfo{}, protocolError("malformed C line, illegal file length: %q", line)
	}

	return FileInfo{Name: rest[sep+1:], Length: length}, nil
}

// ParseTLine decodes the body of a T line: "<mtime> <mtime-us> <atime> <atime-us>".
// Only the modification time in seconds is returned.
func ParseTLine(line string) (int64, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 4 {
		return 0, protocolError("malformed T line: %q", line)
	}
	var values [4]int64
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return 0, protocolError("malformed T line, cannot parse times: %q", line)
		}
		if v < 0 {
			return 0, protocolError("malformed T line, negative time: %q", line)
		}
		values[i] = v
	}
	return values[0], nil
}

func readLine(r io.ByteReader) (string, error) {
	var sb strings.Builder
	for {
		if sb.Len() > MaxLineLength {
			return "", protocolError("remote scp sent a too long line")
		}
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", protocolError("remote scp terminated unexpectedly")
			}
			return "", err
		}
		if c == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(c)
	}
}

// readAck consumes one status byte and, for non-zero statuses, the error line
// that follows it.
func readAck(r *bufio.Reader) error {
	c, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return protocolError("remote scp terminated unexpectedly")
		}
		return err
	}

	switch c {
	case ackOK:
		return nil
	case ackWarning, ackFatal:
		line, err := readLine(r)
		if err != nil {
			return err
		}
		return &ProtocolError{
			Msg:     "remote scp terminated with error",
			Remote:  line,
			Warning: c == ackWarning,
		}
	default:
		return protocolError("remote scp sent illegal error code %d", c)
	}
}

func writeAck(w *bufio.Writer) error {
	if err := w.WriteByte(ackOK); err != nil {
		return err
	}
	return w.Flush()
}

// Send runs the upload side of the protocol: it waits for the remote to be
// ready, announces the file, streams exactly length bytes from src and closes
// the transfer.
func Send(w *bufio.Writer, r *bufio.Reader, src io.Reader, length int64, name, mode string) error {
	if err := readAck(r); err != nil {
		return err
	}

	if _, err := w.WriteString(EncodeCLine(mode, length, name)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}

	n, err := io.CopyN(w, src, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("cannot read enough from local source %s: got %d of %d bytes", name, n, length)
		}
		return err
	}

	if err := writeAck(w); err != nil {
		return err
	}
	if err := readAck(r); err != nil {
		return err
	}

	if _, err := w.WriteString("E\n"); err != nil {
		return err
	}
	return w.Flush()
}

// Receive runs the download side of the protocol. With a nil sink it returns
// as soon as the C line has been read, without transferring any file data.
func Receive(w *bufio.Writer, r *bufio.Reader, sink io.Writer) (*FileInfo, error) {
	if err := writeAck(w); err != nil {
		return nil, err
	}

	info := &FileInfo{}
	for header := true; header; {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, protocolError("remote scp terminated unexpectedly")
			}
			return nil, err
		}

		line, err := readLine(r)
		if err != nil {
			return nil, err
		}

		switch c {
		case 'T':
			mtime, err := ParseTLine(line)
			if err != nil {
				return nil, err
			}
			info.LastModified = mtime
			if err := writeAck(w); err != nil {
				return nil, err
			}
		case 'C':
			fi, err := ParseCLine(line)
			if err != nil {
				return nil, err
			}
			info.Name = fi.Name
			info.Length = fi.Length
			header = false
		case ackWarning, ackFatal:
			return nil, &ProtocolError{Msg: "remote scp error", Remote: line, Warning: c == ackWarning}
		default:
			return nil, protocolError("remote scp sent unexpected line: %q", string(c)+line)
		}
	}

	if sink == nil {
		return info, nil
	}

	if err := writeAck(w); err != nil {
		return nil, err
	}

	n, err := io.CopyN(sink, r, info.Length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("remote scp terminated connection unexpectedly after %d of %d bytes: %w",
				n, info.Length, io.ErrUnexpectedEOF)
		}
		return nil, err
	}

	if err := readAck(r); err != nil {
		return nil, err
	}
	if err := writeAck(w); err != nil {
		return nil, err
	}
	return info, nil
}
