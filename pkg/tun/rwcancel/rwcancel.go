/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package rwcancel lets a blocking read or write on a file descriptor be
// interrupted by a concurrent Cancel call, using a self-pipe polled
// alongside the target descriptor.
package rwcancel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RWCancel wraps a non-blocking file descriptor with a pipe used to wake
// a blocked poll() from another goroutine.
type RWCancel struct {
	fd            int
	closingReader *os.File
	closingWriter *os.File
}

// NewRWCancel creates an RWCancel around fd, which must already be in
// non-blocking mode.
func NewRWCancel(fd int) (*RWCancel, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &RWCancel{
		fd:            fd,
		closingReader: reader,
		closingWriter: writer,
	}, nil
}

// ReadyRead blocks until fd is ready to read or Cancel is called, and
// reports whether fd is the one that became ready.
func (rw *RWCancel) ReadyRead() bool {
	return rw.ready(unix.POLLIN)
}

// ReadyWrite blocks until fd is ready to write or Cancel is called, and
// reports whether fd is the one that became ready.
func (rw *RWCancel) ReadyWrite() bool {
	return rw.ready(unix.POLLOUT)
}

func (rw *RWCancel) ready(events int16) bool {
	fds := []unix.PollFd{
		{Fd: int32(rw.fd), Events: events},
		{Fd: int32(rw.closingReader.Fd()), Events: unix.POLLIN},
	}
	for {
		_, err := poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false
		}
		break
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		return false
	}
	return fds[0].Revents&events != 0
}

// Cancel unblocks any goroutine currently parked in ReadyRead/ReadyWrite.
func (rw *RWCancel) Cancel() error {
	_, err := rw.closingWriter.Write([]byte{0})
	if err != nil && !os.IsTimeout(err) {
		return fmt.Errorf("rwcancel: write to cancel pipe: %w", err)
	}
	return nil
}

// ErrorIsEAGAIN reports whether err is the non-blocking "would block"
// errno returned by a read or write that should be retried after a
// successful ReadyRead/ReadyWrite.
func ErrorIsEAGAIN(err error) bool {
	return err == unix.EAGAIN
}
