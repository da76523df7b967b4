/* SPDX-License-Identifier: GPL-2.0
 *
 * Copyright (C) 2017-2018 Jason A. Donenfeld <Jason@zx2c4.com>. All Rights Reserved.
 * Copyright (C) 2017-2018 Mathias N. Hall-Andersen <mathias@hall-andersen.dk>.
 */

// Package tun owns a multi-queue Linux TUN device operating in raw L3
// mode (no link-layer framing, no packet-information header): one file
// descriptor per queue, read and written by exactly one worker each.
package tun

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nat64d/nat64d/pkg/tun/rwcancel"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64

	// DefaultMTU is the MTU installed on a newly created device per
	// spec.md §4.8.
	DefaultMTU = 1500
)

// queue is one of the device's file descriptors, read/written by exactly
// one worker goroutine.
type queue struct {
	fd     *os.File
	cancel *rwcancel.RWCancel
}

// Device is a multi-queue, packet-information-free Linux TUN device.
type Device struct {
	name   string
	index  int32
	queues []*queue
}

// Open requests a point-to-point L3 interface named name with the given
// number of queues (at least 1) and the default MTU. The kernel
// demultiplexes flows across queues; queue i is exclusively owned by
// whichever caller later reads/writes index i.
func Open(name string, numQueues int) (*Device, error) {
	if numQueues < 1 {
		numQueues = 1
	}

	dev := &Device{name: name}
	for i := 0; i < numQueues; i++ {
		q, err := openQueue(dev.name, i == 0)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("tun: open queue %d: %w", i, err)
		}
		dev.queues = append(dev.queues, q)
		if i == 0 {
			// Later queues use the kernel-assigned name, so a "%d"
			// template does not create a new interface per queue.
			if err := dev.readName(); err != nil {
				dev.Close()
				return nil, err
			}
		}
	}

	index, err := getIFIndex(dev.name)
	if err != nil {
		dev.Close()
		return nil, err
	}
	dev.index = index

	if err := dev.SetMTU(DefaultMTU); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

// openQueue opens one clone-device fd and attaches it as a multi-queue
// TUN queue to the interface called name, creating that interface if it
// does not exist yet. Open passes the caller's name (which may be a "%d"
// template) for queue 0, where first is true, and the kernel-assigned
// name for every later queue; first itself does not change the request.
func openQueue(name string, first bool) (*queue, error) {
	nfd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	fd := os.NewFile(uintptr(nfd), cloneDevicePath)

	var ifr [ifReqSize]byte
	// IFF_NO_PI: raw L3 frames with no 4-byte packet-information header.
	// IFF_MULTI_QUEUE: this fd is one of several queues on the same
	// interface.
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI | unix.IFF_MULTI_QUEUE)
	nameBytes := []byte(name)
	if len(nameBytes) >= unix.IFNAMSIZ {
		fd.Close()
		return nil, errors.New("tun: interface name too long")
	}
	copy(ifr[:], nameBytes)
	binary.LittleEndian.PutUint16(ifr[16:], flags)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		fd.Close()
		return nil, errno
	}

	cancel, err := rwcancel.NewRWCancel(int(fd.Fd()))
	if err != nil {
		fd.Close()
		return nil, err
	}
	return &queue{fd: fd, cancel: cancel}, nil
}

func (d *Device) readName() error {
	var ifr [ifReqSize]byte
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.queues[0].fd.Fd(), uintptr(unix.TUNGETIFF), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		return fmt.Errorf("tun: get interface name: %w", errno)
	}
	nullStr := ifr[:]
	if i := bytes.IndexByte(nullStr, 0); i != -1 {
		nullStr = nullStr[:i]
	}
	d.name = string(nullStr)
	return nil
}

func getDummySock() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
}

func getIFIndex(name string) (int32, error) {
	fd, err := getDummySock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFINDEX), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		return 0, errno
	}
	return int32(binary.LittleEndian.Uint32(ifr[unix.IFNAMSIZ:])), nil
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string {
	return d.name
}

// Index returns the kernel interface index, usable with pkg/route.
func (d *Device) Index() int32 {
	return d.index
}

// NumQueues returns the number of queues the device was opened with.
func (d *Device) NumQueues() int {
	return len(d.queues)
}

// SetMTU installs n as the interface's MTU.
func (d *Device) SetMTU(n int) error {
	fd, err := getDummySock()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], d.name)
	binary.LittleEndian.PutUint32(ifr[16:20], uint32(n))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		return fmt.Errorf("tun: set MTU: %w", errno)
	}
	return nil
}

// MTU reports the interface's current MTU.
func (d *Device) MTU() (int, error) {
	fd, err := getDummySock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], d.name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFMTU), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		return 0, fmt.Errorf("tun: get MTU: %w", errno)
	}
	return int(int32(binary.LittleEndian.Uint32(ifr[16:20]))), nil
}

// ReadPacket reads one raw L3 frame from queue into buf, blocking until a
// frame arrives or the device is closed. queue must be in
// [0, NumQueues()) and must be used by only one goroutine at a time.
func (d *Device) ReadPacket(queueID int, buf []byte) (int, error) {
	q := d.queues[queueID]
	for {
		n, err := q.fd.Read(buf)
		if err == nil || !rwcancel.ErrorIsEAGAIN(err) {
			return n, err
		}
		if !q.cancel.ReadyRead() {
			return 0, errors.New("tun: device closed")
		}
	}
}

// WritePacket writes one raw L3 frame to queue.
func (d *Device) WritePacket(queueID int, buf []byte) (int, error) {
	q := d.queues[queueID]
	for {
		n, err := q.fd.Write(buf)
		if err == nil || !rwcancel.ErrorIsEAGAIN(err) {
			return n, err
		}
		if !q.cancel.ReadyWrite() {
			return 0, errors.New("tun: device closed")
		}
	}
}

// Close releases every queue file descriptor.
func (d *Device) Close() error {
	var first error
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		if q.cancel != nil {
			if err := q.cancel.Cancel(); err != nil && first == nil {
				first = err
			}
		}
		if err := q.fd.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
