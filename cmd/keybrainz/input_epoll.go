//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// readInputEventsEpoll reads from every device with one epoll loop and sends
// the decoded events to out in arrival order.
//
// A device that errors or hangs up is dropped and the others keep going. The
// reader returns an error once no device is left, and nil when ctx is
// canceled.
func readInputEventsEpoll(ctx context.Context, files []*os.File, out chan<- deviceEvent, logger *slog.Logger) error {
	if len(files) == 0 {
		return errors.New("no input devices provided")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	fdToFile := make(map[int]*os.File, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		fdToFile[fd] = f

		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	drop := func(fd int, reason error) {
		f := fdToFile[fd]
		_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(fdToFile, fd)
		logger.Warn("input device removed", "device", f.Name(), "error", reason, "remaining", len(fdToFile))
	}

	const maxEvents = 16
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, inputEventSize*64)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if len(fdToFile) == 0 {
			return errors.New("all input devices are gone")
		}

		// Bounded wait so shutdown is noticed without closing the fds under us.
		n, err := unix.EpollWait(epfd, epollEvents, epollTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := range n {
			fd := int(epollEvents[i].Fd)
			f, ok := fdToFile[fd]
			if !ok {
				continue
			}

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				drop(fd, errors.New("device error or hangup"))
				continue
			}

			nr, err := unix.Read(fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					continue
				}
				drop(fd, err)
				continue
			}
			if nr == 0 {
				drop(fd, errors.New("EOF"))
				continue
			}

			for _, ev := range decodeInputEvents(buf[:nr]) {
				select {
				case out <- deviceEvent{Device: f.Name(), inputEvent: ev}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}
