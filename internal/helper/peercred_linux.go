package helper

import (
	"net"

	"golang.org/x/sys/unix"
)

type peer struct {
	UID int
	PID int
}

func peerCredentials(conn net.Conn) (peer, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return peer{}, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return peer{}, false
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return peer{}, false
	}
	return peer{UID: int(cred.Uid), PID: int(cred.Pid)}, true
}
