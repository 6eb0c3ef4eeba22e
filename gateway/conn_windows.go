// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build windows

package gateway

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sioUDPConnReset is WSAIoctl's SIO_UDP_CONNRESET control code. Without
// disabling it, a prior ICMP port-unreachable for a datagram this socket
// sent fails the next ReadFrom on the same socket with WSAECONNRESET,
// which would otherwise look like a real read error to inboundLoop.
const sioUDPConnReset = windows.IOC_IN | windows.IOC_VENDOR | 12

// disableConnReset turns off SIO_UDP_CONNRESET on pc's underlying socket.
func disableConnReset(pc net.PacketConn) error {
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("gateway: syscallconn: %w", err)
	}
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		flag := uint32(0)
		var ret uint32
		ctlErr = windows.WSAIoctl(windows.Handle(fd), sioUDPConnReset, (*byte)(unsafe.Pointer(&flag)), 4,
			nil, 0, &ret, nil, 0)
	})
	if err != nil {
		return err
	}
	return ctlErr
}
