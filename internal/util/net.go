// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package util holds small shared helpers.
package util

import (
	"net"
	"net/netip"
	"strings"
)

// IsLoopback reports whether addr (a host, host:port, or bracketed IPv6
// form) refers to the local host. The connector uses it to decide whether
// an unencrypted ws:// broker URL deserves a warning.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
