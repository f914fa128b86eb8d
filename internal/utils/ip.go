package utils

import (
	"fmt"
	"net"
)

// GetOutboundIP prefers the outbound IP of this machine
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

// ConsoleURL is the LAN address of the local web console, for sharing with
// nearby devices. Falls back to loopback when no route is available.
func ConsoleURL(port int) string {
	ip, err := GetOutboundIP()
	if err != nil {
		ip = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", ip, port)
}
