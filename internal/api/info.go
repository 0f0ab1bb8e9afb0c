package api

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// localIP returns the first non-loopback IPv4 address, or "127.0.0.1".
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

func hostURL(configured, ip string, port int) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf("http://%s:%d/", ip, port)
}

// diskFree reports free bytes on the filesystem holding path.
func diskFree(path string) (uint64, error) {
	dir := filepath.Dir(path)
	if path == "" {
		dir = "."
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
