// Package portprobe checks TCP port availability and ownership. Owner
// lookup parses /proc/net/tcp and cross-references /proc/<pid>/fd socket
// inodes directly, the same technique psutil uses internally on Linux.
package portprobe

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Owner describes the process bound to a port, when known.
type Owner struct {
	PID     int
	Cmdline string
}

// Info is the Port Probe's verdict for one (host, port) pair.
type Info struct {
	Port         int
	Available    bool
	Owner        *Owner
	InstanceName string // set when Owner.PID/Port match a known runtime record
}

// Available attempts to bind (host, port) with SO_REUSEADDR semantics,
// releasing immediately on success.
func Available(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// FindOwner scans /proc/net/tcp (and tcp6) for a listening socket on port,
// then walks /proc/*/fd to find the pid holding that socket's inode.
func FindOwner(port int) *Owner {
	inode := findListenInode(port)
	if inode == "" {
		return nil
	}
	pid := findPIDForInode(inode)
	if pid == 0 {
		return nil
	}
	cmdline := readCmdline(pid)
	return &Owner{PID: pid, Cmdline: cmdline}
}

func findListenInode(port int) string {
	hexPort := strings.ToUpper(strconv.FormatInt(int64(port), 16))
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		for _, line := range lines[1:] {
			fields := strings.Fields(line)
			if len(fields) < 10 {
				continue
			}
			// local_address is "IP:PORT" in hex; st == "0A" means LISTEN.
			localParts := strings.Split(fields[1], ":")
			if len(localParts) != 2 {
				continue
			}
			if !strings.EqualFold(localParts[1], hexPort) {
				continue
			}
			if fields[3] != "0A" {
				continue
			}
			return fields[9]
		}
	}
	return ""
}

func findPIDForInode(inode string) int {
	target := fmt.Sprintf("socket:[%s]", inode)
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	for _, e := range procEntries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid
			}
		}
	}
	return 0
}

func readCmdline(pid int) string {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	return strings.Join(parts, " ")
}

// RuntimeLookup resolves (pid, port) pairs against known instances, used
// to mark legitimate same-instance reuse during restart.
type RuntimeLookup func(pid, port int) (instanceName string, ok bool)

// Inspect returns full Info for (host, port), cross-referencing lookup to
// detect ownership by a known instance.
func Inspect(host string, port int, lookup RuntimeLookup) Info {
	if Available(host, port) {
		return Info{Port: port, Available: true}
	}

	info := Info{Port: port, Available: false}
	owner := FindOwner(port)
	if owner == nil {
		return info
	}
	info.Owner = owner

	if lookup != nil {
		if name, ok := lookup(owner.PID, port); ok {
			info.InstanceName = name
		}
	}
	return info
}

// ValidateForInstance reports whether port may be used by instanceName:
// allowed if available, or already owned by that same instance (restart
// reuse). Otherwise returns a human-readable collision reason.
func ValidateForInstance(host string, port int, instanceName string, lookup RuntimeLookup) (bool, string) {
	info := Inspect(host, port, lookup)
	if info.Available {
		return true, fmt.Sprintf("port %d is available", port)
	}
	if info.InstanceName == instanceName {
		return true, fmt.Sprintf("port %d is already owned by instance %q", port, instanceName)
	}
	if info.InstanceName != "" {
		return false, fmt.Sprintf("port %d is in use by instance %q", port, info.InstanceName)
	}
	if info.Owner != nil {
		return false, fmt.Sprintf("port %d is in use by pid %d (%s)", port, info.Owner.PID, info.Owner.Cmdline)
	}
	return false, fmt.Sprintf("port %d is in use by an unknown process", port)
}

// Suggest returns preferred if valid for instanceName, else the first free
// port in [rangeStart, rangeEnd] not already claimed by usedPorts.
func Suggest(host string, preferred int, instanceName string, rangeStart, rangeEnd int, usedPorts map[int]bool, lookup RuntimeLookup) (int, bool) {
	if preferred > 0 {
		if ok, _ := ValidateForInstance(host, preferred, instanceName, lookup); ok {
			return preferred, true
		}
	}
	for p := rangeStart; p <= rangeEnd; p++ {
		if usedPorts[p] {
			continue
		}
		if Available(host, p) {
			return p, true
		}
	}
	return 0, false
}

// WaitForListen polls until a TCP connection to (host, port) succeeds or
// deadline elapses.
func WaitForListen(host string, port int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 1*time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// WaitForRelease polls until (host, port) becomes bindable again or
// deadline elapses.
func WaitForRelease(host string, port int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Available(host, port) {
			return true
		}
		time.Sleep(interval)
	}
	return false
}
