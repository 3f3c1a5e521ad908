// Package hardware reads RDMA device attributes from sysfs. It works without
// libibverbs, so the CLI can show link state on hosts where the verbs
// backend is not compiled in.
package hardware

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is where the kernel publishes RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

// PortInfo describes one physical port of an RDMA device.
type PortInfo struct {
	Number    int    `json:"number"`
	LinkLayer string `json:"link_layer"` // InfiniBand, Ethernet
	State     string `json:"state"`      // ACTIVE, DOWN
	PhysState string `json:"phys_state"`
	LID       uint16 `json:"lid"`
	Rate      uint64 `json:"rate_gbps"`
}

// Active reports whether the port can carry traffic.
func (p PortInfo) Active() bool {
	return p.State == "ACTIVE"
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name"`
	DevicePath   string     `json:"device_path"`
	NodeGUID     string     `json:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid"`
	BoardID      string     `json:"board_id"`
	FirmwareVer  string     `json:"firmware_version"`
	NodeType     string     `json:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports"`
}

// ActivePort returns the first active port, or false if none is up.
func (d RDMAInfo) ActivePort() (PortInfo, bool) {
	for _, p := range d.Ports {
		if p.Active() {
			return p, true
		}
	}

	return PortInfo{}, false
}

// Scanner reads devices below a sysfs root.
type Scanner struct {
	root string
}

// NewScanner returns a scanner for root, or DefaultSysfsRoot when empty.
func NewScanner(root string) *Scanner {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &Scanner{root: root}
}

// Scan lists the RDMA devices under the root, sorted by name. A missing
// root means no devices, not an error.
func (s *Scanner) Scan() ([]RDMAInfo, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("root", s.root).Msg("No RDMA devices found in sysfs")
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	devices := make([]RDMAInfo, 0, len(entries))

	for _, entry := range entries {
		devicePath := filepath.Join(s.root, entry.Name())
		device := RDMAInfo{
			Name:         entry.Name(),
			DevicePath:   devicePath,
			NodeGUID:     readSysfsFile(filepath.Join(devicePath, "node_guid")),
			SysImageGUID: readSysfsFile(filepath.Join(devicePath, "sys_image_guid")),
			BoardID:      readSysfsFile(filepath.Join(devicePath, "board_id")),
			FirmwareVer:  readSysfsFile(filepath.Join(devicePath, "fw_ver")),
			NodeType:     parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type"))),
		}

		device.Ports = scanPorts(filepath.Join(devicePath, "ports"))
		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

	return devices, nil
}

func scanPorts(portsPath string) []PortInfo {
	entries, err := os.ReadDir(portsPath)
	if err != nil {
		return nil
	}

	ports := make([]PortInfo, 0, len(entries))

	for _, entry := range entries {
		num, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		path := filepath.Join(portsPath, entry.Name())
		lid, _ := strconv.ParseUint(strings.TrimPrefix(readSysfsFile(filepath.Join(path, "lid")), "0x"), 16, 16)

		ports = append(ports, PortInfo{
			Number:    num,
			LinkLayer: readSysfsFile(filepath.Join(path, "link_layer")),
			State:     parseState(readSysfsFile(filepath.Join(path, "state"))),
			PhysState: parseState(readSysfsFile(filepath.Join(path, "phys_state"))),
			LID:       uint16(lid),
			Rate:      parseSpeed(readSysfsFile(filepath.Join(path, "rate"))),
		})
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })

	return ports
}

func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts "1: CA" style node types to their name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(nodeType, ":")

	switch strings.TrimSpace(num) {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix of "4: ACTIVE".
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}

	return state
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to Gb/s.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) == 0 {
		return 0
	}

	speed, _ := strconv.ParseFloat(parts[0], 64)

	return uint64(speed)
}
