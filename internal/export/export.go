// Package export writes a fixed-width columnar capture dump under the
// invoking user's home directory (spec.md §6), grounded on
// oryx-tui/src/export.rs.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pythops/oryx-sub000/internal/abi"
)

const (
	addrWidth = 39
	portWidth = 11
)

// exportDirName and exportFileName match the reference's "~/oryx/capture"
// layout.
const (
	exportDirName  = "oryx"
	exportFileName = "capture"
)

// DefaultPath returns the conventional export file location,
// "<home>/oryx/capture".
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("export: resolve home directory: %w", err)
	}
	return filepath.Join(home, exportDirName, exportFileName), nil
}

// Export writes packets to path as a fixed-width table: src address (39),
// src port (11), dst address (39), dst port (11), protocol. The
// destination directory is created if missing and chowned to the
// invoking user (spec.md §6: "written under ~/oryx/, chowned to the
// invoking user").
func Export(path string, packets []abi.AppPacket) error {
	uid := os.Geteuid()
	gid := os.Getegid()
	// Under sudo the effective ids are root's; SUDO_UID/SUDO_GID name the
	// user who invoked the command.
	if v := os.Getenv("SUDO_UID"); v != "" {
		fmt.Sscanf(v, "%d", &uid)
	}
	if v := os.Getenv("SUDO_GID"); v != "" {
		fmt.Sscanf(v, "%d", &gid)
	}
	dir := filepath.Dir(path)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return fmt.Errorf("export: create %s: %w", dir, err)
		}
		if err := os.Chown(dir, uid, gid); err != nil {
			return fmt.Errorf("export: chown %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()

	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("export: chown %s: %w", path, err)
	}

	if _, err := fmt.Fprintf(f, "%-*s  %-*s  %-*s  %-*s  %s\n",
		addrWidth, "Src Ip", portWidth, "Src Port", addrWidth, "Dst Ip", portWidth, "Dst Port", "Protocol"); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, p := range packets {
		if err := writeRow(f, p); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}
	return nil
}

func writeRow(f *os.File, p abi.AppPacket) error {
	switch p.Network.Kind {
	case abi.KindARP:
		_, err := fmt.Fprintf(f, "%-*s  %*s  %-*s  %*s  ARP\n",
			addrWidth, p.Network.ArpSrcMAC.String(), portWidth, center("-", portWidth),
			addrWidth, p.Network.ArpDstMAC.String(), portWidth, center("-", portWidth))
		return err
	case abi.KindIPv4TCP, abi.KindIPv6TCP:
		return writeTransportRow(f, p, "TCP")
	case abi.KindIPv4UDP, abi.KindIPv6UDP:
		return writeTransportRow(f, p, "UDP")
	case abi.KindIPv4SCTP, abi.KindIPv6SCTP:
		return writeTransportRow(f, p, "SCTP")
	case abi.KindIPv4ICMP, abi.KindIPv6ICMP:
		_, err := fmt.Fprintf(f, "%-*s  %*s  %-*s  %*s  ICMP\n",
			addrWidth, p.Network.SrcIP.String(), portWidth, center("-", portWidth),
			addrWidth, p.Network.DstIP.String(), portWidth, center("-", portWidth))
		return err
	default:
		return nil
	}
}

func writeTransportRow(f *os.File, p abi.AppPacket, proto string) error {
	_, err := fmt.Fprintf(f, "%-*s  %-*d  %-*s  %-*d  %s\n",
		addrWidth, p.Network.SrcIP.String(), portWidth, p.Network.SrcPort,
		addrWidth, p.Network.DstIP.String(), portWidth, p.Network.DstPort, proto)
	return err
}

// center pads s with spaces to width, matching the reference's "{:^11}"
// centered placeholder column for fields that don't apply (ARP/ICMP
// ports).
func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	total := width - len(s)
	left := total / 2
	right := total - left
	out := make([]byte, 0, width)
	for i := 0; i < left; i++ {
		out = append(out, ' ')
	}
	out = append(out, s...)
	for i := 0; i < right; i++ {
		out = append(out, ' ')
	}
	return string(out)
}
