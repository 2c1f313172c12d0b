package audio

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Device is a capture device as understood by the capture command.
type Device struct {
	ID         string // value for arecord -D
	Name       string
	NativeRate int
}

// DefaultDevice is the system default capture device.
func DefaultDevice(rate int) Device {
	return Device{ID: "default", Name: "default", NativeRate: rate}
}

// DeviceLister enumerates capture devices.
type DeviceLister interface {
	ListInputDevices(ctx context.Context) ([]Device, error)
}

// ArecordLister lists ALSA capture devices with `arecord -l` and reads
// each card's native rate from /proc/asound when available.
type ArecordLister struct {
	Command     string // usually "arecord"
	DefaultRate int
	ProcRoot    string // defaults to /proc/asound
}

// ListInputDevices implements DeviceLister.
func (l *ArecordLister) ListInputDevices(ctx context.Context) ([]Device, error) {
	cmd := l.Command
	if cmd == "" {
		cmd = "arecord"
	}
	out, err := exec.CommandContext(ctx, cmd, "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}

	devices := ParseArecordList(string(out), l.DefaultRate)
	for i := range devices {
		if rate := l.probeRate(devices[i].ID); rate > 0 {
			devices[i].NativeRate = rate
		}
	}
	return devices, nil
}

var cardLine = regexp.MustCompile(`^card (\d+): [^\[]*\[([^\]]*)\], device (\d+): [^\[]*\[([^\]]*)\]`)

// ParseArecordList extracts devices from `arecord -l` output.
func ParseArecordList(out string, defaultRate int) []Device {
	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		m := cardLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		devices = append(devices, Device{
			ID:         fmt.Sprintf("plughw:%s,%s", m[1], m[3]),
			Name:       strings.TrimSpace(m[2]) + " - " + strings.TrimSpace(m[4]),
			NativeRate: defaultRate,
		})
	}
	return devices
}

// probeRate reads the first advertised capture rate of a USB card.
func (l *ArecordLister) probeRate(id string) int {
	var card, dev int
	if _, err := fmt.Sscanf(id, "plughw:%d,%d", &card, &dev); err != nil {
		return 0
	}
	root := l.ProcRoot
	if root == "" {
		root = "/proc/asound"
	}
	data, err := os.ReadFile(fmt.Sprintf("%s/card%d/stream%d", root, card, dev))
	if err != nil {
		return 0
	}
	return parseStreamRate(string(data))
}

func parseStreamRate(stream string) int {
	// Capture section follows the Playback one when both exist.
	if i := strings.Index(stream, "Capture:"); i >= 0 {
		stream = stream[i:]
	}
	for _, line := range strings.Split(stream, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Rates:") {
			continue
		}
		fields := strings.FieldsFunc(strings.TrimPrefix(line, "Rates:"), func(r rune) bool {
			return r == ',' || r == ' '
		})
		if len(fields) == 0 {
			return 0
		}
		rate, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0
		}
		return rate
	}
	return 0
}

// SelectDevice returns the first device whose name contains one of the
// keywords (case-insensitive), or fallback.
func SelectDevice(devices []Device, keywords []string, fallback Device) (Device, bool) {
	for _, d := range devices {
		name := strings.ToLower(d.Name)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(name, strings.ToLower(kw)) {
				return d, true
			}
		}
	}
	return fallback, false
}
