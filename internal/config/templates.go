package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TransportUDP:
		return udpTemplate, nil
	case TransportSerial:
		return serialTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const udpTemplate = `transport = "udp"
address = "192.168.1.1:1337"
# framing = "raw"
# mtu = 1024
timeout = "5s"
smp_version = 1
log_level = "info"
# metrics_file = "/var/lib/node_exporter/smpctl.prom"
`

const serialTemplate = `transport = "serial"
address = "/dev/ttyACM0"
baud_rate = 115200
connect_attempts = 3
# framing = "console"
# mtu = 127
timeout = "5s"
smp_version = 1
log_level = "info"
`
