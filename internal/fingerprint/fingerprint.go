/**
 * CONTEXT:   Machine fingerprint provider
 * INPUT:     Host name, primary network interface, OS identifiers
 * OUTPUT:    A stable machine id, persisted via the Config Store on first use
 * BUSINESS:  MachineId must be stable across restarts even if the config file is absent
 * CHANGE:    Initial implementation
 * RISK:      Low - best-effort identity, falls back to a random uuid
 */

package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"
)

// Provider derives a stable machine id.
type Provider interface {
	MachineID() string
}

// Default derives the machine id from host name, primary MAC address and OS,
// falling back to a fresh random uuid if none of those are available.
type Default struct{}

func New() Default { return Default{} }

func (Default) MachineID() string {
	host, _ := os.Hostname()
	mac := primaryMAC()

	if host == "" && mac == "" {
		return uuid.New().String()
	}

	sum := sha256.Sum256([]byte(host + "|" + mac + "|" + runtime.GOOS))
	// Format the hash as a uuid-shaped (but not spec-compliant-v4) identifier
	// is unnecessary: callers only need stability and uniqueness, so a plain
	// v5-style deterministic uuid is clearer.
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(hex.EncodeToString(sum[:]))).String()
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
