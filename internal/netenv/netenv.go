// Package netenv implements the local/public IP probe, UPnP port mapping,
// and CGNAT suspicion classification used during provider-side node
// registration. It is a concrete implementation of the opaque NetworkProbe
// the supervisor spec treats as an external collaborator.
package netenv

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dvpn-native/dvpnd/internal/netutil"
)

// Info is the result of a full network probe.
type Info struct {
	LocalIP        string
	PublicIP       string
	UPnPMapped     bool
	CGNATSuspected bool
}

// publicIPSources are tried in order; the first that returns a usable
// answer wins. api.dvpn.lol is tried first so strict outbound firewall
// allowlists that only open the control-plane domain still let public IP
// detection succeed.
var publicIPSources = []string{
	"https://api.dvpn.lol/cdn-cgi/trace",
	"https://api.ipify.org?format=json",
	"https://ifconfig.co/json",
}

// DetectLocalIP returns the local address the OS would use to reach the
// public internet, by opening a UDP "connection" to a well-known address
// and reading back the chosen source address — no packets are actually
// sent for a UDP socket.
func DetectLocalIP() (string, bool) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", false
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", false
	}
	return addr.IP.String(), true
}

// DetectPublicIP tries each of publicIPSources in turn and returns the
// first IP address found.
func DetectPublicIP(ctx context.Context, timeout time.Duration) (string, bool) {
	client := netutil.NewHTTPClient(timeout)
	for _, url := range publicIPSources {
		body, _, err := netutil.Get(ctx, client, url, netutil.GetOptions{})
		if err != nil {
			continue
		}
		if strings.Contains(url, "cdn-cgi/trace") {
			for _, line := range strings.Split(string(body), "\n") {
				if ip, ok := strings.CutPrefix(line, "ip="); ok {
					ip = strings.TrimSpace(ip)
					if ip != "" {
						return ip, true
					}
				}
			}
			continue
		}
		var payload struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.IP != "" {
			return payload.IP, true
		}
	}
	return "", false
}

// MapUPnP shells out to the upnpc binary (if present on PATH) to map port
// on protocol for the local host. Returns false without error if upnpc is
// missing, matching the opaque-binary treatment spec §1 calls for.
func MapUPnP(ctx context.Context, port int, protocol, localIP string) bool {
	if port < 1 || port > 65535 {
		return false
	}
	upnpc, err := exec.LookPath("upnpc")
	if err != nil {
		return false
	}
	if localIP == "" {
		var ok bool
		localIP, ok = DetectLocalIP()
		if !ok {
			return false
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, upnpc, "-e", "DVPN", "-a", localIP, strconv.Itoa(port), strconv.Itoa(port), strings.ToUpper(protocol))
	return cmd.Run() == nil
}

// MapUPnPRetry calls MapUPnP up to attempts times, stopping at the first
// success.
func MapUPnPRetry(ctx context.Context, port int, protocol, localIP string, attempts int) bool {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if MapUPnP(ctx, port, protocol, localIP) {
			return true
		}
	}
	return false
}

// IsCGNATSuspected reports whether publicIP looks like it sits behind
// carrier-grade NAT: unknown, unparseable, within 100.64.0.0/10, or any
// other private range.
func IsCGNATSuspected(publicIP string) bool {
	if publicIP == "" {
		return true
	}
	addr, err := netip.ParseAddr(publicIP)
	if err != nil {
		return true
	}
	cgnat := netip.MustParsePrefix("100.64.0.0/10")
	return cgnat.Contains(addr) || addr.IsPrivate()
}

// DerivePublicKey shells out to `wg pubkey`, feeding privateKey on stdin.
func DerivePublicKey(ctx context.Context, privateKey string) (string, bool) {
	wg, err := exec.LookPath("wg")
	if err != nil {
		return "", false
	}
	cmdCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, wg, "pubkey")
	cmd.Stdin = strings.NewReader(privateKey)
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	key := strings.TrimSpace(string(out))
	if key == "" {
		return "", false
	}
	return key, true
}

// EnableIPForwarding shells out to sysctl to turn on IPv4 forwarding, needed
// before a provider-standby node can route claimed-peer traffic onward.
// Missing sysctl or a non-root process both result in a false return rather
// than an error, matching the opaque-binary treatment the rest of this
// package gives host-level tools.
func EnableIPForwarding(ctx context.Context) bool {
	return setIPForward(ctx, "1")
}

// DisableIPForwarding restores forwarding to off, called during
// provider-standby teardown alongside tunnel and SOCKS shutdown.
func DisableIPForwarding(ctx context.Context) bool {
	return setIPForward(ctx, "0")
}

func setIPForward(ctx context.Context, value string) bool {
	sysctl, err := exec.LookPath("sysctl")
	if err != nil {
		return false
	}
	cmdCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, sysctl, "-w", "net.ipv4.ip_forward="+value)
	return cmd.Run() == nil
}

// AutoNetworkConfig runs the full probe: local IP, public IP, optional UPnP
// mapping, and CGNAT suspicion.
func AutoNetworkConfig(ctx context.Context, enableUPnP bool, upnpPort int, timeout time.Duration) Info {
	localIP, _ := DetectLocalIP()
	publicIP, _ := DetectPublicIP(ctx, timeout)

	var upnpMapped bool
	if enableUPnP {
		upnpMapped = MapUPnPRetry(ctx, upnpPort, "UDP", localIP, 3)
	}

	return Info{
		LocalIP:        localIP,
		PublicIP:       publicIP,
		UPnPMapped:     upnpMapped,
		CGNATSuspected: IsCGNATSuspected(publicIP),
	}
}
