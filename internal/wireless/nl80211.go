package wireless

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/wifi"
	"golang.org/x/sys/unix"
)

// NL80211Radio drives a Linux WiFi interface through nl80211. Address
// assignment is left to the system DHCP client, so ClearStaticConfig
// has nothing to undo.
type NL80211Radio struct {
	iface  string
	client *wifi.Client
}

// OpenNL80211 opens an nl80211 client for the named interface.
func OpenNL80211(iface string) (*NL80211Radio, error) {
	c, err := wifi.New()
	if err != nil {
		return nil, fmt.Errorf("open nl80211: %w", err)
	}
	return &NL80211Radio{iface: iface, client: c}, nil
}

// Close releases the nl80211 socket.
func (r *NL80211Radio) Close() error {
	return r.client.Close()
}

func (r *NL80211Radio) lookup() (*wifi.Interface, error) {
	ifis, err := r.client.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list wifi interfaces: %w", err)
	}
	for _, ifi := range ifis {
		if ifi.Name == r.iface {
			return ifi, nil
		}
	}
	return nil, fmt.Errorf("wifi interface %q not found", r.iface)
}

// Status maps the BSS association state plus address presence onto
// [Status].
func (r *NL80211Radio) Status(ctx context.Context) (Status, error) {
	ifi, err := r.lookup()
	if err != nil {
		return Disconnected, err
	}
	bss, err := r.client.BSS(ifi)
	if errors.Is(err, os.ErrNotExist) {
		return Disconnected, nil
	}
	if err != nil {
		return Disconnected, fmt.Errorf("read bss: %w", err)
	}

	switch bss.Status {
	case wifi.BSSStatusAssociated:
		if r.LocalAddress() == "" {
			return Connecting, nil
		}
		return Connected, nil
	case wifi.BSSStatusAuthenticated:
		return Connecting, nil
	default:
		return Disconnected, nil
	}
}

// LocalAddress returns the first IPv4 address on the interface.
func (r *NL80211Radio) LocalAddress() string {
	return interfaceIPv4(r.iface)
}

// RSSI returns the signal of the associated station in dBm.
func (r *NL80211Radio) RSSI(ctx context.Context) (int, error) {
	ifi, err := r.lookup()
	if err != nil {
		return 0, err
	}
	stations, err := r.client.StationInfo(ifi)
	if err != nil {
		return 0, fmt.Errorf("read station info: %w", err)
	}
	if len(stations) == 0 {
		return 0, errors.New("no associated station")
	}
	return stations[0].Signal, nil
}

// SetHostname sets the kernel hostname when it differs from name.
func (r *NL80211Radio) SetHostname(name string) error {
	return setHostname(name)
}

// ClearStaticConfig is a no-op: the interface is DHCP managed.
func (r *NL80211Radio) ClearStaticConfig() error {
	return nil
}

// BeginAssociation requests association with ssid, using WPA-PSK when a
// password is set. The kernel completes the handshake asynchronously.
func (r *NL80211Radio) BeginAssociation(ctx context.Context, ssid, password string) error {
	ifi, err := r.lookup()
	if err != nil {
		return err
	}
	if password == "" {
		err = r.client.Connect(ifi, ssid)
	} else {
		err = r.client.ConnectWPAPSK(ifi, ssid, password)
	}
	if err != nil {
		return fmt.Errorf("connect %q: %w", ssid, err)
	}
	return nil
}

// WiredRadio reports a wired (or externally managed) interface as
// Connected whenever it has an IPv4 address. It never associates.
type WiredRadio struct {
	Interface string
}

// Status reports Connected when the interface is up with an address.
func (r WiredRadio) Status(ctx context.Context) (Status, error) {
	ifi, err := net.InterfaceByName(r.Interface)
	if err != nil {
		return Disconnected, err
	}
	if ifi.Flags&net.FlagUp == 0 || interfaceIPv4(r.Interface) == "" {
		return Disconnected, nil
	}
	return Connected, nil
}

// LocalAddress returns the first IPv4 address on the interface.
func (r WiredRadio) LocalAddress() string { return interfaceIPv4(r.Interface) }

// RSSI is meaningless on a wired link and always returns 0.
func (r WiredRadio) RSSI(context.Context) (int, error) { return 0, nil }

// SetHostname sets the kernel hostname when it differs from name.
func (r WiredRadio) SetHostname(name string) error { return setHostname(name) }

// ClearStaticConfig is a no-op.
func (r WiredRadio) ClearStaticConfig() error { return nil }

// BeginAssociation is a no-op; the link comes up on its own.
func (r WiredRadio) BeginAssociation(context.Context, string, string) error { return nil }

func interfaceIPv4(name string) string {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}

func setHostname(name string) error {
	if current, err := os.Hostname(); err == nil && current == name {
		return nil
	}
	if err := unix.Sethostname([]byte(name)); err != nil {
		return fmt.Errorf("sethostname %q: %w", name, err)
	}
	return nil
}
