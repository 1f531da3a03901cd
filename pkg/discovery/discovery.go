// Package discovery advertises session servers on the local network over
// mDNS and finds them again.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	ServiceType = "_canvas-sync._tcp"

	DefaultBrowseTimeout = 2 * time.Second
)

// Service is one session server found on the network.
type Service struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Addr     string   `json:"addr"`
	Port     int      `json:"port"`
	Info     []string `json:"info,omitempty"`
}

// BaseURL is the HTTP address clients join rooms through.
func (s Service) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

type Advertiser struct {
	server *mdns.Server
}

func newService(instance string, port int, hostName string, ips []net.IP, info []string) (*mdns.MDNSService, error) {
	if instance == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = h
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", hostName, port, ips, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	return service, nil
}

// Advertise announces a server listening on port until Shutdown is called.
// An empty instance name uses the host name.
func Advertise(instance string, port int, info ...string) (*Advertiser, error) {
	service, err := newService(instance, port, "", nil, info)
	if err != nil {
		return nil, err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

func fromEntry(e *mdns.ServiceEntry) (Service, bool) {
	if e == nil || e.Port == 0 {
		return Service{}, false
	}
	var addr string
	switch {
	case e.AddrV4 != nil:
		addr = e.AddrV4.String()
	case e.AddrV6 != nil:
		addr = e.AddrV6.String()
	default:
		return Service{}, false
	}
	instance := strings.TrimSuffix(e.Name, "."+ServiceType+".local.")
	return Service{
		Instance: instance,
		Host:     strings.TrimSuffix(e.Host, "."),
		Addr:     addr,
		Port:     e.Port,
		Info:     e.InfoFields,
	}, true
}

// Browse queries the network for session servers, returning what answered
// within timeout, deduplicated and sorted by address.
func Browse(ctx context.Context, timeout time.Duration) ([]Service, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	entries := make(chan *mdns.ServiceEntry, 8)
	found := map[string]Service{}
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			if s, ok := fromEntry(e); ok {
				found[s.BaseURL()] = s
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-collected
	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}

	out := make([]Service, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseURL() < out[j].BaseURL() })
	return out, nil
}
