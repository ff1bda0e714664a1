// Package discovery finds wearable eye-tracking devices on the local
// network. Devices advertise an _http._tcp service whose instance name
// starts with "PI monitor:"; each advertisement resolves to a
// realtime.DeviceEndpoint.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	realtime "github.com/pupil-labs/pl-realtime-api"
)

const (
	serviceType    = "_http._tcp"
	serviceDomain  = "local."
	instancePrefix = "PI monitor:"
)

// browse matches the subset of zeroconf used here so tests can feed
// synthetic advertisements.
type browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Scanner browses for device advertisements.
type Scanner struct {
	Logger logrus.FieldLogger

	newBrowser func() (browser, error)
}

// NewScanner returns a Scanner using the default mDNS resolver.
func NewScanner() *Scanner {
	return &Scanner{
		Logger: logrus.StandardLogger(),
		newBrowser: func() (browser, error) {
			return zeroconf.NewResolver(nil)
		},
	}
}

// Scan emits every distinct device advertised while ctx is live. The
// returned channel is closed when ctx ends. Duplicate advertisements
// of the same service name within one scan are suppressed. Setup
// failures (e.g. the resolver cannot bind) are returned immediately.
func (s *Scanner) Scan(ctx context.Context) (<-chan realtime.DeviceEndpoint, error) {
	r, err := s.newBrowser()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := r.Browse(ctx, serviceType, serviceDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	out := make(chan realtime.DeviceEndpoint, 16)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for entry := range entries {
			ep, ok := endpointFromEntry(entry)
			if !ok {
				continue
			}
			if _, dup := seen[ep.FullName]; dup {
				continue
			}
			seen[ep.FullName] = struct{}{}
			select {
			case out <- ep:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DiscoverOne returns the first device found within timeout, or
// realtime.ErrNotFound. "Nothing on the network" is an expected
// outcome, not a failure.
func (s *Scanner) DiscoverOne(ctx context.Context, timeout time.Duration) (realtime.DeviceEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := s.Scan(ctx)
	if err != nil {
		return realtime.DeviceEndpoint{}, err
	}
	for {
		select {
		case ep, ok := <-devices:
			if !ok {
				return realtime.DeviceEndpoint{}, realtime.ErrNotFound
			}
			return ep, nil
		case <-ctx.Done():
			return realtime.DeviceEndpoint{}, realtime.ErrNotFound
		}
	}
}

// DiscoverAll collects every device seen within timeout. An empty
// result is not an error.
func (s *Scanner) DiscoverAll(ctx context.Context, timeout time.Duration) ([]realtime.DeviceEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var out []realtime.DeviceEndpoint
	for ep := range devices {
		out = append(out, ep)
	}
	return out, nil
}

// endpointFromEntry converts a service entry, filtering out services
// that are not device monitors or have not resolved an address yet.
func endpointFromEntry(entry *zeroconf.ServiceEntry) (realtime.DeviceEndpoint, bool) {
	if entry == nil || !strings.HasPrefix(entry.Instance, instancePrefix) {
		return realtime.DeviceEndpoint{}, false
	}
	var host string
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if host == "" || entry.Port == 0 {
		return realtime.DeviceEndpoint{}, false
	}
	return realtime.DeviceEndpoint{
		Host:     host,
		Port:     entry.Port,
		FullName: fmt.Sprintf("%s.%s.%s", entry.Instance, entry.Service, entry.Domain),
		DNSName:  entry.HostName,
	}, true
}
