package reachability

import (
	"context"
	"errors"
	"net"
	"time"
)

// Prober performs one active reachability check. Any error means offline.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// DNSProber resolves a well-known host under a bounded timeout.
type DNSProber struct {
	Host    string
	Timeout time.Duration

	// LookupHost resolves names. It is exposed for tests.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// NewDNSProber creates a prober for host using the system resolver.
func NewDNSProber(host string, timeout time.Duration) *DNSProber {
	return &DNSProber{
		Host:       host,
		Timeout:    timeout,
		LookupHost: net.DefaultResolver.LookupHost,
	}
}

// Probe resolves the host. Timeouts, DNS failures and empty answers are errors.
func (p *DNSProber) Probe(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	addrs, err := p.LookupHost(ctx, p.Host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("no addresses for " + p.Host)
	}
	return nil
}
