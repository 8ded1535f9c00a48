package client

import (
	"context"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const resolvConfPath = "/etc/resolv.conf"

// Resolver resolves hostnames against the system's configured nameservers.
// Failed lookups back off exponentially, and the system configuration is
// reloaded between failed attempts when it has changed on disk.
type Resolver struct {
	mu     sync.Mutex
	conf   *dns.ClientConfig
	client *dns.Client
}

// NewResolver reads the system DNS configuration.
func NewResolver() (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading system DNS configuration")
	}
	return &Resolver{
		conf:   conf,
		client: &dns.Client{Timeout: 5 * time.Second},
	}, nil
}

// LookupIP resolves host to its addresses. IP literals short-circuit.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	bo := backoff.NewExponentialBackOff()
	for {
		ips, err := r.lookup(ctx, host)
		if err == nil {
			return ips, nil
		}

		r.reloadConfIfChanged()

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]net.IP, error) {
	r.mu.Lock()
	conf := r.conf
	r.mu.Unlock()

	fqdn := dns.Fqdn(host)
	var ips []net.IP
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		for _, server := range conf.Servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, net.JoinHostPort(server, conf.Port))
			if err != nil {
				lastErr = err
				continue
			}
			for _, rr := range resp.Answer {
				switch a := rr.(type) {
				case *dns.A:
					ips = append(ips, a.A)
				case *dns.AAAA:
					ips = append(ips, a.AAAA)
				}
			}
			break
		}
	}
	if len(ips) == 0 {
		if lastErr != nil {
			return nil, errors.Wrapf(lastErr, "resolving %s", host)
		}
		return nil, errors.Errorf("no addresses found for %s", host)
	}
	return ips, nil
}

// reloadConfIfChanged re-reads resolv.conf and swaps the active
// configuration when it differs from the one in use.
func (r *Resolver) reloadConfIfChanged() {
	fresh, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !reflect.DeepEqual(fresh, r.conf) {
		logrus.Debug("system DNS configuration changed, reloading resolver")
		r.conf = fresh
	}
}
