// Package dns resolves signaling hosts, falling back to public resolvers
// when the system resolver is broken or filtered.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicDNS are servers to be queried if a local lookup fails
var publicDNS = []string{
	"1.0.0.1",                // Cloudflare
	"1.1.1.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.4.4",                // Google
	"8.8.8.8",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.220.220",         // Cisco OpenDNS
	"208.67.222.222",         // Cisco OpenDNS
}

// Resolver looks hosts up locally first and races public servers second.
type Resolver struct {
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration
	Servers       []string

	dialer net.Dialer
}

// NewResolver returns a Resolver with the default public server list.
func NewResolver() *Resolver {
	return &Resolver{
		LocalTimeout:  time.Second,
		RemoteTimeout: 2 * time.Second,
		Servers:       publicDNS,
	}
}

// Lookup resolves host to a single IP address, preferring IPv4.
// IP literals are returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	ip, err := r.localLookup(ctx, host)
	if err == nil {
		return ip, nil
	}
	return r.remoteLookupWithRace(ctx, host)
}

// DialContext resolves the host part of addr with Lookup and dials it.
// It has the signature expected by websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func (r *Resolver) localLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pick(ips)
}

// remoteLookupWithRace returns the first answer from any public server.
func (r *Resolver) remoteLookupWithRace(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	if len(r.Servers) == 0 {
		return "", fmt.Errorf("failed to resolve %s: no public DNS servers configured", host)
	}

	results := make(chan result, len(r.Servers))
	ctx, cancel := context.WithTimeout(ctx, r.RemoteTimeout)
	defer cancel()

	for _, server := range r.Servers {
		go func(server string) {
			ip, err := remoteLookup(ctx, host, server)
			results <- result{ip: ip, err: err}
		}(server)
	}

	failures := 0
	for range r.Servers {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("dns lookup of %s timed out during public DNS race", host)
		}
	}
	return "", fmt.Errorf("failed to resolve %s: all %d public DNS servers failed", host, failures)
}

// remoteLookup queries one DNS server directly on port 53.
func remoteLookup(ctx context.Context, host, server string) (string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(trimBrackets(server), "53"))
		},
	}

	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pick(ips)
}

// pick prefers an IPv4 address.
func pick(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("no IP addresses found")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

func trimBrackets(s string) string {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}
