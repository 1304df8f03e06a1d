package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// MXChecker reports whether a domain can receive mail.
type MXChecker interface {
	CanReceiveMail(ctx context.Context, domain string) (bool, error)
}

// DNSChecker queries a resolver for MX, falling back to A records.
type DNSChecker struct {
	resolver string
	client   *dns.Client
}

// NewDNSChecker queries resolver (host:port).
func NewDNSChecker(resolver string, timeout time.Duration) *DNSChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DNSChecker{resolver: resolver, client: &dns.Client{Net: "udp", Timeout: timeout}}
}

// CanReceiveMail implements MXChecker.
func (c *DNSChecker) CanReceiveMail(ctx context.Context, domain string) (bool, error) {
	for _, qtype := range []uint16{dns.TypeMX, dns.TypeA} {
		found, err := c.lookup(ctx, domain, qtype)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (c *DNSChecker) lookup(ctx context.Context, domain string, qtype uint16) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true
	resp, _, err := c.client.ExchangeContext(ctx, msg, c.resolver)
	if err != nil {
		return false, fmt.Errorf("accounts: dns %s lookup: %w", dns.TypeToString[qtype], err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return false, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return false, fmt.Errorf("accounts: dns %s lookup: rcode %s", dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if rr.Header().Rrtype == qtype {
			return true, nil
		}
	}
	return false, nil
}
