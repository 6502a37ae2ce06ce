// Package netpolicy runs the server's only two long-lived network
// components: a DNS allowlist resolver on :53 and an HTTP forward proxy on
// :8888. Both enforce the same egress allow/deny domain list that
// internal/firecracker's per-slot iptables rules point every sandbox's
// traffic through.
package netpolicy

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// AllowList is the shared, mutable egress policy both components consult.
// "*" allows everything; "*.example.com" allows the suffix.
type AllowList struct {
	mu      sync.RWMutex
	allowed []string
}

// NewAllowList builds an allow list from the given patterns.
func NewAllowList(patterns []string) *AllowList {
	al := &AllowList{}
	al.Set(patterns)
	return al
}

// Set replaces the current pattern list.
func (al *AllowList) Set(patterns []string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.allowed = append([]string(nil), patterns...)
}

// Allowed reports whether host matches any configured pattern.
func (al *AllowList) Allowed(host string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()
	host = strings.TrimSuffix(host, ".")
	for _, pattern := range al.allowed {
		if pattern == "*" || pattern == host {
			return true
		}
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}
	}
	return false
}

// Resolver answers DNS queries on :53: allowlisted names are forwarded to
// an upstream resolver and returned verbatim; everything else is sinkholed
// to 0.0.0.0 so the guest can't exfiltrate data via DNS lookups.
type Resolver struct {
	allow    *AllowList
	upstream string
	server   *dns.Server
}

// NewResolver starts the DNS resolver on addr, forwarding permitted
// queries to upstream (e.g. "1.1.1.1:53").
func NewResolver(addr, upstream string, allow *AllowList) (*Resolver, error) {
	r := &Resolver{allow: allow, upstream: upstream}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handleQuery)

	r.server = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("start dns resolver on %s: %w", addr, err)
	default:
	}

	log.Printf("netpolicy: dns resolver listening on %s", addr)
	return r, nil
}

// Close shuts down the resolver.
func (r *Resolver) Close() error {
	return r.server.Shutdown()
}

func (r *Resolver) handleQuery(w dns.ResponseWriter, req *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(req)

	if len(req.Question) == 0 {
		w.WriteMsg(reply)
		return
	}
	q := req.Question[0]

	if !r.allow.Allowed(q.Name) {
		reply.Answer = append(reply.Answer, sinkholeRecord(q))
		w.WriteMsg(reply)
		return
	}

	answer, err := dns.Exchange(req, r.upstream)
	if err != nil {
		log.Printf("netpolicy: upstream dns exchange for %s: %v", q.Name, err)
		reply.Rcode = dns.RcodeServerFailure
		w.WriteMsg(reply)
		return
	}
	w.WriteMsg(answer)
}

func sinkholeRecord(q dns.Question) dns.RR {
	rr, _ := dns.NewRR(fmt.Sprintf("%s 60 IN A 0.0.0.0", q.Name))
	return rr
}

// ForwardProxy is an HTTP forward proxy enforcing the allow list on
// CONNECT tunnels (HTTPS) and on the request target's host (plain HTTP). Unlike the
// teacher's secrets proxy this never terminates TLS or substitutes
// values — it only allows or blocks connections by destination host.
type ForwardProxy struct {
	allow    *AllowList
	listener net.Listener
}

// NewForwardProxy starts the proxy on addr (e.g. "0.0.0.0:8888").
func NewForwardProxy(addr string, allow *AllowList) (*ForwardProxy, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	fp := &ForwardProxy{allow: allow, listener: lis}
	go fp.serve()
	log.Printf("netpolicy: forward proxy listening on %s", addr)
	return fp, nil
}

// Close shuts down the proxy listener.
func (fp *ForwardProxy) Close() error {
	return fp.listener.Close()
}

func (fp *ForwardProxy) serve() {
	for {
		conn, err := fp.listener.Accept()
		if err != nil {
			return
		}
		go fp.handleConn(conn)
	}
}

func (fp *ForwardProxy) handleConn(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	req := string(buf[:n])

	var method, target string
	fmt.Sscanf(req, "%s %s", &method, &target)
	if method == "" || target == "" {
		return
	}

	host := target
	if method == "CONNECT" {
		if h, _, err := net.SplitHostPort(target); err == nil {
			host = h
		}
	} else {
		// Plain HTTP proxy requests carry an absolute-form target
		// ("http://host[:port]/path").
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			host = ""
		} else {
			host, target = u.Hostname(), u.Host
		}
	}

	if !fp.allow.Allowed(host) {
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
		log.Printf("netpolicy: blocked egress to %s (not in allowlist)", host)
		return
	}

	if method == "CONNECT" {
		fp.tunnel(conn, target)
		return
	}

	fp.relayHTTP(conn, target, buf[:n])
}

func (fp *ForwardProxy) tunnel(conn net.Conn, target string) {
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstream.Close()

	conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go io.Copy(upstream, conn)
	io.Copy(conn, upstream)
}

func (fp *ForwardProxy) relayHTTP(conn net.Conn, target string, firstChunk []byte) {
	if !strings.Contains(target, ":") {
		target += ":80"
	}
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(firstChunk); err != nil {
		return
	}
	go io.Copy(upstream, conn)
	io.Copy(conn, upstream)
}
