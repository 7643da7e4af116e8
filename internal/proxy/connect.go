package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// handleConnect intercepts a CONNECT tunnel: hijack the client socket,
// confirm the tunnel, answer the TLS handshake with a certificate
// minted for the requested host, and loop the decrypted requests
// through the normal proxy path with the target host and provider
// rebound to the tunneled upstream.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, ok := parseConnectAuthority(r.RequestURI)
	if !ok {
		http.Error(w, "Malformed CONNECT authority", http.StatusBadRequest)
		return
	}

	if h.CA == nil {
		http.Error(w, "CONNECT not supported in reverse proxy mode", http.StatusNotImplemented)
		return
	}

	tlsCfg, err := h.CA.TLSConfigForHost(host)
	if err != nil {
		h.Log.Error().Err(err).Str("host", host).Msg("proxy: minting certificate failed")
		http.Error(w, "certificate minting failed", http.StatusInternalServerError)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "CONNECT requires a hijackable connection", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		h.Log.Error().Err(err).Msg("proxy: hijacking CONNECT socket failed")
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = conn.Close()
		return
	}

	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		// A client that does not trust our CA aborts here; that is its
		// prerogative, not our error.
		h.Log.Debug().Err(err).Str("host", host).Msg("proxy: forward-proxy TLS handshake failed")
		_ = tlsConn.Close()
		return
	}

	// Decrypted requests inside the tunnel are ordinary relative-URI
	// requests; serve them with a child handler fixed on the tunneled
	// upstream, inferring the provider from the host.
	child := *h
	child.TargetHost = connectTargetHost(host, port)
	child.ProviderKey = h.Registry.ForHost(host).Key
	child.Log = h.Log.With().Str("tunnel_host", host).Logger()

	listener := newSingleConnListener(tlsConn)
	server := &http.Server{Handler: &child}
	// Serve returns once the tunnel's connection closes (keep-alive
	// loop included); the listener refuses any second accept.
	_ = server.Serve(listener)
}

// connectTargetHost renders the tunnel authority as the https target
// base, bracketing IPv6 hosts and omitting the default port.
func connectTargetHost(host string, port int) string {
	authority := host
	if strings.Contains(host, ":") {
		authority = "[" + host + "]"
	}
	if port != 443 {
		authority += ":" + strconv.Itoa(port)
	}
	return "https://" + authority
}

// parseConnectAuthority splits a CONNECT request target ("host:port",
// "[v6]:port", bare "host") into host and port, defaulting to 443.
func parseConnectAuthority(authority string) (host string, port int, ok bool) {
	if authority == "" {
		return "", 0, false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.Index(authority, "]")
		if end < 0 {
			return "", 0, false
		}
		host = authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return host, 443, host != ""
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, false
		}
		p, err := strconv.Atoi(rest[1:])
		if err != nil || p < 1 || p > 65535 {
			return "", 0, false
		}
		return host, p, host != ""
	}

	if i := strings.LastIndex(authority, ":"); i >= 0 {
		// A second colon means an unbracketed IPv6 literal with no
		// port; treat the whole authority as the host.
		if strings.Count(authority, ":") > 1 {
			return authority, 443, true
		}
		host = authority[:i]
		p, err := strconv.Atoi(authority[i+1:])
		if err != nil || p < 1 || p > 65535 {
			return "", 0, false
		}
		return host, p, host != ""
	}
	return authority, 443, true
}

// singleConnListener adapts one already-accepted connection to the
// net.Listener interface http.Server wants: the first Accept hands out
// the connection, every later Accept blocks until it closes, so Serve
// returns exactly when the tunnel ends.
type singleConnListener struct {
	conn     net.Conn
	accepted bool
	mu       sync.Mutex
	done     chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{done: make(chan struct{})}
	l.conn = &notifyCloseConn{Conn: conn, done: l.done}
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.accepted {
		l.accepted = true
		conn := l.conn
		l.mu.Unlock()
		return conn, nil
	}
	l.mu.Unlock()

	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// notifyCloseConn closes a channel exactly once when the connection
// closes, unblocking the listener's second Accept.
type notifyCloseConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *notifyCloseConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}
