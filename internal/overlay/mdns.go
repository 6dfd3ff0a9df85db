package overlay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

// mdns tuning, generalized from a single-overlay node to per-topic
// services: each overlay advertises and browses its own DNS-SD service
// type so inference peers don't see score-overlay announcements.
const (
	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 10 * time.Second
	dnsaddrPrefix      = "dnsaddr="
)

// overlayMDNS advertises and discovers LAN peers for one overlay's topic.
// Discovered peers are handed to the owning Overlay's dial method; the
// normal protocol stream handshake and dedup apply from there.
type overlayMDNS struct {
	host    host.Host
	overlay *Overlay
	service string
	server  *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOverlayMDNS(h host.Host, topic string, o *Overlay) (*overlayMDNS, error) {
	svc, err := mdnsServiceName(topic)
	if err != nil {
		return nil, err
	}
	return &overlayMDNS{host: h, overlay: o, service: svc}, nil
}

func (m *overlayMDNS) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.startServer(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.browseLoop()
	return nil
}

func (m *overlayMDNS) Close() error {
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
	}
	m.wg.Wait()
	return nil
}

func (m *overlayMDNS) startServer() error {
	interfaceAddrs, err := m.host.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    m.host.ID(),
		Addrs: interfaceAddrs,
	})
	if err != nil {
		return err
	}

	txt := make([]string, 0, len(p2pAddrs))
	for _, a := range p2pAddrs {
		txt = append(txt, dnsaddrPrefix+a.String())
	}

	server, err := zeroconf.Register(m.host.ID().String(), m.service, "local.", 4001, txt, nil)
	if err != nil {
		return err
	}
	m.server = server
	return nil
}

func (m *overlayMDNS) browseLoop() {
	defer m.wg.Done()
	m.browseOnce()
	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.browseOnce()
		}
	}
}

func (m *overlayMDNS) browseOnce() {
	ctx, cancel := context.WithTimeout(m.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			if pi, ok := parseMDNSEntry(entry); ok {
				m.overlay.dial(pi)
			}
		}
	}()

	_ = zeroconf.Browse(ctx, m.service, "local.", entries)
	<-ctx.Done()
}

func parseMDNSEntry(entry *zeroconf.ServiceEntry) (peer.AddrInfo, bool) {
	var addrs []ma.Multiaddr
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		maddr, err := ma.NewMultiaddr(strings.TrimPrefix(txt, dnsaddrPrefix))
		if err != nil {
			continue
		}
		addrs = append(addrs, maddr)
	}
	if len(addrs) == 0 {
		return peer.AddrInfo{}, false
	}

	pi, err := peer.AddrInfoFromP2pAddr(addrs[0])
	if err != nil {
		return peer.AddrInfo{}, false
	}
	for _, a := range addrs[1:] {
		if extra, err := peer.AddrInfoFromP2pAddr(a); err == nil {
			pi.Addrs = append(pi.Addrs, extra.Addrs...)
		}
	}
	return *pi, true
}
