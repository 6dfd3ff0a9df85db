package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/qmesh/internal/identity"
)

// loadOrCreateHostIdentity loads the libp2p host key from path, generating
// and saving one on first run.
func loadOrCreateHostIdentity(path string) (crypto.PrivKey, error) {
	return identity.LoadOrCreateHostKey(path)
}

func buildHostOptions(priv crypto.PrivKey, listenAddrs []string) []libp2p.Option {
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
	}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	return opts
}

func newLibp2pHost(opts []libp2p.Option) (host.Host, error) {
	return libp2p.New(opts...)
}

// newKadDHT starts the Kademlia DHT under qmesh's own protocol prefix, so
// qmesh nodes form their own routing overlay rather than joining the public
// IPFS Amino DHT.
func newKadDHT(ctx context.Context, h host.Host) (*dht.IpfsDHT, error) {
	return dht.New(ctx, h,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(protocolPrefix)),
	)
}

// connectBootstrapPeers dials every configured bootstrap multiaddr
// concurrently, best-effort; an unreachable bootstrap peer is not fatal
// since mDNS and previously-learned DHT peers may still provide discovery.
func connectBootstrapPeers(ctx context.Context, h host.Host, addrs []string) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, 20*time.Second)
			defer cancel()
			_ = h.Connect(dctx, pi)
		}(*pi)
	}
	wg.Wait()
}

// extractPublicKey marshals a remote peer's public key to bytes for the
// peerConnected event payload.
func extractPublicKey(pub crypto.PubKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("no remote public key")
	}
	return crypto.MarshalPublicKey(pub)
}
