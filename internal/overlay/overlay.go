package overlay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

// Role selects which side of an overlay a joiner plays. A server accepts
// inbound streams and answers requests; a client dials out and issues
// requests; both does both.
type Role int

const (
	RoleServer Role = iota
	RoleClient
	RoleBoth
)

func (r Role) acceptsInbound() bool { return r == RoleServer || r == RoleBoth }
func (r Role) dialsOutbound() bool  { return r == RoleClient || r == RoleBoth }

// EventKind discriminates the payload carried by an Event.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventPeerError
	EventMessage
)

// Event is the single notification type an Overlay emits. PublicKey is
// populated on EventPeerConnected; Err on EventPeerError; Message on
// EventMessage.
type Event struct {
	Kind      EventKind
	PeerID    string
	PublicKey []byte
	Err       error
	Message   map[string]any
}

// Config configures the shared libp2p host backing every overlay a process
// joins.
type Config struct {
	// KeyFile persists the host's libp2p identity key.
	KeyFile string
	// ListenAddrs are additional multiaddrs to listen on; if empty,
	// libp2p's defaults are used.
	ListenAddrs []string
	// BootstrapPeers are DHT bootstrap multiaddrs. Discovery still works
	// without any (LAN mDNS alone), but wide-area rendezvous needs at
	// least one reachable bootstrap peer.
	BootstrapPeers []string
	// DiscoveryInterval controls how often Join's background loop
	// re-advertises and searches the DHT for new peers.
	DiscoveryInterval time.Duration
	// DisableMDNS turns off LAN discovery, leaving only the DHT.
	DisableMDNS bool
	// MaxFrameSize overrides DefaultMaxFrameSize.
	MaxFrameSize int
}

// Transport owns one libp2p host shared by every overlay the process joins.
type Transport struct {
	host host.Host
	kdht *dht.IpfsDHT

	ctx    context.Context
	cancel context.CancelFunc

	discoveryInterval time.Duration
	disableMDNS       bool
	maxFrameSize      int

	mu       sync.Mutex
	overlays map[string]*Overlay
}

// New constructs the shared host and bootstraps its DHT. The DHT is started
// in auto-server mode (dht.ModeAutoServer), serving other peers' lookups
// unless the host is found to be unreachable from outside; this mirrors the teacher's always-on relay-capable node rather than a
// client-only mode, since qmesh workers and clients alike benefit from a
// larger routing table.
func New(cfg Config) (*Transport, error) {
	priv, err := loadOrCreateHostIdentity(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("overlay: load identity: %w", err)
	}

	hostOpts := buildHostOptions(priv, cfg.ListenAddrs)
	h, err := newLibp2pHost(hostOpts)
	if err != nil {
		return nil, fmt.Errorf("overlay: create host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	kdht, err := newKadDHT(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("overlay: create dht: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("overlay: bootstrap dht: %w", err)
	}

	connectBootstrapPeers(ctx, h, cfg.BootstrapPeers)

	interval := cfg.DiscoveryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	return &Transport{
		host:              h,
		kdht:              kdht,
		ctx:               ctx,
		cancel:            cancel,
		discoveryInterval: interval,
		disableMDNS:       cfg.DisableMDNS,
		maxFrameSize:      maxFrame,
		overlays:          make(map[string]*Overlay),
	}, nil
}

// Host returns the underlying libp2p host, for components (status HTTP
// endpoints, metrics) that need the peer ID or addresses.
func (t *Transport) Host() host.Host { return t.host }

// Close tears down every joined overlay and the shared host.
func (t *Transport) Close() error {
	t.mu.Lock()
	overlays := make([]*Overlay, 0, len(t.overlays))
	for _, o := range t.overlays {
		overlays = append(overlays, o)
	}
	t.mu.Unlock()

	for _, o := range overlays {
		_ = o.Leave()
	}
	t.cancel()
	return t.host.Close()
}

// Join attaches to a hash-addressed overlay and returns once the join has
// been announced to the network: the DHT provider record for the topic's
// rendezvous key has been put, satisfying §4.1's "join returns a future
// that resolves when propagation is confirmed."
func (t *Transport) Join(ctx context.Context, topic string, role Role) (*Overlay, error) {
	t.mu.Lock()
	if _, exists := t.overlays[topic]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("overlay: already joined topic %q", topic)
	}
	t.mu.Unlock()

	proto, err := protocolID(topic)
	if err != nil {
		return nil, err
	}
	rv, err := rendezvous(topic)
	if err != nil {
		return nil, err
	}

	octx, cancel := context.WithCancel(t.ctx)
	o := &Overlay{
		transport:  t,
		topic:      topic,
		protoID:    proto,
		rendezvous: rv,
		role:       role,
		ctx:        octx,
		cancel:     cancel,
		peers:      make(map[peer.ID]*peerConn),
		events:     make(chan Event, 256),
	}

	if role.acceptsInbound() {
		t.host.SetStreamHandler(proto, o.handleIncomingStream)
	}

	routingDiscovery := drouting.NewRoutingDiscovery(t.kdht)
	if _, err := routingDiscovery.Advertise(ctx, rv); err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: advertise %q: %w", topic, err)
	}

	if !t.disableMDNS {
		md, err := newOverlayMDNS(t.host, topic, o)
		if err != nil {
			slog.Warn("overlay: mdns unavailable", "topic", topic, "error", err)
		} else if err := md.Start(octx); err != nil {
			slog.Warn("overlay: mdns start failed", "topic", topic, "error", err)
		} else {
			o.mdns = md
		}
	}

	t.mu.Lock()
	t.overlays[topic] = o
	t.mu.Unlock()

	o.wg.Add(1)
	go o.discoveryLoop(routingDiscovery, t.discoveryInterval)

	return o, nil
}

// Overlay is one hash-addressed peer group: inference or score.
type Overlay struct {
	transport  *Transport
	topic      string
	protoID    protocol.ID
	rendezvous string
	role       Role

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[peer.ID]*peerConn

	events chan Event
	mdns   *overlayMDNS

	closed bool
}

// peerConn tracks one framed stream to a peer within one overlay.
type peerConn struct {
	id      peer.ID
	stream  network.Stream
	writeMu sync.Mutex
}

// Topic returns the overlay's well-known topic string.
func (o *Overlay) Topic() string { return o.topic }

// Events returns the channel of connection and message notifications.
// Callers should drain it continuously: the channel is buffered 256 deep,
// and once it is full, emitting blocks the internal stream-reader
// goroutines until the consumer catches up or the overlay is left.
func (o *Overlay) Events() <-chan Event { return o.events }

// Peers returns the short PeerID (the first 16 characters of the libp2p
// peer ID's string form, not a hex encoding) of every currently connected
// peer on this overlay.
func (o *Overlay) Peers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.peers))
	for id := range o.peers {
		out = append(out, shortPeerID(id))
	}
	return out
}

// Send delivers a JSON-encodable message to one connected peer, identified
// by its short PeerID.
func (o *Overlay) Send(shortID string, v any) error {
	o.mu.Lock()
	var pc *peerConn
	for id, c := range o.peers {
		if shortPeerID(id) == shortID {
			pc = c
			break
		}
	}
	o.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("overlay: peer %s not connected", shortID)
	}
	return pc.send(v)
}

// Broadcast delivers a JSON-encodable message to every connected peer,
// best-effort: a single peer's write failure is reported as a peerError
// event but does not stop delivery to the rest.
func (o *Overlay) Broadcast(v any) {
	o.mu.Lock()
	conns := make([]*peerConn, 0, len(o.peers))
	for _, c := range o.peers {
		conns = append(conns, c)
	}
	o.mu.Unlock()

	for _, c := range conns {
		if err := c.send(v); err != nil {
			o.emit(Event{Kind: EventPeerError, PeerID: shortPeerID(c.id), Err: err})
		}
	}
}

// Leave closes every connection for this overlay's topic, aborting any
// in-flight advertisement, and detaches the stream handler.
func (o *Overlay) Leave() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	conns := make([]*peerConn, 0, len(o.peers))
	for _, c := range o.peers {
		conns = append(conns, c)
	}
	o.peers = make(map[peer.ID]*peerConn)
	o.mu.Unlock()

	o.cancel()
	if o.role.acceptsInbound() {
		o.transport.host.RemoveStreamHandler(o.protoID)
	}
	if o.mdns != nil {
		_ = o.mdns.Close()
	}
	for _, c := range conns {
		_ = c.stream.Close()
	}
	o.wg.Wait()
	close(o.events)

	o.transport.mu.Lock()
	delete(o.transport.overlays, o.topic)
	o.transport.mu.Unlock()
	return nil
}

func (o *Overlay) emit(e Event) {
	select {
	case o.events <- e:
	case <-o.ctx.Done():
	}
}

// handleIncomingStream accepts a stream opened by a remote peer and starts
// reading framed messages from it.
func (o *Overlay) handleIncomingStream(s network.Stream) {
	o.adopt(s)
}

// dial opens an outbound stream to a discovered peer, unless one already
// exists or the peer is ourselves.
func (o *Overlay) dial(pi peer.AddrInfo) {
	if pi.ID == o.transport.host.ID() {
		return
	}
	o.mu.Lock()
	_, exists := o.peers[pi.ID]
	o.mu.Unlock()
	if exists {
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, 15*time.Second)
	defer cancel()
	o.transport.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, time.Hour)
	s, err := o.transport.host.NewStream(ctx, pi.ID, o.protoID)
	if err != nil {
		return
	}
	o.adopt(s)
}

func (o *Overlay) adopt(s network.Stream) {
	pc := &peerConn{id: s.Conn().RemotePeer(), stream: s}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = s.Close()
		return
	}
	if _, exists := o.peers[pc.id]; exists {
		o.mu.Unlock()
		_ = s.Close()
		return
	}
	o.peers[pc.id] = pc
	o.mu.Unlock()

	pubKey, _ := extractPublicKey(s.Conn().RemotePublicKey())
	o.emit(Event{Kind: EventPeerConnected, PeerID: shortPeerID(pc.id), PublicKey: pubKey})

	o.wg.Add(1)
	go o.readLoop(pc)
}

func (o *Overlay) readLoop(pc *peerConn) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		if cur, ok := o.peers[pc.id]; ok && cur == pc {
			delete(o.peers, pc.id)
		}
		o.mu.Unlock()
		_ = pc.stream.Close()
		o.emit(Event{Kind: EventPeerDisconnected, PeerID: shortPeerID(pc.id)})
	}()

	acc := newFrameAccumulator(o.transport.maxFrameSize)
	r := bufio.NewReaderSize(pc.stream, 64*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			frames, ferr := acc.feed(chunk[:n])
			for _, body := range frames {
				msg, derr := decodeMessage(body)
				if derr != nil {
					o.emit(Event{Kind: EventPeerError, PeerID: shortPeerID(pc.id), Err: derr})
					continue
				}
				o.emit(Event{Kind: EventMessage, PeerID: shortPeerID(pc.id), Message: msg})
			}
			if ferr != nil {
				o.emit(Event{Kind: EventPeerError, PeerID: shortPeerID(pc.id), Err: ferr})
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				o.emit(Event{Kind: EventPeerError, PeerID: shortPeerID(pc.id), Err: err})
			}
			return
		}
	}
}

func (pc *peerConn) send(v any) error {
	frame, err := encodeFrame(v)
	if err != nil {
		return err
	}
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_, err = pc.stream.Write(frame)
	return err
}

// discoveryLoop periodically re-advertises this overlay's rendezvous key
// and searches for newly announced peers, dialing any not yet connected.
// Servers re-advertise so their provider record doesn't expire from the
// DHT; clients search so newly started workers are found without restart.
func (o *Overlay) discoveryLoop(rd *drouting.RoutingDiscovery, interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.findPeers(rd)
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if o.role.acceptsInbound() {
				_, _ = rd.Advertise(o.ctx, o.rendezvous)
			}
			o.findPeers(rd)
		}
	}
}

func (o *Overlay) findPeers(rd *drouting.RoutingDiscovery) {
	if !o.role.dialsOutbound() {
		return
	}
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()
	peerChan, err := rd.FindPeers(ctx, o.rendezvous)
	if err != nil {
		return
	}
	for pi := range peerChan {
		go o.dial(pi)
	}
}

func shortPeerID(id peer.ID) string {
	s := id.String()
	if len(s) <= 16 {
		return s
	}
	return s[:16]
}
