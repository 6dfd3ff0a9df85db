// Package overlay implements the hash-addressed transport: two independent
// peer-to-peer overlays (inference and score) sharing one libp2p host, each
// keyed by the SHA-256 digest of a well-known topic string and framed with
// a length-prefixed JSON protocol.
package overlay

import (
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multihash"
)

const (
	// InferenceTopic carries inference and status traffic between clients
	// and workers.
	InferenceTopic = "qmesh-inference-network-v1"
	// ScoreTopic carries reputation and health gossip between workers and
	// interested clients.
	ScoreTopic = "qmesh-scores-network-v1"
)

// protocolPrefix namespaces qmesh's libp2p protocol IDs and DHT rendezvous
// strings from any other overlay sharing the same host.
const protocolPrefix = "/qmesh"

// TopicKey is the 32-byte SHA-256 digest identifying an overlay.
type TopicKey [sha256.Size]byte

// HashTopic returns the SHA-256 digest of a topic string, per §6 of the
// interface design: overlay topics are 32-byte keys derived from UTF-8
// topic strings.
func HashTopic(topic string) TopicKey {
	return sha256.Sum256([]byte(topic))
}

// topicCID wraps a topic's SHA-256 digest in a raw-codec CIDv1, giving the
// hash-addressed topic a standard string form usable both as a libp2p
// protocol ID suffix and as a DHT rendezvous string.
func topicCID(topic string) (cid.Cid, error) {
	key := HashTopic(topic)
	mh, err := multihash.Encode(key[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode topic multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// rendezvous returns the DHT advertise/discover key for a topic.
func rendezvous(topic string) (string, error) {
	c, err := topicCID(topic)
	if err != nil {
		return "", err
	}
	return protocolPrefix + "/" + c.String(), nil
}

// protocolID returns the libp2p stream protocol ID for a topic.
func protocolID(topic string) (protocol.ID, error) {
	c, err := topicCID(topic)
	if err != nil {
		return "", err
	}
	return protocol.ID(fmt.Sprintf("%s/%s/1.0.0", protocolPrefix, c.String())), nil
}

// mdnsServiceName returns the DNS-SD service type advertising a topic on
// the local network, distinct per-overlay so inference and score peers
// don't cross-discover each other's service records.
func mdnsServiceName(topic string) (string, error) {
	c, err := topicCID(topic)
	if err != nil {
		return "", err
	}
	// Keep the label short: DNS-SD services are conventionally brief and
	// only local-network disambiguation between the two overlays matters.
	s := c.String()
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return fmt.Sprintf("_qmesh%s._udp", s), nil
}
