// Package cluster provides the address-book and health-status tracking
// a metadata server process needs to reach its peers.
//
// # Overview
//
// Each mdsd process owns one directory-control server and routes to its
// peers by numeric server id, never by hostname. Registry is the mapping
// from that id to a dialable UDP address, kept up to date by whatever
// discovery mechanism a deployment chooses (static config, a gossip
// layer, a service mesh) calling Register/Unregister as membership
// changes. dirctl.Controller and client.Client both consume a Registry
// through the narrow PeerDialer/ServerResolver interfaces they already
// define, so Registry needs no special-casing in either package.
//
// # Health tracking
//
// PollHealth performs a side-channel HTTP health check against each
// registered node, independent of the UDP data-plane transport, and
// records the observed status on the NodeInfo entry. A failed poll
// marks a node unhealthy without removing its routing entry, since a
// transient outage should not make its partitions unroutable; callers
// that want to avoid unhealthy nodes consult Snapshot directly.
package cluster
