package channel

// Capabilities holds a channel's common (channel-type-wide) and private
// (this specific channel instance's) capability bitsets, kept separate per
// SPEC_FULL.md §4's supplemented feature grounded on original_source's
// RedChannelClient::set_capabilities: the original ANDs a remote peer's
// advertised bits against the locally supported set per bucket rather than
// merging into one flat bitset, so capability checks never accidentally
// pass on a bit the local side never claimed.
type Capabilities struct {
	Common  uint32
	Private uint32
}

// HasCommon reports whether bit is set in the negotiated common set.
func (c Capabilities) HasCommon(bit uint) bool {
	return c.Common&(1<<bit) != 0
}

// HasPrivate reports whether bit is set in the negotiated private set.
func (c Capabilities) HasPrivate(bit uint) bool {
	return c.Private&(1<<bit) != 0
}

// Negotiate ANDs a remote peer's advertised capabilities against the
// locally supported set, per-bucket.
func Negotiate(local, remote Capabilities) Capabilities {
	return Capabilities{
		Common:  local.Common & remote.Common,
		Private: local.Private & remote.Private,
	}
}
