package fact

// Merge picks the winner between the resident and an incoming revision of
// the same address. If either side is absent the other wins; otherwise the
// strictly greater sequence number wins and ties keep the existing value, so
// re-merging the same server push never oscillates. The same rule applies
// whether the incoming revision came from a durable-cache pull, a remote
// fetch, or a live push.
func Merge(existing *Revision, incoming *Revision) *Revision {
	if existing == nil {
		return incoming
	}
	if incoming == nil {
		return existing
	}
	if existing.Since < incoming.Since {
		return incoming
	}
	return existing
}
