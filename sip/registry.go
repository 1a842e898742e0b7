package sip

// registry is a typed map owned by [UserAgentCore].
// Entries are added by the object that owns them and removed exactly once on its disposal.
type registry[K comparable, V any] struct {
	items map[K]V
}

func newRegistry[K comparable, V any]() *registry[K, V] {
	return &registry[K, V]{items: make(map[K]V)}
}

func (r *registry[K, V]) get(key K) (V, bool) {
	v, ok := r.items[key]
	return v, ok
}

func (r *registry[K, V]) has(key K) bool {
	_, ok := r.items[key]
	return ok
}

func (r *registry[K, V]) put(key K, val V) { r.items[key] = val }

// delete removes the entry and reports whether it was present.
func (r *registry[K, V]) delete(key K) bool {
	if _, ok := r.items[key]; !ok {
		return false
	}
	delete(r.items, key)
	return true
}

func (r *registry[K, V]) len() int { return len(r.items) }

// values returns a snapshot of the entries, safe to use while entries are disposed.
func (r *registry[K, V]) values() []V {
	vals := make([]V, 0, len(r.items))
	for _, v := range r.items {
		vals = append(vals, v)
	}
	return vals
}

func (r *registry[K, V]) find(fn func(V) bool) (V, bool) {
	for _, v := range r.items {
		if fn(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// DialogID derives the registry key of a dialog.
// Local and remote tags swap places between the two peers of one dialog.
func DialogID(callID, localTag, remoteTag string) string {
	return callID + localTag + remoteTag
}

// SubscriberID derives the registry key of a pending subscription.
// A NOTIFY is matched against it by its Call-ID, To tag and Event package.
func SubscriberID(callID, localTag, event string) string {
	return callID + localTag + event
}
