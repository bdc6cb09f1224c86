package relay

import "sync"

// RecipientStore persists the active recipient.
type RecipientStore interface {
	LoadRecipient() (int64, bool)
	SaveRecipient(id int64) error
}

// Recipient is the chat that last spoke to the bridge. Notifications go there.
type Recipient struct {
	mu    sync.Mutex
	id    int64
	known bool
	store RecipientStore
}

// NewRecipient loads the persisted recipient, if any. store may be nil.
func NewRecipient(store RecipientStore) *Recipient {
	r := &Recipient{store: store}
	if store != nil {
		r.id, r.known = store.LoadRecipient()
	}
	return r
}

// Get returns the active recipient.
func (r *Recipient) Get() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.known
}

// Set makes id the active recipient, persisting it when it changed.
func (r *Recipient) Set(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known && r.id == id {
		return
	}
	r.id, r.known = id, true
	if r.store == nil {
		return
	}
	if err := r.store.SaveRecipient(id); err != nil {
		log.Warn("recipient_save_failed", "chat_id", id, "error", err.Error())
	}
}
