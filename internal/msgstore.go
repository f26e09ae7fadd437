package internal

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MessageStore holds the most recently seen messages so they can be served
// to peers that request them with IWANT. Once full the least recently used
// message is evicted.
type MessageStore struct {
	cache *lru.Cache[MessageID, *Message]
}

func NewMessageStore(size int) (*MessageStore, error) {
	cache, err := lru.New[MessageID, *Message](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create message store: %w", err)
	}
	return &MessageStore{
		cache: cache,
	}, nil
}

func (s *MessageStore) Put(m *Message) {
	s.cache.Add(m.ID, m)
}

func (s *MessageStore) Get(id MessageID) (*Message, bool) {
	return s.cache.Get(id)
}

func (s *MessageStore) Len() int {
	return s.cache.Len()
}
