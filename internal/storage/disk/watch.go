package disk

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/objq/internal/storage"
)

// SubscribeContainer watches the container's object directory. Any create,
// rename or removal signals the subscriber; events are coalesced.
func (s *Store) SubscribeContainer(ref storage.ContainerRef) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	if err := s.containerExists(ref); err != nil {
		return nil, err
	}
	dir, err := s.containerDir(ref)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch %q: %w", dir, err)
	}
	sub := &containerSubscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type containerSubscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (c *containerSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *containerSubscription) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		err = c.watcher.Close()
	})
	return err
}

func (c *containerSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Write) {
				c.signal()
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			// Overflow or similar: wake the waiter so it rescans.
			c.signal()
		}
	}
}

func (c *containerSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
