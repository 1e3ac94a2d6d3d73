package bundle

import (
	"context"
	"errors"

	"github.com/roach88/pear/internal/drive"
)

// watch starts the update loop over the live session. pinned is the length
// the checkout was resolved at.
func (b *Bundle) watch(live *drive.Drive, pinned uint64) error {
	w, err := live.Watch()
	if err != nil {
		return err
	}
	done := make(chan struct{})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		w.Close()
		return drive.ErrClosed
	}
	b.watcher = w
	b.watchDone = done
	link := b.link
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.updates(live, w, link, pinned)
	}()
	return nil
}

func (b *Bundle) updates(live *drive.Drive, w *drive.Watcher, link string, pinned uint64) {
	ctx := context.Background()
	released := pinned
	for {
		ch, err := w.Next(ctx)
		if err != nil {
			// Close destroys the watcher mid-iteration; that is the normal exit.
			if !errors.Is(err, drive.ErrClosed) {
				b.logger.Debug("update watch stopped", "link", link, "error", err)
			}
			return
		}

		if b.opts.UpdatesDiff {
			b.opts.UpdateNotify(ch.Version, Update{Link: link, Diff: ch.Diff})
			continue
		}

		if !touches(ch.Diff, KeyRelease) {
			continue
		}
		var release uint64
		if err := live.GetJSON(ctx, KeyRelease, &release); err != nil {
			if !errors.Is(err, drive.ErrNotFound) && !errors.Is(err, drive.ErrClosed) {
				b.logger.Debug("read release pointer", "link", link, "error", err)
			}
			continue
		}
		if release <= released {
			continue
		}
		released = release
		v := ch.Version
		v.Length = release
		b.opts.UpdateNotify(v, Update{Link: link})
	}
}

func touches(diff []drive.DiffEntry, key string) bool {
	for _, d := range diff {
		if d.Key == key {
			return true
		}
	}
	return false
}
