package main

import (
	"sync"
	"time"

	"github.com/bluele/gcache"
	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
	st "wuyrush.io/pinvault/stores"
)

// deleter drains the junk store: every sweep loads a batch of junk artifact ids and removes their blobs
// on a bounded pool of goroutines
type deleter struct {
	Blobs     st.BlobStore
	Junk      st.JunkStore
	PoolSize  int
	MaxLoad   int
	WIPExpiry time.Duration
	// ids being deleted right now, so overlapping sweeps skip them
	wipCache gcache.Cache
}

// Run sweeps every freq until stop is closed
func (d *deleter) Run(freq time.Duration, stop <-chan struct{}) *se.Err {
	clog := logging.WithFuncName()
	if freq <= 0 {
		return se.NewBadInput("got non-positive deleter sweep frequency")
	}
	if d.PoolSize <= 0 {
		return se.NewBadInput("got non-positive deleter executor pool size")
	}
	tkr := time.NewTicker(freq)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			n, err := d.Sweep()
			if err != nil {
				clog.WithError(err).Error("error sweeping junk blobs")
				// TODO: terminate when dependencies are hard-down
				continue
			}
			clog.WithField("count", n).Debug("junk blobs swept")
		case <-stop:
			return nil
		}
	}
}

// Sweep deletes one batch of junk blobs and waits for it, returning the number of blobs deleted. Failed
// deletions stay in the junk store for a later sweep.
func (d *deleter) Sweep() (int, *se.Err) {
	clog := logging.WithFuncName()
	ids, err := d.Load(d.MaxLoad)
	if err != nil {
		return 0, err
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted int
	)
	quotas := make(chan struct{}, d.PoolSize)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			quotas <- struct{}{}
			defer func() { <-quotas }()
			if err := d.Delete(id); err != nil {
				clog.WithError(err).WithField("artifactID", id).Error("error deleting junk blob")
				return
			}
			mu.Lock()
			deleted++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return deleted, nil
}

// Load loads up to max junk ids, leaving out the ones some other sweep is working on. It loads all junk
// available if max == 0.
func (d *deleter) Load(max int) ([]string, *se.Err) {
	clog := logging.WithFuncName()
	ids, err := d.Junk.Junk(max)
	if err != nil {
		clog.WithError(err).Error("error loading junk blobs from JunkStore")
		return nil, err
	}
	fresh := []string{}
	for _, id := range ids {
		if _, err := d.wipCache.Get(id); err != nil {
			if err != gcache.KeyNotFoundError {
				msg := "error getting artifact id from local cache"
				clog.WithError(err).Error(msg)
				return nil, se.NewServiceFailure(msg).WithCause(err)
			}
			// best-effort; an id failing to be cached gets picked up again by the next sweep
			if err := d.wipCache.SetWithExpire(id, struct{}{}, d.WIPExpiry); err != nil {
				clog.WithError(err).Errorf("error keying artifact id %s in local cache", id)
			}
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// Delete removes the blob and then forgets the junk entry. Blob deletion is idempotent so a crash in
// between is harmless.
func (d *deleter) Delete(id string) *se.Err {
	clog := logging.WithFuncName().WithField("artifactID", id)
	defer d.wipCache.Remove(id)
	if err := d.Blobs.Delete(id); err != nil {
		clog.WithError(err).Error("error deleting blob with BlobStore")
		return err
	}
	if err := d.Junk.Deregister(id); err != nil {
		clog.WithError(err).Error("error deregistering junk blob from JunkStore")
		return err
	}
	return nil
}
