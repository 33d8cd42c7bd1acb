package collaboration

import (
	"context"
	"log"
	"time"

	"collabsync/internal/metrics"
)

/*
PERSISTENCE SCHEDULING

Three independent per-document timers, each with at most one pending
instance:

  - debounce: restarted on every dirty mark; a burst of edits inside the
    window produces exactly one save after the burst ends.
  - interval: runs while the document has clients; commits only when
    dirty. Safety net against continuous typing that keeps resetting
    the debounce timer.
  - ttl: armed when the room empties; unloads the document if nobody
    rejoins.

Timer callbacks fire on their own goroutines and only post closures back
to the event loop; they never touch document state directly.
*/

const saveTimeout = 10 * time.Second

// markDirtyLocked flags unsaved mutations and (re)schedules the
// debounced save.
func (r *Registry) markDirtyLocked(doc *ResidentDoc) {
	doc.dirty = true
	r.scheduleDebounceLocked(doc)
}

func (r *Registry) scheduleDebounceLocked(doc *ResidentDoc) {
	if doc.debounceTimer != nil {
		doc.debounceTimer.Stop()
	}
	doc.debounceTimer = time.AfterFunc(r.cfg.SaveDebounce, func() {
		r.post(func() {
			if r.docs[doc.ID] != doc {
				return
			}
			doc.debounceTimer = nil
			r.saveLocked(doc, SaveReasonDebounce)
		})
	})
}

func (r *Registry) startIntervalLocked(doc *ResidentDoc) {
	if doc.intervalTimer != nil {
		return
	}
	doc.intervalTimer = time.AfterFunc(r.cfg.SnapshotInterval, func() {
		r.post(func() {
			if r.docs[doc.ID] != doc {
				return
			}
			doc.intervalTimer = nil
			if len(doc.clients) == 0 {
				return
			}
			if doc.dirty {
				r.saveLocked(doc, SaveReasonInterval)
			}
			r.startIntervalLocked(doc)
		})
	})
}

func (r *Registry) stopIntervalLocked(doc *ResidentDoc) {
	if doc.intervalTimer != nil {
		doc.intervalTimer.Stop()
		doc.intervalTimer = nil
	}
}

func (r *Registry) armTTLLocked(doc *ResidentDoc) {
	if doc.ttlTimer != nil {
		doc.ttlTimer.Stop()
	}
	doc.ttlTimer = time.AfterFunc(r.cfg.DocTTL, func() {
		r.post(func() {
			if r.docs[doc.ID] != doc {
				return
			}
			doc.ttlTimer = nil
			if len(doc.clients) > 0 {
				return
			}
			r.unloadLocked(doc, UnloadReasonTTL)
		})
	})
}

func (r *Registry) cancelTTLLocked(doc *ResidentDoc) {
	if doc.ttlTimer != nil {
		doc.ttlTimer.Stop()
		doc.ttlTimer = nil
	}
}

func (r *Registry) stopTimersLocked(doc *ResidentDoc) {
	if doc.debounceTimer != nil {
		doc.debounceTimer.Stop()
		doc.debounceTimer = nil
	}
	r.stopIntervalLocked(doc)
	r.cancelTTLLocked(doc)
}

// saveLocked commits a dirty document to the persistent store. The
// store call runs on its own goroutine; completion re-enters the event
// loop. Failures are logged and counted, never fatal — the next
// debounce or interval cycle retries.
func (r *Registry) saveLocked(doc *ResidentDoc, reason SaveReason) {
	if r.docs[doc.ID] != doc {
		return
	}
	if !doc.dirty && reason != SaveReasonManual {
		return
	}
	if !doc.saveWindow.Allow() {
		log.Printf("⚠️  Save rate limit reached for document %s, skipping %s save", doc.ID, reason)
		metrics.RecordSave(string(reason), "skipped", 0)
		return
	}

	doc.stats.Attempted++
	snapshot := doc.replica.EncodeState()
	length := doc.replica.Len()
	start := time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		err := r.store.Save(ctx, doc.PageID, snapshot)
		duration := time.Since(start)

		r.post(func() {
			if r.docs[doc.ID] != doc {
				// Document was unloaded while the save was in flight;
				// record the outcome and move on.
				r.recordSaveOutcome(doc, reason, duration, err)
				return
			}
			r.finishSaveLocked(doc, reason, length, duration, err)
		})
	}()
}

// finishSaveLocked records a save outcome and clears the dirty flag when
// the committed snapshot still covers the replica.
func (r *Registry) finishSaveLocked(doc *ResidentDoc, reason SaveReason, length int, duration time.Duration, err error) {
	r.recordSaveOutcome(doc, reason, duration, err)
	if err != nil {
		return
	}

	doc.savedLen = length
	// New deltas may have arrived while the store call was pending;
	// only a snapshot covering the whole replica clears dirty.
	if doc.replica.Len() == length {
		doc.dirty = false
	}
}

func (r *Registry) recordSaveOutcome(doc *ResidentDoc, reason SaveReason, duration time.Duration, err error) {
	doc.stats.LastSaveAt = time.Now()
	doc.stats.LastReason = reason
	doc.stats.LastDuration = duration

	if err != nil {
		doc.stats.Failed++
		metrics.RecordSave(string(reason), "failed", duration.Seconds())
		log.Printf("⚠️  Save failed for document %s (%s): %v", doc.ID, reason, err)
		return
	}

	doc.stats.Succeeded++
	metrics.RecordSave(string(reason), "success", duration.Seconds())
}

// unloadLocked tears down an idle resident document: final save if
// dirty, cancel timers, destroy the replica, drop the entry. No-op when
// clients remain.
func (r *Registry) unloadLocked(doc *ResidentDoc, reason UnloadReason) {
	if len(doc.clients) > 0 {
		return
	}

	r.stopTimersLocked(doc)

	if doc.dirty {
		// The final save is mandatory and bypasses the save window.
		snapshot := doc.replica.EncodeState()
		pageID := doc.PageID
		docID := doc.ID
		start := time.Now()

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			defer cancel()

			if err := r.store.Save(ctx, pageID, snapshot); err != nil {
				log.Printf("⚠️  Final save failed for document %s (%s): %v", docID, reason, err)
				metrics.RecordSave(string(reason), "failed", time.Since(start).Seconds())
				return
			}
			metrics.RecordSave(string(reason), "success", time.Since(start).Seconds())
		}()
	}

	doc.replica.Destroy()
	delete(r.docs, doc.ID)
	metrics.SetResidentDocs(len(r.docs))
	metrics.RecordUnload(string(reason))

	log.Printf("  Document %s unloaded (%s, resident: %d)", doc.ID, reason, len(r.docs))
}
