package graph

import (
	"fmt"
	"log"
)

// Validate checks the things this transaction touched: every relation it
// created must have a role player.
func (g *Graph) Validate() error {
	return g.cache.Validate(func(s string) error {
		iid := IID(s)
		if !g.cache.IsNewRelation(s) {
			return nil
		}
		it := g.Relating(iid)
		has := it.Next()
		if err := closeIterator(it); err != nil {
			return err
		}
		if !has {
			return fmt.Errorf("%w: relation %s has no role players", ErrInvalidCommit, iid)
		}
		return nil
	})
}

// CleanupOrphans deletes relations that existed before this transaction and
// lost their last role player, and instances of dependent attribute types
// that no longer have an owner.
func (g *Graph) CleanupOrphans() (int, error) {
	removed := 0
	for _, s := range g.cache.ModifiedThings() {
		iid := IID(s)
		if g.cache.IsDeleted(s) {
			continue
		}
		orphan, err := g.isOrphan(iid)
		if err != nil {
			return removed, err
		}
		if !orphan {
			continue
		}
		if err := g.DeleteThing(iid); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (g *Graph) isOrphan(iid IID) (bool, error) {
	switch {
	case iid.Prefix() == PrefixRelation && !g.cache.IsNewRelation(string(iid)):
		ok, err := g.Exists(iid)
		if err != nil || !ok {
			return false, err
		}
		it := g.Relating(iid)
		has := it.Next()
		return !has, closeIterator(it)
	case iid.IsAttribute():
		t, err := g.TypeOf(iid)
		if err != nil || !t.Dependent {
			return false, err
		}
		ok, err := g.Exists(iid)
		if err != nil || !ok {
			return false, err
		}
		n, err := g.OwnerCount(iid)
		return n == 0, err
	}
	return false, nil
}

// Commit validates the transaction, removes orphans and applies every write
// atomically. Schema changes are published to the shared cache under its
// write lock. The graph is closed afterwards whatever the outcome.
func (g *Graph) Commit() error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	defer g.Close()
	if !g.Writable() {
		return g.txn.Commit()
	}

	if err := g.Validate(); err != nil {
		return err
	}
	removed, err := g.CleanupOrphans()
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Printf("[graph] txn %s removed %d orphaned things", g.TxnID(), removed)
	}

	dirty := g.cache.DirtyTypes()
	if len(dirty) == 0 && !g.rulesChanged() {
		return g.txn.Commit()
	}
	if len(dirty) > 0 && g.cache.Stale(g.m.types.Generation()) {
		return ErrSchemaChanged
	}
	commit := g.txn.Commit
	if g.rulesChanged() {
		commit = func() error {
			return g.m.rules.Flush(g.txn.Commit)
		}
	}
	if len(dirty) == 0 {
		return commit()
	}
	return g.m.types.Flush(commit, dirty...)
}
