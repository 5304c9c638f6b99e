package engine

import (
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/google/btree"
)

// saleEntry is one active sale together with its pending expiry task.
type saleEntry struct {
	item  domain.MarketItem
	timer *time.Timer
}

// saleKey orders sales oldest first, breaking ties by item id.
type saleKey struct {
	startedAt time.Time
	itemID    string
}

func saleLess(a, b saleKey) bool {
	if !a.startedAt.Equal(b.startedAt) {
		return a.startedAt.Before(b.startedAt)
	}
	return a.itemID < b.itemID
}

// saleIndex holds active sales in a B-tree ordered by start time with a
// secondary index for lookup by item id. It is not synchronized; the
// market manager's lock guards it.
type saleIndex struct {
	tree *btree.BTreeG[saleKey]
	byID map[string]*saleEntry
}

func newSaleIndex() *saleIndex {
	const degree = 16
	return &saleIndex{
		tree: btree.NewG[saleKey](degree, saleLess),
		byID: make(map[string]*saleEntry),
	}
}

func (ix *saleIndex) insert(e *saleEntry) {
	ix.tree.ReplaceOrInsert(saleKey{startedAt: e.item.SaleStartTime, itemID: e.item.ItemID})
	ix.byID[e.item.ItemID] = e
}

func (ix *saleIndex) get(itemID string) (*saleEntry, bool) {
	e, ok := ix.byID[itemID]
	return e, ok
}

func (ix *saleIndex) remove(itemID string) {
	e, ok := ix.byID[itemID]
	if !ok {
		return
	}
	delete(ix.byID, itemID)
	ix.tree.Delete(saleKey{startedAt: e.item.SaleStartTime, itemID: itemID})
}

// ascend calls fn for each sale oldest first until fn returns false.
func (ix *saleIndex) ascend(fn func(e *saleEntry) bool) {
	ix.tree.Ascend(func(k saleKey) bool {
		return fn(ix.byID[k.itemID])
	})
}

func (ix *saleIndex) len() int {
	return len(ix.byID)
}
