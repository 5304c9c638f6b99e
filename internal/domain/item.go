package domain

import (
	"fmt"
	"strings"
)

// ItemType is one of the perishable commodities traded on the market.
type ItemType string

const (
	ItemFlower ItemType = "flower"
	ItemSugar  ItemType = "sugar"
	ItemPotato ItemType = "potato"
	ItemOil    ItemType = "oil"
)

// ItemTypes lists every item type in rotation order.
var ItemTypes = []ItemType{ItemFlower, ItemSugar, ItemPotato, ItemOil}

// ParseItemType maps a human-readable item name to an ItemType. Matching is
// case-insensitive and ignores surrounding whitespace.
func ParseItemType(name string) (ItemType, error) {
	candidate := ItemType(strings.ToLower(strings.TrimSpace(name)))
	for _, t := range ItemTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", &ValidationError{
		Message: fmt.Sprintf("invalid item type: %s. Valid types are: %s", name, itemTypeNames()),
	}
}

// Next returns the item type that follows t in rotation order, wrapping
// around at the end.
func (t ItemType) Next() ItemType {
	for i, candidate := range ItemTypes {
		if candidate == t {
			return ItemTypes[(i+1)%len(ItemTypes)]
		}
	}
	return ItemTypes[0]
}

func itemTypeNames() string {
	names := make([]string, len(ItemTypes))
	for i, t := range ItemTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
