// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/json"
)

type (
	CollectionType    string
	OrderedCollection struct {
		Context    any               `json:"@context,omitempty"`
		ID         string            `json:"id"`
		Type       CollectionType    `json:"type"`
		TotalItems int64             `json:"totalItems"`
		Items      []json.RawMessage `json:"orderedItems,omitempty"`
		First      string            `json:"first,omitempty"`
		Next       string            `json:"next,omitempty"`
		Prev       string            `json:"prev,omitempty"`
		PartOf     string            `json:"partOf,omitempty"`
	}
)

const (
	CollectionTypeCollection            CollectionType = "Collection"
	CollectionTypeOrderedCollection     CollectionType = "OrderedCollection"
	CollectionTypeCollectionPage        CollectionType = "CollectionPage"
	CollectionTypeOrderedCollectionPage CollectionType = "OrderedCollectionPage"
)

func IsCollectionType(t string) bool {
	switch CollectionType(t) {
	case CollectionTypeCollection, CollectionTypeOrderedCollection, CollectionTypeCollectionPage, CollectionTypeOrderedCollectionPage:
		return true
	default:
		return false
	}
}
